// Package phase implements the optimizer's refine/research/restructure
// state machine (C10). No teacher equivalent exists (the orchestrator
// the pack ships has no phased escalation); built fresh in the
// teacher's mutex-guarded-state idiom (internal/orchestrator/orchestrator.go's
// Start/Stop/state-transition style).
package phase

import "sync"

// State is one of the four optimizer phases.
type State string

const (
	Refine      State = "refine"
	Research    State = "research"
	Restructure State = "restructure"
	Done        State = "done"
)

// EventKind enumerates the transition-triggering events.
type EventKind string

const (
	EventIterStart      EventKind = "ITER_START"
	EventEscalate       EventKind = "ESCALATE"
	EventPhaseTimeout   EventKind = "PHASE_TIMEOUT"
	EventBacktestOK     EventKind = "BACKTEST_OK"
	EventCompileError   EventKind = "COMPILE_ERROR"
	EventTransientError EventKind = "TRANSIENT_ERROR"
	EventNoChange       EventKind = "NO_CHANGE"
	EventChangeApplied  EventKind = "CHANGE_APPLIED"
	EventVerdict        EventKind = "VERDICT"
	EventCheckpointSave EventKind = "CHECKPOINT_SAVED"
	EventCriteriaMet    EventKind = "CRITERIA_MET"
	EventResearchDone   EventKind = "RESEARCH_DONE"
)

// Verdict mirrors the C7 scoring verdict, imported by value so this
// package has no dependency on the scoring package (kept dependency-free
// since it is pure state-machine logic).
type Verdict string

const (
	VerdictImproved Verdict = "improved"
	VerdictDegraded Verdict = "degraded"
	VerdictNeutral  Verdict = "neutral"
)

// Event is a single transition input. Only the fields relevant to Kind
// are read.
type Event struct {
	Kind          EventKind
	IsRestructure bool    // CHANGE_APPLIED
	Verdict       Verdict // VERDICT
	BriefPath     string  // RESEARCH_DONE
}

// Allocations are the phase-iteration-budget fractions of maxIter, per
// spec §4.10 (refine 40%, research 20%, restructure 40%), clamped by
// per-phase minima.
type Allocations struct {
	RefineFrac      float64
	ResearchFrac    float64
	RestructureFrac float64
	MinIterPerPhase int
}

// DefaultAllocations is the spec's default 40/20/40 split.
func DefaultAllocations() Allocations {
	return Allocations{RefineFrac: 0.4, ResearchFrac: 0.2, RestructureFrac: 0.4, MinIterPerPhase: 3}
}

// Config bounds the state machine.
type Config struct {
	MaxIter     int
	MaxCycles   int
	Allocations Allocations
}

// Machine is the guarded refine/research/restructure/done state
// machine. One Machine per (coin, strategy) optimization session.
type Machine struct {
	mu sync.Mutex

	cfg Config

	state State

	neutralStreak  int
	noChangeCount  int
	fixAttempts    int
	transientFails int
	phaseIterCount int
	phaseCycles    int

	needsRebuild bool
}

// New starts a Machine in Refine, or in the persisted initial state if
// resuming (pass "" for a fresh start).
func New(cfg Config, initial State) *Machine {
	if initial == "" {
		initial = Refine
	}
	return &Machine{cfg: cfg, state: initial}
}

// State returns the current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NeedsRebuild reports (and does not clear) whether a restructure
// change is pending a build before the next backtest.
func (m *Machine) NeedsRebuild() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsRebuild
}

// ConsumeRebuild clears the pending-rebuild flag; call after a build
// has been attempted.
func (m *Machine) ConsumeRebuild() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.needsRebuild = false
}

func (m *Machine) phaseAllocation(s State) float64 {
	switch s {
	case Refine:
		return m.cfg.Allocations.RefineFrac
	case Research:
		return m.cfg.Allocations.ResearchFrac
	case Restructure:
		return m.cfg.Allocations.RestructureFrac
	default:
		return 0
	}
}

func (m *Machine) phaseBudget(s State) int {
	budget := int(float64(m.cfg.MaxIter) * m.phaseAllocation(s))
	if budget < m.cfg.Allocations.MinIterPerPhase {
		budget = m.cfg.Allocations.MinIterPerPhase
	}
	return budget
}

// resetCountersLocked resets the per-phase counters on entry to a new
// phase, per spec §4.10.
func (m *Machine) resetCountersLocked() {
	m.fixAttempts = 0
	m.transientFails = 0
	m.neutralStreak = 0
	m.noChangeCount = 0
	m.phaseIterCount = 0
}

func (m *Machine) enterLocked(s State) {
	m.state = s
	m.resetCountersLocked()
}

// Apply advances the machine with ev and returns the resulting state.
func (m *Machine) Apply(ev Event) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Done {
		return m.state
	}

	switch ev.Kind {
	case EventIterStart:
		m.phaseIterCount++

	case EventNoChange:
		m.noChangeCount++

	case EventTransientError:
		m.transientFails++

	case EventCompileError:
		m.fixAttempts++

	case EventVerdict:
		switch ev.Verdict {
		case VerdictImproved:
			m.neutralStreak = 0
		case VerdictNeutral:
			m.neutralStreak++
		case VerdictDegraded:
			m.neutralStreak = 0
		}

	case EventChangeApplied:
		if ev.IsRestructure {
			m.needsRebuild = true
		}

	case EventCriteriaMet:
		m.state = Done
		return m.state

	case EventEscalate:
		switch m.state {
		case Refine:
			if m.neutralStreak >= 3 || m.noChangeCount >= 2 {
				m.enterLocked(Research)
			}
		case Research:
			if ev.BriefPath != "" {
				m.enterLocked(Restructure)
			}
		case Restructure:
			if m.noChangeCount >= 2 {
				m.enterLocked(Refine)
			}
		}

	case EventResearchDone:
		if m.state == Research && ev.BriefPath != "" {
			m.enterLocked(Restructure)
		}

	case EventPhaseTimeout:
		budget := m.phaseBudget(m.state)
		if m.phaseIterCount <= budget {
			break
		}
		switch m.state {
		case Refine:
			m.enterLocked(Research)
		case Research:
			m.enterLocked(Restructure)
		case Restructure:
			m.phaseCycles++
			if m.phaseCycles >= m.cfg.MaxCycles {
				m.state = Done
			} else {
				m.enterLocked(Refine)
			}
		}
	}

	return m.state
}

// Counters exposes the current per-phase counters, for logging/debug
// surfaces.
type Counters struct {
	NeutralStreak  int
	NoChangeCount  int
	FixAttempts    int
	TransientFails int
	PhaseIterCount int
	PhaseCycles    int
}

// Counters returns a snapshot of the machine's internal counters.
func (m *Machine) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counters{
		NeutralStreak:  m.neutralStreak,
		NoChangeCount:  m.noChangeCount,
		FixAttempts:    m.fixAttempts,
		TransientFails: m.transientFails,
		PhaseIterCount: m.phaseIterCount,
		PhaseCycles:    m.phaseCycles,
	}
}

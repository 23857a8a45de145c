package phase

import "testing"

func baseCfg() Config {
	return Config{MaxIter: 100, MaxCycles: 3, Allocations: DefaultAllocations()}
}

func TestEscalatesRefineToResearchOnNeutralStreak(t *testing.T) {
	m := New(baseCfg(), "")
	for i := 0; i < 3; i++ {
		m.Apply(Event{Kind: EventVerdict, Verdict: VerdictNeutral})
	}
	got := m.Apply(Event{Kind: EventEscalate})
	if got != Research {
		t.Fatalf("expected Research after neutralStreak>=3, got %v", got)
	}
}

func TestEscalatesRefineToResearchOnNoChangeCount(t *testing.T) {
	m := New(baseCfg(), "")
	m.Apply(Event{Kind: EventNoChange})
	m.Apply(Event{Kind: EventNoChange})
	got := m.Apply(Event{Kind: EventEscalate})
	if got != Research {
		t.Fatalf("expected Research after noChangeCount>=2, got %v", got)
	}
}

func TestResearchDoneMovesToRestructure(t *testing.T) {
	m := New(baseCfg(), Research)
	got := m.Apply(Event{Kind: EventResearchDone, BriefPath: "/tmp/brief.md"})
	if got != Restructure {
		t.Fatalf("expected Restructure after RESEARCH_DONE with a brief, got %v", got)
	}
}

func TestCountersResetOnPhaseEntry(t *testing.T) {
	m := New(baseCfg(), "")
	m.Apply(Event{Kind: EventIterStart})
	m.Apply(Event{Kind: EventVerdict, Verdict: VerdictNeutral})
	m.Apply(Event{Kind: EventVerdict, Verdict: VerdictNeutral})
	m.Apply(Event{Kind: EventVerdict, Verdict: VerdictNeutral})
	m.Apply(Event{Kind: EventEscalate})
	if m.State() != Research {
		t.Fatalf("expected Research, got %v", m.State())
	}
	c := m.Counters()
	if c.NeutralStreak != 0 || c.PhaseIterCount != 0 {
		t.Fatalf("expected counters reset on phase entry, got %+v", c)
	}
}

func TestChangeAppliedRestructureSetsNeedsRebuild(t *testing.T) {
	m := New(baseCfg(), Restructure)
	m.Apply(Event{Kind: EventChangeApplied, IsRestructure: true})
	if !m.NeedsRebuild() {
		t.Fatalf("expected needsRebuild after restructure change applied")
	}
	m.ConsumeRebuild()
	if m.NeedsRebuild() {
		t.Fatalf("expected needsRebuild cleared after consume")
	}
}

func TestPhaseTimeoutAdvancesThroughCyclesToDone(t *testing.T) {
	cfg := Config{MaxIter: 10, MaxCycles: 1, Allocations: Allocations{RefineFrac: 0.1, ResearchFrac: 0.1, RestructureFrac: 0.1, MinIterPerPhase: 1}}
	m := New(cfg, Restructure)
	// budget = max(int(10*0.1)=1, minIterPerPhase=1) = 1; exceed it.
	m.Apply(Event{Kind: EventIterStart})
	m.Apply(Event{Kind: EventIterStart})
	got := m.Apply(Event{Kind: EventPhaseTimeout})
	if got != Done {
		t.Fatalf("expected Done once phaseCycles>=maxCycles, got %v", got)
	}
}

func TestCriteriaMetGoesDoneImmediately(t *testing.T) {
	m := New(baseCfg(), Refine)
	got := m.Apply(Event{Kind: EventCriteriaMet})
	if got != Done {
		t.Fatalf("expected Done, got %v", got)
	}
	// Once done, further events are no-ops.
	got = m.Apply(Event{Kind: EventEscalate})
	if got != Done {
		t.Fatalf("expected Done to be terminal, got %v", got)
	}
}

func TestVerdictDegradedResetsNeutralStreak(t *testing.T) {
	m := New(baseCfg(), "")
	m.Apply(Event{Kind: EventVerdict, Verdict: VerdictNeutral})
	m.Apply(Event{Kind: EventVerdict, Verdict: VerdictNeutral})
	m.Apply(Event{Kind: EventVerdict, Verdict: VerdictDegraded})
	if m.Counters().NeutralStreak != 0 {
		t.Fatalf("expected degraded verdict to reset neutral streak")
	}
}

// Package paramhistory maintains the append-only optimization ledger
// (C9): iteration records, explored parameter ranges, proven-dead
// values, pending hypotheses and tracked approaches. Grounded on
// internal/learning/feedback.go's FeedbackEngine (RWMutex-guarded
// in-memory slice/map, periodic JSON persistence), generalized from
// user-feedback rows to the spec §3/§4.9 ledger shapes. Writes are
// made only by the optimizer; the external modifier never touches
// this store directly.
package paramhistory

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Ledger is the in-memory, periodically-persisted ParamHistory.
type Ledger struct {
	logger *zap.Logger
	mu     sync.RWMutex
	path   string
	hist   types.ParamHistory
}

// Open loads an existing ledger from path, or starts an empty one if
// the file does not yet exist.
func Open(logger *zap.Logger, path string) (*Ledger, error) {
	l := &Ledger{
		logger: logger.Named("paramhistory"),
		path:   path,
		hist: types.ParamHistory{
			ExploredRanges: make(map[string][]float64),
			CurrentPhase:   "refine",
		},
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	bytes, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var h types.ParamHistory
	if err := json.Unmarshal(bytes, &h); err != nil {
		return err
	}
	if h.ExploredRanges == nil {
		h.ExploredRanges = make(map[string][]float64)
	}
	l.hist = h
	return nil
}

// Save persists the ledger atomically-enough for a single-writer
// process: write-temp, rename.
func (l *Ledger) Save() error {
	l.mu.RLock()
	bytes, err := json.MarshalIndent(l.hist, "", "  ")
	l.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".paramhistory-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, l.path)
}

// round4 truncates to 4-decimal precision, the exact-equality grain
// spec §3 uses for ExploredSpace membership.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// RecordIteration appends rec to the ledger and records its param
// change (if any) into exploredRanges at 4-decimal precision.
func (l *Ledger) RecordIteration(rec types.IterationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hist.Iterations = append(l.hist.Iterations, rec)
	if rec.Change != nil {
		l.recordExploredLocked(rec.Change.Param, rec.Change.To)
	}
}

func (l *Ledger) recordExploredLocked(param string, value float64) {
	v := round4(value)
	for _, existing := range l.hist.ExploredRanges[param] {
		if existing == v {
			return
		}
	}
	l.hist.ExploredRanges[param] = append(l.hist.ExploredRanges[param], v)
}

// HasExplored reports whether value has already been tried for param,
// at the spec's 4-decimal equality grain.
func (l *Ledger) HasExplored(param string, value float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v := round4(value)
	for _, existing := range l.hist.ExploredRanges[param] {
		if existing == v {
			return true
		}
	}
	return false
}

// MarkNeverWorked appends a NeverWorked record.
func (l *Ledger) MarkNeverWorked(nw types.NeverWorked) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hist.NeverWorked = append(l.hist.NeverWorked, nw)
}

// NeverWorked returns the never-worked ledger, for the orchestrator to
// steer the modifier away from proven-dead values.
func (l *Ledger) NeverWorked() []types.NeverWorked {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.NeverWorked, len(l.hist.NeverWorked))
	copy(out, l.hist.NeverWorked)
	return out
}

// AddPendingHypothesis appends a hypothesis surfaced by a research
// phase.
func (l *Ledger) AddPendingHypothesis(h types.PendingHypothesis) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hist.PendingHypotheses = append(l.hist.PendingHypotheses, h)
}

// PendingHypotheses returns the non-expired hypotheses in the order
// they were added; they are not sorted by Rank.
func (l *Ledger) PendingHypotheses() []types.PendingHypothesis {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.PendingHypothesis
	for _, h := range l.hist.PendingHypotheses {
		if !h.Expired {
			out = append(out, h)
		}
	}
	return out
}

// ExpireHypothesis marks the hypothesis at iter/rank as expired once
// it has been tried (successfully or not).
func (l *Ledger) ExpireHypothesis(iter, rank int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.hist.PendingHypotheses {
		h := &l.hist.PendingHypotheses[i]
		if h.Iter == iter && h.Rank == rank {
			h.Expired = true
			return
		}
	}
}

// UpsertApproach records or updates the tracked approach by ID.
func (l *Ledger) UpsertApproach(a types.ApproachRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.hist.Approaches {
		if l.hist.Approaches[i].ID == a.ID {
			l.hist.Approaches[i] = a
			return
		}
	}
	l.hist.Approaches = append(l.hist.Approaches, a)
}

// Approaches returns a copy of the tracked approach ledger.
func (l *Ledger) Approaches() []types.ApproachRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.ApproachRecord, len(l.hist.Approaches))
	copy(out, l.hist.Approaches)
	return out
}

// SetPhase records the orchestrator's current phase state.
func (l *Ledger) SetPhase(phase string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hist.CurrentPhase = phase
}

// Phase returns the last-recorded phase.
func (l *Ledger) Phase() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hist.CurrentPhase
}

// LastIteration returns the most recent IterationRecord, or false if
// the ledger is empty.
func (l *Ledger) LastIteration() (types.IterationRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.hist.Iterations) == 0 {
		return types.IterationRecord{}, false
	}
	return l.hist.Iterations[len(l.hist.Iterations)-1], true
}

// Snapshot returns a deep-enough copy of the full ledger for
// inspection (the orchestrator reads ExploredRanges from it).
func (l *Ledger) Snapshot() types.ParamHistory {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := l.hist
	cp.Iterations = append([]types.IterationRecord(nil), l.hist.Iterations...)
	cp.NeverWorked = append([]types.NeverWorked(nil), l.hist.NeverWorked...)
	cp.PendingHypotheses = append([]types.PendingHypothesis(nil), l.hist.PendingHypotheses...)
	cp.Approaches = append([]types.ApproachRecord(nil), l.hist.Approaches...)
	cp.ExploredRanges = make(map[string][]float64, len(l.hist.ExploredRanges))
	for k, v := range l.hist.ExploredRanges {
		cp.ExploredRanges[k] = append([]float64(nil), v...)
	}
	return cp
}

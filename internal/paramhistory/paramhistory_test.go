package paramhistory

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

func TestExploredRangeAtFourDecimalPrecision(t *testing.T) {
	l, err := Open(zap.NewNop(), filepath.Join(t.TempDir(), "history.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.RecordIteration(types.IterationRecord{
		Iter:   1,
		Change: &types.ParamChange{Param: "donchianFast", From: 20, To: 22.00004},
	})

	if !l.HasExplored("donchianFast", 22.0000) {
		t.Fatalf("expected 22.00004 to round to an explored value at 22.0000")
	}
	if l.HasExplored("donchianFast", 22.001) {
		t.Fatalf("did not expect 22.001 to match at 4-decimal precision")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	l, err := Open(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.RecordIteration(types.IterationRecord{Iter: 1, Verdict: types.VerdictImproved, Score: 0.6})
	l.MarkNeverWorked(types.NeverWorked{Param: "adxThreshold", Value: 5, Reason: "too noisy"})
	l.SetPhase("research")

	if err := l.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Open(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	last, ok := reloaded.LastIteration()
	if !ok || last.Iter != 1 {
		t.Fatalf("expected reloaded iteration 1, got %+v ok=%v", last, ok)
	}
	if reloaded.Phase() != "research" {
		t.Fatalf("expected reloaded phase 'research', got %q", reloaded.Phase())
	}
	if len(reloaded.NeverWorked()) != 1 {
		t.Fatalf("expected 1 never-worked entry, got %d", len(reloaded.NeverWorked()))
	}
}

func TestPendingHypothesesExcludesExpired(t *testing.T) {
	l, err := Open(zap.NewNop(), filepath.Join(t.TempDir(), "history.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.AddPendingHypothesis(types.PendingHypothesis{Iter: 1, Rank: 1, Hypothesis: "widen ATR stop"})
	l.AddPendingHypothesis(types.PendingHypothesis{Iter: 1, Rank: 2, Hypothesis: "tighten RSI band"})
	l.ExpireHypothesis(1, 1)

	pending := l.PendingHypotheses()
	if len(pending) != 1 || pending[0].Rank != 2 {
		t.Fatalf("expected only rank-2 hypothesis to remain pending, got %+v", pending)
	}
}

func TestUpsertApproachReplacesByID(t *testing.T) {
	l, err := Open(zap.NewNop(), filepath.Join(t.TempDir(), "history.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.UpsertApproach(types.ApproachRecord{ID: "a1", Name: "donchian breakout", Verdict: types.ApproachActive})
	l.UpsertApproach(types.ApproachRecord{ID: "a1", Name: "donchian breakout", Verdict: types.ApproachExhausted, Reason: "never beat baseline"})

	approaches := l.Approaches()
	if len(approaches) != 1 {
		t.Fatalf("expected a single approach row after upsert, got %d", len(approaches))
	}
	if approaches[0].Verdict != types.ApproachExhausted {
		t.Fatalf("expected updated verdict, got %+v", approaches[0])
	}
}

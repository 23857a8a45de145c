package scoring

import "testing"

func TestAxesClampToUnitInterval(t *testing.T) {
	a := Axes(Inputs{ProfitFactor: 10, AvgR: 5, WinRatePct: 90, MaxDDPct: 0, FilterCount: 1, Trades: 1000})
	if a.PF != 1 || a.AvgR != 1 || a.WR != 1 || a.Sample != 1 {
		t.Fatalf("expected saturated axes, got %+v", a)
	}
}

func TestAxesDrawdownPenalizesAboveFifteenPercent(t *testing.T) {
	a := Axes(Inputs{MaxDDPct: 30})
	if a.DD != 0 {
		t.Fatalf("expected DD axis floor at 0 beyond 15%% drawdown, got %v", a.DD)
	}
}

func TestCompareScoresAcceptRejectNeutral(t *testing.T) {
	cases := []struct {
		newScore, oldScore float64
		want               Verdict
	}{
		{60, 50, VerdictAccept},    // 60 > 50*1.02
		{50, 50, VerdictNeutral},
		{40, 50, VerdictReject},    // 40 < 50*0.85=42.5
		{5, 0, VerdictAccept},
		{0, 0, VerdictNeutral},
	}
	for _, c := range cases {
		got := CompareScores(c.newScore, c.oldScore)
		if got != c.want {
			t.Errorf("CompareScores(%v,%v) = %v, want %v", c.newScore, c.oldScore, got, c.want)
		}
	}
}

func TestDefaultWeightsSumToHundred(t *testing.T) {
	w := DefaultWeights()
	sum := w.PF + w.AvgR + w.WR + w.DD + w.Complexity + w.Sample
	if sum != 100 {
		t.Fatalf("expected weights to sum to 100, got %v", sum)
	}
}

// Package scoring reduces backtest metrics to a single weighted
// composite score and compares successive scores into an
// accept/reject/neutral verdict (C7). Grounded on the teacher's
// internal/backtester/viability.go ViabilityChecker, generalized from
// its pass/fail letter-grade output to the spec's weighted [0,1]-axis
// composite.
package scoring

// Inputs are the raw backtest-derived values the composite score is
// built from.
type Inputs struct {
	ProfitFactor float64 // 0 if undefined (no losing trades observed)
	AvgR         float64
	WinRatePct   float64 // 0-100
	MaxDDPct     float64 // 0-100
	FilterCount  int     // active entry/exit filters + parameter count proxy
	Trades       int
}

// Weights are the per-axis contributions to the composite score.
// Defaults sum to 100, matching the spec's weighted-percentage style.
type Weights struct {
	PF         float64
	AvgR       float64
	WR         float64
	DD         float64
	Complexity float64
	Sample     float64
}

// DefaultWeights mirrors the teacher's viability weighting shape:
// profitability and consistency dominate, complexity and sample size
// are tie-breakers.
func DefaultWeights() Weights {
	return Weights{PF: 30, AvgR: 25, WR: 15, DD: 15, Complexity: 5, Sample: 10}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// AxisScores is each per-axis score in [0,1], exposed for diagnostics
// (e.g. surfaced in iteration records / dashboards).
type AxisScores struct {
	PF         float64
	AvgR       float64
	WR         float64
	DD         float64
	Complexity float64
	Sample     float64
}

// Axes computes the per-axis [0,1] scores per the spec §4.7 table.
func Axes(in Inputs) AxisScores {
	return AxisScores{
		PF:         clamp01(in.ProfitFactor / 2.0),
		AvgR:       clamp01(in.AvgR / 0.5),
		WR:         clamp01(in.WinRatePct / 40),
		DD:         clamp01(1 - in.MaxDDPct/15),
		Complexity: clamp01(1 - (float64(in.FilterCount)-5)/15),
		Sample:     clamp01(float64(in.Trades) / 150),
	}
}

// Score is the weighted composite over Axes(in), using w (pass
// DefaultWeights() for the spec default).
func Score(in Inputs, w Weights) float64 {
	a := Axes(in)
	return a.PF*w.PF + a.AvgR*w.AvgR + a.WR*w.WR + a.DD*w.DD + a.Complexity*w.Complexity + a.Sample*w.Sample
}

// Verdict is the result of comparing a new composite score against
// the prior best.
type Verdict string

const (
	VerdictAccept  Verdict = "accept"
	VerdictReject  Verdict = "reject"
	VerdictNeutral Verdict = "neutral"
)

// CompareScores implements the spec §4.7 acceptance rule: accept iff
// new > old*1.02; reject iff new < old*0.85; else neutral. If old <= 0,
// accept iff new > 0.
func CompareScores(newScore, oldScore float64) Verdict {
	if oldScore <= 0 {
		if newScore > 0 {
			return VerdictAccept
		}
		return VerdictNeutral
	}
	switch {
	case newScore > oldScore*1.02:
		return VerdictAccept
	case newScore < oldScore*0.85:
		return VerdictReject
	default:
		return VerdictNeutral
	}
}

package backtester

import (
	"math"
	"sort"
	"time"
)

// Session names the UTC trading-hour bucket a trade's entry falls in
// (spec §4.6): Asia 23-8, London 8-13, NY 13-20, Off-peak 20-23.
type Session string

const (
	SessionAsia    Session = "asia"
	SessionLondon  Session = "london"
	SessionNY      Session = "ny"
	SessionOffPeak Session = "off_peak"
)

func sessionForHour(hour int) Session {
	switch {
	case hour >= 23 || hour < 8:
		return SessionAsia
	case hour >= 8 && hour < 13:
		return SessionLondon
	case hour >= 13 && hour < 20:
		return SessionNY
	default:
		return SessionOffPeak
	}
}

// Metrics is the aggregate scorecard over a set of completed trades.
type Metrics struct {
	TotalPnl        float64
	NumTrades       int
	ProfitFactor    *float64
	MaxDrawdownPct  float64
	WinRate         *float64
	AvgR            *float64
}

// ComputeMetrics reduces trades to the aggregate Metrics. Returns a
// zero-value Metrics{NumTrades:0} for an empty trade set.
func ComputeMetrics(trades []CompletedTrade) Metrics {
	m := Metrics{NumTrades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	var grossProfit, grossLoss, rSum float64
	var wins int
	equity := 0.0
	peak := 0.0
	maxDD := 0.0

	for _, t := range trades {
		m.TotalPnl += t.PnL
		rSum += t.RMultiple
		if t.PnL > 0 {
			grossProfit += t.PnL
			wins++
		} else {
			grossLoss += -t.PnL
		}

		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	if grossLoss > 0 {
		pf := grossProfit / grossLoss
		m.ProfitFactor = &pf
	}
	wr := float64(wins) / float64(len(trades))
	m.WinRate = &wr
	avgR := rSum / float64(len(trades))
	m.AvgR = &avgR
	m.MaxDrawdownPct = maxDD * 100

	return m
}

// BucketResult is a slice of a trade set (e.g. "long trades", "1h exits",
// "UTC hour 14") reduced to its own Metrics.
type BucketResult struct {
	Label   string
	Metrics Metrics
}

// TradeAnalysis breaks completed trades down along the axes spec §4.6
// names, plus best/worst performers and a walk-forward split.
type TradeAnalysis struct {
	ByDirection  []BucketResult
	ByExitType   []BucketResult
	ByHourUTC    []BucketResult
	ByWeekday    []BucketResult
	BySession    []BucketResult
	Best3        []CompletedTrade
	Worst3       []CompletedTrade
	WalkForward  *WalkForwardResult
}

// Analyze produces the full TradeAnalysis breakdown over trades.
func Analyze(trades []CompletedTrade) TradeAnalysis {
	a := TradeAnalysis{}
	a.ByDirection = bucketBy(trades, func(t CompletedTrade) string { return string(t.Direction) })
	a.ByExitType = bucketBy(trades, func(t CompletedTrade) string { return string(t.ExitReason) })
	a.ByHourUTC = bucketBy(trades, func(t CompletedTrade) string {
		hr := time.UnixMilli(t.EntryTs).UTC().Hour()
		return intLabel(hr)
	})
	a.ByWeekday = bucketBy(trades, func(t CompletedTrade) string {
		return time.UnixMilli(t.EntryTs).UTC().Weekday().String()
	})
	a.BySession = bucketBy(trades, func(t CompletedTrade) string {
		hr := time.UnixMilli(t.EntryTs).UTC().Hour()
		return string(sessionForHour(hr))
	})

	sorted := append([]CompletedTrade(nil), trades...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PnL > sorted[j].PnL })
	a.Best3 = topN(sorted, 3, false)
	a.Worst3 = topN(sorted, 3, true)

	wf := WalkForward(trades, 0.7)
	a.WalkForward = &wf

	return a
}

func bucketBy(trades []CompletedTrade, key func(CompletedTrade) string) []BucketResult {
	groups := make(map[string][]CompletedTrade)
	var order []string
	for _, t := range trades {
		k := key(t)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}
	sort.Strings(order)
	out := make([]BucketResult, 0, len(order))
	for _, k := range order {
		out = append(out, BucketResult{Label: k, Metrics: ComputeMetrics(groups[k])})
	}
	return out
}

func topN(sorted []CompletedTrade, n int, worst bool) []CompletedTrade {
	if len(sorted) == 0 {
		return nil
	}
	if worst {
		start := len(sorted) - n
		if start < 0 {
			start = 0
		}
		rev := append([]CompletedTrade(nil), sorted[start:]...)
		for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
			rev[i], rev[j] = rev[j], rev[i]
		}
		return rev
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	return append([]CompletedTrade(nil), sorted[:n]...)
}

func intLabel(n int) string {
	if n < 10 {
		return "0" + string(rune('0'+n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

// FilterSimulation reports what Metrics would have resulted had trades
// been restricted to those passing keep.
func FilterSimulation(trades []CompletedTrade, keep func(CompletedTrade) bool) Metrics {
	var filtered []CompletedTrade
	for _, t := range trades {
		if keep(t) {
			filtered = append(filtered, t)
		}
	}
	return ComputeMetrics(filtered)
}

// stdDev returns the population standard deviation of xs, or 0 for an
// empty slice.
func stdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

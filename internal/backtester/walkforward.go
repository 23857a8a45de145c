package backtester

import "time"

// WalkForwardResult is the spec §4.6 70/30 split: the trade set is cut
// chronologically at the 70% mark, each half reduced to its own
// Metrics, plus a train/test profit-factor ratio and an hourly
// consistency score. Grounded on the teacher's WalkForwardAnalyzer
// idiom, replaced with a single train/test split over an already-run
// trade set rather than the teacher's multi-window re-backtest (the
// spec's runner owns one contiguous bar stream, not a re-runnable
// date-ranged config).
type WalkForwardResult struct {
	TrainMetrics Metrics
	TestMetrics  Metrics

	// PFRatio is TestMetrics.ProfitFactor / TrainMetrics.ProfitFactor,
	// nil if either side lacks a defined profit factor.
	PFRatio *float64

	// HourConsistency is the fraction of UTC hours that were net
	// profitable in both halves, over hours net profitable in the train
	// half (1.0 = every train-profitable hour stayed profitable in test);
	// nil when no train hour was profitable.
	HourConsistency *float64
}

// WalkForward splits trades (already sorted by EntryTs ascending, as
// produced by Engine.Run) at trainFrac and computes the spec's
// train/test comparison.
func WalkForward(trades []CompletedTrade, trainFrac float64) WalkForwardResult {
	if len(trades) == 0 {
		return WalkForwardResult{}
	}
	cut := int(float64(len(trades)) * trainFrac)
	if cut < 1 {
		cut = 1
	}
	if cut > len(trades) {
		cut = len(trades)
	}
	train := trades[:cut]
	test := trades[cut:]

	res := WalkForwardResult{
		TrainMetrics: ComputeMetrics(train),
		TestMetrics:  ComputeMetrics(test),
	}

	if res.TrainMetrics.ProfitFactor != nil && res.TestMetrics.ProfitFactor != nil && *res.TrainMetrics.ProfitFactor != 0 {
		ratio := *res.TestMetrics.ProfitFactor / *res.TrainMetrics.ProfitFactor
		res.PFRatio = &ratio
	}

	res.HourConsistency = hourConsistency(train, test)
	return res
}

func hourConsistency(train, test []CompletedTrade) *float64 {
	trainByHour := pnlByHour(train)
	testByHour := pnlByHour(test)

	var tradedProfitable, consistent int
	for hour, pnl := range trainByHour {
		if pnl <= 0 {
			continue
		}
		tradedProfitable++
		if testPnl, ok := testByHour[hour]; ok && testPnl > 0 {
			consistent++
		}
	}
	if tradedProfitable == 0 {
		return nil
	}
	score := float64(consistent) / float64(tradedProfitable)
	return &score
}

func pnlByHour(trades []CompletedTrade) map[int]float64 {
	out := make(map[int]float64)
	for _, t := range trades {
		hour := time.UnixMilli(t.EntryTs).UTC().Hour()
		out[hour] += t.PnL
	}
	return out
}

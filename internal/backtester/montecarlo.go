package backtester

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
)

// MonteCarloConfig bounds a simulation run.
type MonteCarloConfig struct {
	Iterations int
}

// MonteCarloResult is the advisory output the optimizer consults
// alongside scoring.Score: the distribution of returns the observed
// trade sequence could plausibly have produced under reordering.
type MonteCarloResult struct {
	Iterations      int
	MedianReturn    float64
	P5Return        float64
	P95Return       float64
	ProbabilityRuin float64
	MaxDrawdownP95  float64
}

// MonteCarloSimulator bootstraps a completed-trade sequence by
// reshuffling trade order, grounded on the teacher's
// MonteCarloSimulator (shuffle-path/percentile idiom), rewired from
// decimal.Decimal/*types.Trade to float64/CompletedTrade.
type MonteCarloSimulator struct {
	logger *zap.Logger
	config MonteCarloConfig
	rng    *rand.Rand
}

// NewMonteCarloSimulator creates a new Monte Carlo simulator.
func NewMonteCarloSimulator(logger *zap.Logger, config MonteCarloConfig) *MonteCarloSimulator {
	return &MonteCarloSimulator{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run performs Monte Carlo simulation over a completed trade set's
// PnL sequence.
func (mc *MonteCarloSimulator) Run(trades []CompletedTrade) MonteCarloResult {
	if len(trades) == 0 {
		return MonteCarloResult{Iterations: 0}
	}

	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.PnL
	}

	iterations := mc.config.Iterations
	if iterations <= 0 {
		iterations = 1000
	}

	simulatedReturns := make([]float64, iterations)
	maxDrawdowns := make([]float64, iterations)
	ruinCount := 0

	for i := 0; i < iterations; i++ {
		shuffled := mc.shuffleReturns(returns)
		totalReturn, maxDD, isRuin := mc.simulatePath(shuffled)
		simulatedReturns[i] = totalReturn
		maxDrawdowns[i] = maxDD
		if isRuin {
			ruinCount++
		}
	}

	sort.Float64s(simulatedReturns)
	sort.Float64s(maxDrawdowns)

	result := MonteCarloResult{
		Iterations:      iterations,
		MedianReturn:    percentile(simulatedReturns, 50),
		P5Return:        percentile(simulatedReturns, 5),
		P95Return:       percentile(simulatedReturns, 95),
		ProbabilityRuin: float64(ruinCount) / float64(iterations),
		MaxDrawdownP95:  percentile(maxDrawdowns, 95),
	}

	if mc.logger != nil {
		mc.logger.Info("monte carlo simulation complete",
			zap.Int("iterations", iterations),
			zap.Float64("medianReturn", result.MedianReturn),
			zap.Float64("p5Return", result.P5Return),
			zap.Float64("p95Return", result.P95Return),
			zap.Float64("probabilityRuin", result.ProbabilityRuin),
		)
	}

	return result
}

func (mc *MonteCarloSimulator) shuffleReturns(returns []float64) []float64 {
	shuffled := make([]float64, len(returns))
	copy(shuffled, returns)
	mc.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

// simulatePath walks a shuffled PnL sequence as fractional equity
// moves (pnl/100), tracking drawdown and a 50% ruin threshold.
func (mc *MonteCarloSimulator) simulatePath(returns []float64) (totalReturn, maxDrawdown float64, isRuin bool) {
	equity := 1.0
	peak := equity
	maxDD := 0.0
	const ruinThreshold = 0.5

	for _, ret := range returns {
		equity += ret / 100
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
		if equity <= ruinThreshold {
			return equity - 1.0, maxDD, true
		}
	}
	return equity - 1.0, maxDD, false
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// BootstrapConfidenceInterval computes a confidence interval for an
// arbitrary metric over resampled (with replacement) trade sets.
func (mc *MonteCarloSimulator) BootstrapConfidenceInterval(
	metric func([]CompletedTrade) float64,
	trades []CompletedTrade,
	confidence float64,
) (lower, upper float64) {
	iterations := mc.config.Iterations
	if iterations <= 0 {
		iterations = 1000
	}

	bootstrapValues := make([]float64, iterations)
	n := len(trades)

	for i := 0; i < iterations; i++ {
		sample := make([]CompletedTrade, n)
		for j := 0; j < n; j++ {
			sample[j] = trades[mc.rng.Intn(n)]
		}
		bootstrapValues[i] = metric(sample)
	}

	sort.Float64s(bootstrapValues)

	alpha := 1 - confidence
	lowerIdx := int(alpha / 2 * float64(iterations))
	upperIdx := int((1 - alpha/2) * float64(iterations))

	return bootstrapValues[lowerIdx], bootstrapValues[upperIdx]
}

package strategy

import (
	"github.com/atlas-desktop/perpbot/internal/indicators"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// keltnerRSI2Reversion is the Keltner-RSI2 mean-reversion reference
// strategy (spec §4.5): KC upper/lower + RSI2 extremes, a volume
// filter for shorts, TP at the KC mid, ATR-based SL, timeout.
type keltnerRSI2Reversion struct {
	base

	kc  indicators.KeltnerResult
	rsi []float64
	atr []float64
	avgVol []float64
}

func defaultKeltnerRSI2Params() map[string]types.StrategyParam {
	return map[string]types.StrategyParam{
		"kcEmaPeriod":    {Value: 20, Min: 10, Max: 50, Step: 1, Optimizable: true, Description: "Keltner EMA midline period"},
		"kcAtrPeriod":    {Value: 10, Min: 5, Max: 30, Step: 1, Optimizable: true, Description: "Keltner ATR period"},
		"kcMult":         {Value: 1.5, Min: 0.5, Max: 4, Step: 0.1, Optimizable: true, Description: "Keltner band width multiple"},
		"rsiPeriod":      {Value: 2, Min: 2, Max: 5, Step: 1, Optimizable: false, Description: "fast RSI period"},
		"rsiOversold":    {Value: 10, Min: 1, Max: 30, Step: 1, Optimizable: true, Description: "RSI2 long threshold"},
		"rsiOverbought":  {Value: 90, Min: 70, Max: 99, Step: 1, Optimizable: true, Description: "RSI2 short threshold"},
		"volAvgPeriod":   {Value: 20, Min: 5, Max: 60, Step: 1, Optimizable: false, Description: "volume average period for short filter"},
		"volMinRatio":    {Value: 1.2, Min: 0.5, Max: 3, Step: 0.1, Optimizable: true, Description: "min volume/avgVolume to allow a short"},
		"atrMultStop":    {Value: 1.5, Min: 0.5, Max: 4, Step: 0.1, Optimizable: true, Description: "initial stop = atrMultStop * ATR"},
		"timeoutBars":    {Value: 20, Min: 5, Max: 100, Step: 1, Optimizable: true, Description: "bars until a stale position is force-closed"},
	}
}

// NewKeltnerRSI2Reversion builds the strategy with overrides applied
// over defaultKeltnerRSI2Params.
func NewKeltnerRSI2Reversion(overrides map[string]float64) (Strategy, error) {
	params, err := applyOverrides(defaultKeltnerRSI2Params(), overrides)
	if err != nil {
		return nil, err
	}
	warmup := int(paramValue(params, "kcEmaPeriod")) + int(paramValue(params, "volAvgPeriod"))
	return &keltnerRSI2Reversion{
		base: newBase("keltner-rsi2-reversion", params, nil, warmup),
	}, nil
}

func (s *keltnerRSI2Reversion) Init(primary []types.Candle, higher map[types.Interval][]types.Candle) {
	p := s.params
	s.kc = indicators.Keltner(primary, int(paramValue(p, "kcEmaPeriod")), int(paramValue(p, "kcAtrPeriod")), paramValue(p, "kcMult"))
	s.rsi = indicators.RSI(indicators.Closes(primary), int(paramValue(p, "rsiPeriod")))
	s.atr = indicators.ATR(primary, int(paramValue(p, "kcAtrPeriod")))

	volumes := make([]float64, len(primary))
	for i, c := range primary {
		volumes[i] = c.V
	}
	s.avgVol = indicators.SMA(volumes, int(paramValue(p, "volAvgPeriod")))
}

func (s *keltnerRSI2Reversion) OnCandle(ctx Ctx) *types.Signal {
	if s.belowWarmup(ctx) {
		return nil
	}
	i := ctx.Index
	if isNaN(s.kc.Lower[i]) || isNaN(s.rsi[i]) || isNaN(s.atr[i]) {
		return nil
	}
	c := ctx.Current()
	oversold := paramValue(s.params, "rsiOversold")
	overbought := paramValue(s.params, "rsiOverbought")
	atrStop := paramValue(s.params, "atrMultStop") * s.atr[i]

	if c.C < s.kc.Lower[i] && s.rsi[i] < oversold {
		stop := c.C - atrStop
		return &types.Signal{
			Direction:   types.DirectionLong,
			StopLoss:    stop,
			TakeProfits: []types.TakeProfit{{Price: s.kc.Mid[i], PctOfPosition: 1.0}},
			Comment:     "below KC lower, RSI2 oversold",
		}
	}

	if c.C > s.kc.Upper[i] && s.rsi[i] > overbought {
		if isNaN(s.avgVol[i]) || s.avgVol[i] <= 0 || c.V/s.avgVol[i] < paramValue(s.params, "volMinRatio") {
			return nil // volume filter rejects the short
		}
		stop := c.C + atrStop
		return &types.Signal{
			Direction:   types.DirectionShort,
			StopLoss:    stop,
			TakeProfits: []types.TakeProfit{{Price: s.kc.Mid[i], PctOfPosition: 1.0}},
			Comment:     "above KC upper, RSI2 overbought, volume confirms",
		}
	}
	return nil
}

func (s *keltnerRSI2Reversion) ShouldExit(ctx Ctx) *ExitDecision {
	if ctx.PositionEntryBarIdx != nil {
		timeout := int(paramValue(s.params, "timeoutBars"))
		if ctx.Index-*ctx.PositionEntryBarIdx >= timeout {
			return &ExitDecision{Exit: true, Comment: "timeout"}
		}
	}
	i := ctx.Index
	if ctx.PositionDirection != nil && !isNaN(s.kc.Mid[i]) {
		c := ctx.Current()
		switch *ctx.PositionDirection {
		case types.DirectionLong:
			if c.C >= s.kc.Mid[i] {
				return &ExitDecision{Exit: true, Comment: "reached KC mid"}
			}
		case types.DirectionShort:
			if c.C <= s.kc.Mid[i] {
				return &ExitDecision{Exit: true, Comment: "reached KC mid"}
			}
		}
	}
	return &ExitDecision{Exit: false}
}

// GetExitLevel: this mean-reversion strategy closes at the KC mid
// (its take-profit) rather than trailing a stop.
func (s *keltnerRSI2Reversion) GetExitLevel(ctx Ctx) *float64 { return nil }

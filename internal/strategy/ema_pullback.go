package strategy

import (
	"github.com/atlas-desktop/perpbot/internal/indicators"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// emaPullbackContinuation is the EMA-pullback continuation reference
// strategy (spec §4.5): 4h EMA regime, 1h ATR stop, pullback+recovery
// detected on the primary series.
type emaPullbackContinuation struct {
	base

	fastEMA   []float64
	slowEMA   []float64
	regimeEMA []float64
	hourlyATR []float64
}

func defaultEMAPullbackParams() map[string]types.StrategyParam {
	return map[string]types.StrategyParam{
		"fastEMA":      {Value: 9, Min: 3, Max: 30, Step: 1, Optimizable: true, Description: "fast EMA period"},
		"slowEMA":      {Value: 21, Min: 10, Max: 60, Step: 1, Optimizable: true, Description: "slow EMA period"},
		"regimeEMA":    {Value: 50, Min: 20, Max: 200, Step: 1, Optimizable: true, Description: "4h regime EMA period"},
		"atrPeriod":    {Value: 14, Min: 7, Max: 28, Step: 1, Optimizable: false, Description: "1h ATR period"},
		"atrMultStop":  {Value: 1.8, Min: 0.5, Max: 5, Step: 0.1, Optimizable: true, Description: "initial stop = atrMultStop * 1h ATR"},
		"atrMultTrail": {Value: 2.2, Min: 0.5, Max: 6, Step: 0.1, Optimizable: true, Description: "trailing stop multiple of 1h ATR"},
		"timeoutBars":  {Value: 60, Min: 10, Max: 300, Step: 1, Optimizable: true, Description: "bars until a stale position is force-closed"},
	}
}

// NewEMAPullbackContinuation builds the strategy with overrides
// applied over defaultEMAPullbackParams.
func NewEMAPullbackContinuation(overrides map[string]float64) (Strategy, error) {
	params, err := applyOverrides(defaultEMAPullbackParams(), overrides)
	if err != nil {
		return nil, err
	}
	warmup := int(paramValue(params, "slowEMA")) + 1
	return &emaPullbackContinuation{
		base: newBase("ema-pullback-continuation", params, []types.Interval{types.Interval1h, types.Interval4h}, warmup),
	}, nil
}

func (s *emaPullbackContinuation) Init(primary []types.Candle, higher map[types.Interval][]types.Candle) {
	p := s.params
	s.fastEMA = indicators.EMA(indicators.Closes(primary), int(paramValue(p, "fastEMA")))
	s.slowEMA = indicators.EMA(indicators.Closes(primary), int(paramValue(p, "slowEMA")))

	if fourH, ok := higher[types.Interval4h]; ok {
		s.regimeEMA = indicators.EMA(indicators.Closes(fourH), int(paramValue(p, "regimeEMA")))
	}
	if hourly, ok := higher[types.Interval1h]; ok {
		s.hourlyATR = indicators.ATR(hourly, int(paramValue(p, "atrPeriod")))
	}
}

func (s *emaPullbackContinuation) regime4h(ctx Ctx) (up bool, ok bool) {
	fourH, present := ctx.HigherTimeframes[types.Interval4h]
	if !present || s.regimeEMA == nil {
		return false, false
	}
	ms, _ := types.Interval4h.Millis()
	ema, found := HigherValueAt(fourH, s.regimeEMA, ctx.Current().T, ms)
	if !found {
		return false, false
	}
	return ctx.Current().C > ema, true
}

func (s *emaPullbackContinuation) hourlyATRAt(ctx Ctx) (float64, bool) {
	hourly, ok := ctx.HigherTimeframes[types.Interval1h]
	if !ok || s.hourlyATR == nil {
		return 0, false
	}
	ms, _ := types.Interval1h.Millis()
	return HigherValueAt(hourly, s.hourlyATR, ctx.Current().T, ms)
}

func (s *emaPullbackContinuation) OnCandle(ctx Ctx) *types.Signal {
	if s.belowWarmup(ctx) {
		return nil
	}
	i := ctx.Index
	if i == 0 || isNaN(s.fastEMA[i]) || isNaN(s.slowEMA[i]) || isNaN(s.fastEMA[i-1]) {
		return nil
	}
	up, ok := s.regime4h(ctx)
	if !ok {
		return nil
	}
	atr, ok := s.hourlyATRAt(ctx)
	if !ok || atr <= 0 {
		return nil
	}

	c := ctx.Current()
	stopMult := paramValue(s.params, "atrMultStop")

	pulledBackToFast := s.fastEMA[i-1] <= s.slowEMA[i-1]*1.001 // touched/near fast-slow cross recently
	recovered := s.fastEMA[i] > s.slowEMA[i]

	if up && pulledBackToFast && recovered && c.C > s.fastEMA[i] {
		stop := c.C - stopMult*atr
		return &types.Signal{
			Direction:   types.DirectionLong,
			StopLoss:    stop,
			TakeProfits: []types.TakeProfit{{Price: c.C + 3*(c.C-stop), PctOfPosition: 0.4}},
			Comment:     "4h uptrend, pullback to fast EMA recovered",
		}
	}

	pulledUpToFast := s.fastEMA[i-1] >= s.slowEMA[i-1]*0.999
	recoveredDown := s.fastEMA[i] < s.slowEMA[i]
	if !up && pulledUpToFast && recoveredDown && c.C < s.fastEMA[i] {
		stop := c.C + stopMult*atr
		return &types.Signal{
			Direction:   types.DirectionShort,
			StopLoss:    stop,
			TakeProfits: []types.TakeProfit{{Price: c.C - 3*(stop-c.C), PctOfPosition: 0.4}},
			Comment:     "4h downtrend, pullback to fast EMA recovered",
		}
	}
	return nil
}

func (s *emaPullbackContinuation) ShouldExit(ctx Ctx) *ExitDecision {
	if ctx.PositionEntryBarIdx != nil {
		timeout := int(paramValue(s.params, "timeoutBars"))
		if ctx.Index-*ctx.PositionEntryBarIdx >= timeout {
			return &ExitDecision{Exit: true, Comment: "timeout"}
		}
	}
	i := ctx.Index
	if ctx.PositionDirection != nil && !isNaN(s.fastEMA[i]) && !isNaN(s.slowEMA[i]) {
		switch *ctx.PositionDirection {
		case types.DirectionLong:
			if s.fastEMA[i] < s.slowEMA[i] {
				return &ExitDecision{Exit: true, Comment: "trend reversed below slow EMA"}
			}
		case types.DirectionShort:
			if s.fastEMA[i] > s.slowEMA[i] {
				return &ExitDecision{Exit: true, Comment: "trend reversed above slow EMA"}
			}
		}
	}
	return &ExitDecision{Exit: false}
}

func (s *emaPullbackContinuation) GetExitLevel(ctx Ctx) *float64 {
	if ctx.PositionDirection == nil {
		return nil
	}
	atr, ok := s.hourlyATRAt(ctx)
	if !ok {
		return nil
	}
	trailMult := paramValue(s.params, "atrMultTrail")
	c := ctx.Current()
	var level float64
	switch *ctx.PositionDirection {
	case types.DirectionLong:
		level = c.C - trailMult*atr
	case types.DirectionShort:
		level = c.C + trailMult*atr
	}
	return &level
}

package strategy

import (
	"github.com/atlas-desktop/perpbot/internal/indicators"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// donchianADXBreakout is the Donchian-ADX breakout reference strategy
// (spec §4.5): daily EMA50 regime, 1h ATR stop, Donchian fast/slow on
// the primary bars, ADX consolidation gate, ATR trailing stop, timeout.
type donchianADXBreakout struct {
	base

	fast      indicators.DonchianResult
	slow      indicators.DonchianResult
	adx       indicators.ADXResult
	dailyEMA  []float64
	hourlyATR []float64
}

func defaultDonchianADXParams() map[string]types.StrategyParam {
	return map[string]types.StrategyParam{
		"donchianFast":  {Value: 20, Min: 5, Max: 60, Step: 1, Optimizable: true, Description: "fast Donchian lookback"},
		"donchianSlow":  {Value: 55, Min: 20, Max: 120, Step: 1, Optimizable: true, Description: "slow Donchian lookback"},
		"adxThreshold":  {Value: 20, Min: 10, Max: 40, Step: 1, Optimizable: true, Description: "min ADX to trade (anti-chop)"},
		"adxPeriod":     {Value: 14, Min: 7, Max: 28, Step: 1, Optimizable: false, Description: "ADX period"},
		"atrPeriod":     {Value: 14, Min: 7, Max: 28, Step: 1, Optimizable: false, Description: "ATR period"},
		"atrMultStop":   {Value: 2.0, Min: 0.5, Max: 5, Step: 0.1, Optimizable: true, Description: "initial stop = atrMultStop * 1h ATR"},
		"atrMultTrail":  {Value: 2.5, Min: 0.5, Max: 6, Step: 0.1, Optimizable: true, Description: "trailing stop multiple of 1h ATR"},
		"emaRegime":     {Value: 50, Min: 10, Max: 200, Step: 1, Optimizable: true, Description: "daily EMA regime period"},
		"timeoutBars":   {Value: 96, Min: 10, Max: 500, Step: 1, Optimizable: true, Description: "bars until a stale position is force-closed"},
	}
}

// NewDonchianADXBreakout builds the strategy with overrides applied
// over defaultDonchianADXParams.
func NewDonchianADXBreakout(overrides map[string]float64) (Strategy, error) {
	params, err := applyOverrides(defaultDonchianADXParams(), overrides)
	if err != nil {
		return nil, err
	}
	slow := int(paramValue(params, "donchianSlow"))
	warmup := slow + 1
	return &donchianADXBreakout{
		base: newBase("donchian-adx-breakout", params, []types.Interval{types.Interval1h, types.Interval1d}, warmup),
	}, nil
}

func (s *donchianADXBreakout) Init(primary []types.Candle, higher map[types.Interval][]types.Candle) {
	p := s.params
	s.fast = indicators.Donchian(primary, int(paramValue(p, "donchianFast")))
	s.slow = indicators.Donchian(primary, int(paramValue(p, "donchianSlow")))
	s.adx = indicators.ADX(primary, int(paramValue(p, "adxPeriod")))

	if daily, ok := higher[types.Interval1d]; ok {
		s.dailyEMA = indicators.EMA(indicators.Closes(daily), int(paramValue(p, "emaRegime")))
	}
	if hourly, ok := higher[types.Interval1h]; ok {
		s.hourlyATR = indicators.ATR(hourly, int(paramValue(p, "atrPeriod")))
	}
}

func (s *donchianADXBreakout) regimeBullish(ctx Ctx) bool {
	daily, ok := ctx.HigherTimeframes[types.Interval1d]
	if !ok || s.dailyEMA == nil {
		return false
	}
	dayMs, _ := types.Interval1d.Millis()
	ema, ok := HigherValueAt(daily, s.dailyEMA, ctx.Current().T, dayMs)
	if !ok {
		return false
	}
	return ctx.Current().C > ema
}

func (s *donchianADXBreakout) hourlyATRAt(ctx Ctx) (float64, bool) {
	hourly, ok := ctx.HigherTimeframes[types.Interval1h]
	if !ok || s.hourlyATR == nil {
		return 0, false
	}
	hourMs, _ := types.Interval1h.Millis()
	return HigherValueAt(hourly, s.hourlyATR, ctx.Current().T, hourMs)
}

func (s *donchianADXBreakout) OnCandle(ctx Ctx) *types.Signal {
	if s.belowWarmup(ctx) {
		return nil
	}
	i := ctx.Index
	if isNaN(s.fast.Upper[i]) || isNaN(s.adx.ADX[i]) {
		return nil
	}
	if s.adx.ADX[i] < paramValue(s.params, "adxThreshold") {
		return nil // consolidation gate
	}

	atr, ok := s.hourlyATRAt(ctx)
	if !ok || atr <= 0 {
		return nil
	}

	c := ctx.Current()
	stopMult := paramValue(s.params, "atrMultStop")

	if c.C > s.fast.Upper[i] && s.regimeBullish(ctx) {
		stop := c.C - stopMult*atr
		return &types.Signal{
			Direction: types.DirectionLong,
			StopLoss:  stop,
			TakeProfits: []types.TakeProfit{
				{Price: c.C + 2*(c.C-stop), PctOfPosition: 0.5},
			},
			Comment: "donchian fast breakout, daily regime bullish",
		}
	}
	if c.C < s.fast.Lower[i] && !s.regimeBullish(ctx) {
		stop := c.C + stopMult*atr
		return &types.Signal{
			Direction: types.DirectionShort,
			StopLoss:  stop,
			TakeProfits: []types.TakeProfit{
				{Price: c.C - 2*(stop-c.C), PctOfPosition: 0.5},
			},
			Comment: "donchian fast breakdown, daily regime bearish",
		}
	}
	return nil
}

func (s *donchianADXBreakout) ShouldExit(ctx Ctx) *ExitDecision {
	if ctx.PositionEntryBarIdx != nil {
		timeout := int(paramValue(s.params, "timeoutBars"))
		if ctx.Index-*ctx.PositionEntryBarIdx >= timeout {
			return &ExitDecision{Exit: true, Comment: "timeout"}
		}
	}
	i := ctx.Index
	if ctx.PositionDirection != nil && !isNaN(s.slow.Lower[i]) {
		c := ctx.Current()
		switch *ctx.PositionDirection {
		case types.DirectionLong:
			if c.C < s.slow.Lower[i] {
				return &ExitDecision{Exit: true, Comment: "slow donchian breakdown"}
			}
		case types.DirectionShort:
			if c.C > s.slow.Upper[i] {
				return &ExitDecision{Exit: true, Comment: "slow donchian breakout"}
			}
		}
	}
	return &ExitDecision{Exit: false}
}

func (s *donchianADXBreakout) GetExitLevel(ctx Ctx) *float64 {
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

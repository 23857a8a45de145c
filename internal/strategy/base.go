package strategy

import "github.com/atlas-desktop/perpbot/pkg/types"

// base holds the common parameter-map/warmup-guard plumbing shared by
// the reference strategies, in the teacher's BaseStrategy idiom.
type base struct {
	name       string
	params     map[string]types.StrategyParam
	timeframes []types.Interval
	warmupIdx  int
}

func newBase(name string, params map[string]types.StrategyParam, timeframes []types.Interval, warmupIdx int) base {
	return base{name: name, params: params, timeframes: timeframes, warmupIdx: warmupIdx}
}

func (b base) Name() string                              { return b.name }
func (b base) Params() map[string]types.StrategyParam     { return b.params }
func (b base) RequiredTimeframes() []types.Interval       { return b.timeframes }
func (b base) belowWarmup(ctx Ctx) bool                   { return ctx.Index < b.warmupIdx }

// applyOverrides mutates a copy of defaults with any values present in
// overrides, validating bounds; unknown keys are ignored.
func applyOverrides(defaults map[string]types.StrategyParam, overrides map[string]float64) (map[string]types.StrategyParam, error) {
	out := make(map[string]types.StrategyParam, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for name, val := range overrides {
		p, ok := out[name]
		if !ok {
			continue
		}
		p.Value = val
		if !p.Valid() {
			return nil, errInvalidParam(name)
		}
		out[name] = p
	}
	return out, nil
}

type invalidParamError string

func (e invalidParamError) Error() string { return "invalid parameter value: " + string(e) }

func errInvalidParam(name string) error { return invalidParamError(name) }

func paramValue(params map[string]types.StrategyParam, name string) float64 {
	return params[name].Value
}

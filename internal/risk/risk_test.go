package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/perpbot/internal/dedup"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

type fakePositions struct {
	count   int
	hasCoin map[string]bool
}

func (f fakePositions) Count() int             { return f.count }
func (f fakePositions) HasCoin(coin string) bool { return f.hasCoin[coin] }

func baseSignal() IncomingSignal {
	return IncomingSignal{
		Signal: types.Signal{
			Direction: types.DirectionLong,
			StopLoss:  95,
		},
		AlertID:            "a1",
		Coin:               "BTC",
		Strategy:            "donchian",
		CurrentPrice:       100,
		AutoTradingEnabled: true,
		BarsSinceExit:      100,
	}
}

func baseConfig() Config {
	return Config{
		Mode:             ModeRisk,
		RiskPerTradeUsd:  100,
		MaxTradesPerDay:  10,
		MaxDailyLossUsd:  500,
		MaxOpenPositions: 5,
		MaxNotionalUsd:   100_000,
		MaxLeverage:      10,
		Leverage:         1,
		CooldownBars:     3,
		SzDecimals:       3,
	}
}

func TestEvaluateAdmitsValidSignal(t *testing.T) {
	g := New(baseConfig(), dedup.NewLRU(10), fakePositions{hasCoin: map[string]bool{}}, nil)
	res := g.Evaluate(baseSignal(), DailyStats{})
	require.True(t, res.Admitted)
	assert.InDelta(t, 100.0/5.0, res.Size, 0.001)
}

func TestEvaluateRejectsDuplicateAlertID(t *testing.T) {
	store := dedup.NewLRU(10)
	store.Set("a1")
	g := New(baseConfig(), store, fakePositions{}, nil)
	res := g.Evaluate(baseSignal(), DailyStats{})
	require.False(t, res.Admitted)
	assert.Equal(t, "Duplicate", res.Reason)
}

func TestEvaluateRejectsWhenAutoTradingDisabled(t *testing.T) {
	g := New(baseConfig(), dedup.NewLRU(10), fakePositions{}, nil)
	sig := baseSignal()
	sig.AutoTradingEnabled = false
	res := g.Evaluate(sig, DailyStats{})
	require.False(t, res.Admitted)
}

func TestEvaluateRejectsAtDailyTradeCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxTradesPerDay = 1
	g := New(cfg, dedup.NewLRU(10), fakePositions{}, nil)
	res := g.Evaluate(baseSignal(), DailyStats{TradesToday: 1})
	require.False(t, res.Admitted)
	assert.Equal(t, "daily trade cap reached", res.Reason)
}

func TestEvaluateRejectsAtDailyLossCap(t *testing.T) {
	g := New(baseConfig(), dedup.NewLRU(10), fakePositions{}, nil)
	res := g.Evaluate(baseSignal(), DailyStats{RealizedPnLToday: -500})
	require.False(t, res.Admitted)
	assert.Equal(t, "daily loss cap reached", res.Reason)
}

func TestEvaluateRejectsExistingPositionForCoin(t *testing.T) {
	g := New(baseConfig(), dedup.NewLRU(10), fakePositions{hasCoin: map[string]bool{"BTC": true}}, nil)
	res := g.Evaluate(baseSignal(), DailyStats{})
	require.False(t, res.Admitted)
}

func TestEvaluateRejectsZeroSizeAfterRounding(t *testing.T) {
	cfg := baseConfig()
	cfg.RiskPerTradeUsd = 0.0001
	cfg.SzDecimals = 0
	g := New(cfg, dedup.NewLRU(10), fakePositions{}, nil)
	res := g.Evaluate(baseSignal(), DailyStats{})
	require.False(t, res.Admitted)
	assert.Equal(t, "computed size rounds to zero", res.Reason)
}

func TestEvaluateRejectsOverNotional(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxNotionalUsd = 1
	g := New(cfg, dedup.NewLRU(10), fakePositions{}, nil)
	res := g.Evaluate(baseSignal(), DailyStats{})
	require.False(t, res.Admitted)
	assert.Equal(t, "notional exceeds maximum", res.Reason)
}

func TestEvaluateRejectsCooldown(t *testing.T) {
	g := New(baseConfig(), dedup.NewLRU(10), fakePositions{}, nil)
	sig := baseSignal()
	sig.BarsSinceExit = 1
	res := g.Evaluate(sig, DailyStats{})
	require.False(t, res.Admitted)
	assert.Equal(t, "cooldown active", res.Reason)
}

func TestEvaluateRejectsProtectedFieldOverride(t *testing.T) {
	cfg := baseConfig()
	cfg.ProtectedFields = []string{"commission"}
	g := New(cfg, dedup.NewLRU(10), fakePositions{}, nil)
	sig := baseSignal()
	sig.ParamOverrides = []ParamOverride{{Param: "commission", Value: 0}}
	res := g.Evaluate(sig, DailyStats{})
	require.False(t, res.Admitted)
	assert.Equal(t, "parameter commission is protected", res.Reason)
}

func TestEvaluateRejectsOutOfBoundsOverride(t *testing.T) {
	g := New(baseConfig(), dedup.NewLRU(10), fakePositions{}, map[string]types.StrategyParam{
		"donchianFast": {Min: 5, Max: 30},
	})
	sig := baseSignal()
	sig.ParamOverrides = []ParamOverride{{Param: "donchianFast", Value: 100}}
	res := g.Evaluate(sig, DailyStats{})
	require.False(t, res.Admitted)
	assert.Equal(t, "parameter donchianFast out of bounds", res.Reason)
}

func TestCashModeSizing(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = ModeCash
	cfg.CashPerTrade = 500
	g := New(cfg, dedup.NewLRU(10), fakePositions{}, nil)
	res := g.Evaluate(baseSignal(), DailyStats{})
	require.True(t, res.Admitted)
	assert.InDelta(t, 5.0, res.Size, 0.001)
}

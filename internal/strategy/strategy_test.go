package strategy

import (
	"math"
	"testing"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

func TestHigherValueAtUsesOnlyCompletedBars(t *testing.T) {
	dayMs := int64(86400000)
	daily := []types.Candle{
		{T: 1699900000000}, // closes well before primaryT
		{T: 1699990000000}, // this day's window has NOT closed by primaryT below
	}
	values := []float64{100, 200}
	primaryT := int64(1700000000000)

	// naive "last value" would return values[1]=200, but daily[1].t+dayMs > primaryT
	// so the completed-bar rule must fall back to values[0]=100.
	got, ok := HigherValueAt(daily, values, primaryT, dayMs)
	if !ok {
		t.Fatalf("expected a completed value")
	}
	if got != 100 {
		t.Fatalf("expected completed-bar value 100, got %v (naive last-value would be 200)", got)
	}
}

func TestHigherValueAtSkipsNaN(t *testing.T) {
	dayMs := int64(86400000)
	daily := []types.Candle{{T: 0}, {T: dayMs}}
	values := []float64{math.NaN(), 50}
	got, ok := HigherValueAt(daily, values, 2*dayMs, dayMs)
	if !ok || got != 50 {
		t.Fatalf("expected fallback to non-NaN completed value 50, got %v ok=%v", got, ok)
	}
}

func TestWarmupGuardReturnsNilBelowIndex(t *testing.T) {
	strat, err := NewDonchianADXBreakout(nil)
	if err != nil {
		t.Fatalf("construct strategy: %v", err)
	}
	candles := make([]types.Candle, 10)
	for i := range candles {
		candles[i] = types.Candle{T: int64(i) * 3600000, O: 100, H: 101, L: 99, C: 100, V: 10}
	}
	strat.Init(candles, map[types.Interval][]types.Candle{})

	sig := strat.OnCandle(Ctx{Candles: candles, Index: 5})
	if sig != nil {
		t.Fatalf("expected nil signal below warmup index, got %+v", sig)
	}
}

func TestRegistryCreateUnknownErrors(t *testing.T) {
	r := NewDefaultRegistry()
	if _, err := r.Create("does-not-exist", nil); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
	if len(r.List()) != 3 {
		t.Fatalf("expected 3 registered strategies, got %d", len(r.List()))
	}
}

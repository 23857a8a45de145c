package indicators

import (
	"math"
	"testing"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

func candleSeries(closes []float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		out[i] = types.Candle{T: int64(i) * 60000, O: c, H: c + 1, L: c - 1, C: c, V: 100}
	}
	return out
}

func TestSMAWarmupPrefix(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	out := SMA(values, 3)
	for i := 0; i < 2; i++ {
		if !math.IsNaN(out[i]) {
			t.Fatalf("expected NaN warmup at %d, got %v", i, out[i])
		}
	}
	if out[2] != 2 {
		t.Fatalf("expected sma=2 at index 2, got %v", out[2])
	}
	if out[4] != 4 {
		t.Fatalf("expected sma=4 at index 4, got %v", out[4])
	}
}

func TestEMADeterministic(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	a := EMA(values, 3)
	b := EMA(values, 3)
	for i := range a {
		if math.IsNaN(a[i]) != math.IsNaN(b[i]) || (!math.IsNaN(a[i]) && a[i] != b[i]) {
			t.Fatalf("EMA not deterministic at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestRSIBounds(t *testing.T) {
	closes := []float64{10, 11, 12, 11, 13, 14, 15, 14, 16, 17, 18, 19, 20, 19, 18}
	out := RSI(closes, 14)
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		if v < 0 || v > 100 {
			t.Fatalf("rsi out of [0,100] at %d: %v", i, v)
		}
	}
}

func TestDonchianContainsRange(t *testing.T) {
	candles := candleSeries([]float64{10, 12, 9, 15, 11, 14, 8, 16, 10, 13})
	res := Donchian(candles, 5)
	for i := 4; i < len(candles); i++ {
		if math.IsNaN(res.Upper[i]) || math.IsNaN(res.Lower[i]) {
			t.Fatalf("expected defined channel at %d", i)
		}
		if res.Upper[i] < res.Lower[i] {
			t.Fatalf("upper below lower at %d", i)
		}
	}
}

func TestKeltnerMidMatchesEMA(t *testing.T) {
	candles := candleSeries([]float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20})
	res := Keltner(candles, 5, 5, 2.0)
	ema := EMA(Closes(candles), 5)
	for i := range candles {
		if math.IsNaN(ema[i]) {
			continue
		}
		if !math.IsNaN(res.Mid[i]) && res.Mid[i] != ema[i] {
			t.Fatalf("keltner mid diverges from ema at %d", i)
		}
	}
}

// Package indicators provides pure, total functions over bar sequences.
// Every function returns an array the same length as its input, with a
// NaN-filled prefix for the warmup region. No hidden state; identical
// input and parameters always yield identical output (C4).
package indicators

import (
	"math"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Closes projects the close price of each candle.
func Closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.C
	}
	return out
}

// SMA is the simple moving average over n periods.
func SMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA is the exponential moving average over n periods, seeded with
// the SMA of the first n values.
func EMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	k := 2.0 / float64(n+1)
	seed := 0.0
	for i := 0; i < n; i++ {
		seed += values[i]
	}
	seed /= float64(n)
	out[n-1] = seed
	prev := seed
	for i := n; i < len(values); i++ {
		prev = (values[i]-prev)*k + prev
		out[i] = prev
	}
	return out
}

// RSI is the Wilder relative strength index over n periods.
func RSI(closes []float64, n int) []float64 {
	out := nanSlice(len(closes))
	if n <= 0 || len(closes) <= n {
		return out
	}
	gainSum, lossSum := 0.0, 0.0
	for i := 1; i <= n; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(n)
	avgLoss := lossSum / float64(n)
	out[n] = rsiFromAvg(avgGain, avgLoss)

	for i := n + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		out[i] = rsiFromAvg(avgGain, avgLoss)
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR is Wilder's average true range over n periods.
func ATR(candles []types.Candle, n int) []float64 {
	out := nanSlice(len(candles))
	if n <= 0 || len(candles) <= n {
		return out
	}
	tr := make([]float64, len(candles))
	tr[0] = candles[0].H - candles[0].L
	for i := 1; i < len(candles); i++ {
		tr[i] = trueRange(candles[i], candles[i-1])
	}
	sum := 0.0
	for i := 1; i <= n; i++ {
		sum += tr[i]
	}
	avg := sum / float64(n)
	out[n] = avg
	for i := n + 1; i < len(candles); i++ {
		avg = (avg*float64(n-1) + tr[i]) / float64(n)
		out[i] = avg
	}
	return out
}

func trueRange(cur, prev types.Candle) float64 {
	hl := cur.H - cur.L
	hc := math.Abs(cur.H - prev.C)
	lc := math.Abs(cur.L - prev.C)
	return math.Max(hl, math.Max(hc, lc))
}

// ADXResult bundles ADX with its directional indicators.
type ADXResult struct {
	ADX []float64
	PDI []float64
	MDI []float64
}

// ADX computes the average directional index over n periods.
func ADX(candles []types.Candle, n int) ADXResult {
	size := len(candles)
	res := ADXResult{ADX: nanSlice(size), PDI: nanSlice(size), MDI: nanSlice(size)}
	if n <= 0 || size <= 2*n {
		return res
	}

	plusDM := make([]float64, size)
	minusDM := make([]float64, size)
	tr := make([]float64, size)
	for i := 1; i < size; i++ {
		upMove := candles[i].H - candles[i-1].H
		downMove := candles[i-1].L - candles[i].L
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = trueRange(candles[i], candles[i-1])
	}

	smooth := func(src []float64) []float64 {
		out := make([]float64, size)
		sum := 0.0
		for i := 1; i <= n; i++ {
			sum += src[i]
		}
		out[n] = sum
		for i := n + 1; i < size; i++ {
			out[i] = out[i-1] - out[i-1]/float64(n) + src[i]
		}
		return out
	}
	smTR := smooth(tr)
	smPlus := smooth(plusDM)
	smMinus := smooth(minusDM)

	dx := nanSlice(size)
	for i := n; i < size; i++ {
		if smTR[i] == 0 {
			continue
		}
		pdi := 100 * smPlus[i] / smTR[i]
		mdi := 100 * smMinus[i] / smTR[i]
		res.PDI[i] = pdi
		res.MDI[i] = mdi
		denom := pdi + mdi
		if denom != 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / denom
		}
	}

	adxSum := 0.0
	count := 0
	firstADXIdx := -1
	for i := n; i < 2*n && i < size; i++ {
		if !math.IsNaN(dx[i]) {
			adxSum += dx[i]
			count++
		}
	}
	if count == 0 {
		return res
	}
	avg := adxSum / float64(count)
	firstADXIdx = 2*n - 1
	if firstADXIdx >= size {
		return res
	}
	res.ADX[firstADXIdx] = avg
	for i := firstADXIdx + 1; i < size; i++ {
		if math.IsNaN(dx[i]) {
			res.ADX[i] = res.ADX[i-1]
			continue
		}
		avg = (avg*float64(n-1) + dx[i]) / float64(n)
		res.ADX[i] = avg
	}
	return res
}

// DonchianResult is the rolling channel upper/lower bands.
type DonchianResult struct {
	Upper []float64
	Lower []float64
}

// Donchian computes the n-period highest-high / lowest-low channel.
func Donchian(candles []types.Candle, n int) DonchianResult {
	size := len(candles)
	res := DonchianResult{Upper: nanSlice(size), Lower: nanSlice(size)}
	if n <= 0 {
		return res
	}
	for i := n - 1; i < size; i++ {
		hi, lo := candles[i-n+1].H, candles[i-n+1].L
		for j := i - n + 2; j <= i; j++ {
			if candles[j].H > hi {
				hi = candles[j].H
			}
			if candles[j].L < lo {
				lo = candles[j].L
			}
		}
		res.Upper[i] = hi
		res.Lower[i] = lo
	}
	return res
}

// KeltnerResult is the EMA-centered, ATR-width channel.
type KeltnerResult struct {
	Upper []float64
	Mid   []float64
	Lower []float64
}

// Keltner computes an EMA(emaN)-centered channel with width
// mult*ATR(atrN).
func Keltner(candles []types.Candle, emaN, atrN int, mult float64) KeltnerResult {
	size := len(candles)
	res := KeltnerResult{Upper: nanSlice(size), Mid: nanSlice(size), Lower: nanSlice(size)}
	mid := EMA(Closes(candles), emaN)
	atr := ATR(candles, atrN)
	for i := 0; i < size; i++ {
		if math.IsNaN(mid[i]) || math.IsNaN(atr[i]) {
			continue
		}
		res.Mid[i] = mid[i]
		res.Upper[i] = mid[i] + mult*atr[i]
		res.Lower[i] = mid[i] - mult*atr[i]
	}
	return res
}

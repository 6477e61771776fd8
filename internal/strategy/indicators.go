package strategy

import (
	"math"

	"martingale-futures-bot/internal/binance"
)

// Indicators run on float64. They only rank and compare series; every value
// that turns into money goes back through decimal.

// ============================================================================
// SERIES HELPERS
// ============================================================================

// Closes extracts closing prices.
func Closes(klines []binance.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close.InexactFloat64()
	}
	return out
}

type hlc struct{ high, low, close float64 }

func toHLC(klines []binance.Kline) []hlc {
	out := make([]hlc, len(klines))
	for i, k := range klines {
		out[i] = hlc{k.High.InexactFloat64(), k.Low.InexactFloat64(), k.Close.InexactFloat64()}
	}
	return out
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMASeries returns the Exponential Moving Average for every index from
// period-1 onwards, seeded with the SMA of the first period values.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)

	ema := SMA(values[:period], period)
	out = append(out, ema)
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// EMA returns the latest Exponential Moving Average.
func EMA(values []float64, period int) float64 {
	series := EMASeries(values, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the Relative Strength Index with Wilder smoothing.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 50.0 // Neutral RSI
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

func trueRange(cur, prev hlc) float64 {
	return math.Max(cur.high-cur.low, math.Max(math.Abs(cur.high-prev.close), math.Abs(cur.low-prev.close)))
}

// ATR calculates the Average True Range with Wilder smoothing.
func ATR(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	bars := toHLC(klines)

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(bars[i], bars[i-1])
	}
	atr /= float64(period)

	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trueRange(bars[i], bars[i-1])) / float64(period)
	}
	return atr
}

// ============================================================================
// ADX (Average Directional Index)
// ============================================================================

// ADXResult holds trend strength and the directional indices.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX calculates the Average Directional Index with +DI/-DI using Wilder
// smoothing. It needs at least 2*period+1 candles.
func ADX(klines []binance.Kline, period int) ADXResult {
	if period <= 0 || len(klines) < 2*period+1 {
		return ADXResult{}
	}
	bars := toHLC(klines)

	n := len(bars) - 1
	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < len(bars); i++ {
		up := bars[i].high - bars[i-1].high
		down := bars[i-1].low - bars[i].low
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
		tr[i-1] = trueRange(bars[i], bars[i-1])
	}

	var str, spdm, smdm float64
	for i := 0; i < period; i++ {
		str += tr[i]
		spdm += plusDM[i]
		smdm += minusDM[i]
	}

	di := func() (float64, float64, float64) {
		if str == 0 {
			return 0, 0, 0
		}
		pdi := 100 * spdm / str
		mdi := 100 * smdm / str
		if pdi+mdi == 0 {
			return pdi, mdi, 0
		}
		return pdi, mdi, 100 * math.Abs(pdi-mdi) / (pdi + mdi)
	}

	dxs := make([]float64, 0, n-period+1)
	pdi, mdi, dx := di()
	dxs = append(dxs, dx)
	for i := period; i < n; i++ {
		str = str - str/float64(period) + tr[i]
		spdm = spdm - spdm/float64(period) + plusDM[i]
		smdm = smdm - smdm/float64(period) + minusDM[i]
		pdi, mdi, dx = di()
		dxs = append(dxs, dx)
	}

	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}

	return ADXResult{ADX: adx, PlusDI: pdi, MinusDI: mdi}
}

// ============================================================================
// KELTNER CHANNELS
// ============================================================================

// KeltnerResult holds the channel bounds.
type KeltnerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Keltner calculates EMA(period) ± multiplier × ATR(period).
func Keltner(klines []binance.Kline, period int, multiplier float64) KeltnerResult {
	middle := EMA(Closes(klines), period)
	atr := ATR(klines, period)
	return KeltnerResult{
		Upper:  middle + multiplier*atr,
		Middle: middle,
		Lower:  middle - multiplier*atr,
	}
}

// ============================================================================
// VOLUME
// ============================================================================

// AverageVolume calculates average volume over the last period candles.
func AverageVolume(klines []binance.Kline, period int) float64 {
	if period > len(klines) {
		period = len(klines)
	}
	if period <= 0 {
		return 0
	}
	sum := 0.0
	for _, k := range klines[len(klines)-period:] {
		sum += k.Volume.InexactFloat64()
	}
	return sum / float64(period)
}

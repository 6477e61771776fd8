package strategy

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	if got := SMA(values, 3); got != 4 {
		t.Errorf("Expected SMA 4, got %f", got)
	}
	if got := SMA(values, 6); got != 0 {
		t.Errorf("Expected 0 for short series, got %f", got)
	}
}

func TestEMASeries(t *testing.T) {
	values := []float64{2, 4, 6, 8}
	series := EMASeries(values, 3)
	if len(series) != 2 {
		t.Fatalf("Expected 2 values, got %d", len(series))
	}
	// seed = mean(2,4,6) = 4, next = (8-4)*0.5+4 = 6
	if series[0] != 4 || series[1] != 6 {
		t.Errorf("Expected [4 6], got %v", series)
	}
}

func TestRSI(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6, 7}
	if got := RSI(up, 5); got != 100 {
		t.Errorf("Expected RSI 100 for a monotone rise, got %f", got)
	}
	down := []float64{7, 6, 5, 4, 3, 2, 1}
	if got := RSI(down, 5); got != 0 {
		t.Errorf("Expected RSI 0 for a monotone fall, got %f", got)
	}
	flat := []float64{3, 3, 3, 3, 3, 3}
	if got := RSI(flat, 5); got != 50 {
		t.Errorf("Expected RSI 50 for a flat series, got %f", got)
	}
}

func TestATRConstantRange(t *testing.T) {
	klines := trendKlines(20, 100, 1)
	// TR = max(1, |high-prevClose| = 1.5, |low-prevClose| = 0.5)
	if got := ATR(klines, 5); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("Expected ATR 1.5, got %f", got)
	}
}

func TestADXTrend(t *testing.T) {
	res := ADX(trendKlines(30, 100, 1), 5)
	if res.PlusDI <= res.MinusDI {
		t.Errorf("Expected +DI > -DI in an uptrend, got %+v", res)
	}
	if math.Abs(res.ADX-100) > 1e-6 {
		t.Errorf("Expected ADX 100 for a pure trend, got %f", res.ADX)
	}
	if empty := ADX(trendKlines(5, 100, 1), 5); empty.ADX != 0 {
		t.Errorf("Expected zero ADX on short input, got %f", empty.ADX)
	}
}

func TestKeltner(t *testing.T) {
	kc := Keltner(trendKlines(30, 100, 1), 10, 2)
	if !(kc.Lower < kc.Middle && kc.Middle < kc.Upper) {
		t.Errorf("Expected lower < middle < upper, got %+v", kc)
	}
	if math.Abs((kc.Upper-kc.Middle)-(kc.Middle-kc.Lower)) > 1e-9 {
		t.Errorf("Expected symmetric bands, got %+v", kc)
	}
}

func TestAnalyzeVolume(t *testing.T) {
	klines := trendKlines(21, 100, 1) // volume 100 on every candle
	klines[20].Volume = decimal.NewFromInt(200)
	vol := AnalyzeVolume(klines, 20)
	if vol.Class != VolumeSpike {
		t.Errorf("Expected SPIKE, got %s (ratio %f)", vol.Class, vol.Ratio)
	}

	klines[20].Volume = decimal.NewFromInt(30)
	if vol := AnalyzeVolume(klines, 20); vol.Class != VolumeDrop {
		t.Errorf("Expected DROP, got %s", vol.Class)
	}

	klines[20].Volume = decimal.NewFromInt(100)
	if vol := AnalyzeVolume(klines, 20); vol.Class != VolumeNormal {
		t.Errorf("Expected NORMAL, got %s", vol.Class)
	}
}

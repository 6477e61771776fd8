package strategy

import "martingale-futures-bot/internal/binance"

// VolumeClass classifies the latest candle volume against its average.
type VolumeClass string

const (
	VolumeSpike  VolumeClass = "SPIKE"
	VolumeDrop   VolumeClass = "DROP"
	VolumeNormal VolumeClass = "NORMAL"
)

const (
	volumeSpikeRatio = 1.5
	volumeDropRatio  = 0.5
)

// VolumeAnalysis compares the latest candle's volume with the mean of the
// preceding period candles.
type VolumeAnalysis struct {
	Current float64     `json:"current"`
	Average float64     `json:"average"`
	Ratio   float64     `json:"ratio"`
	Class   VolumeClass `json:"class"`
}

// AnalyzeVolume classifies the last candle as a spike (>= 1.5x average),
// a drop (<= 0.5x average) or normal.
func AnalyzeVolume(klines []binance.Kline, period int) VolumeAnalysis {
	if len(klines) < 2 {
		return VolumeAnalysis{Class: VolumeNormal}
	}
	current := klines[len(klines)-1].Volume.InexactFloat64()
	avg := AverageVolume(klines[:len(klines)-1], period)

	res := VolumeAnalysis{Current: current, Average: avg, Class: VolumeNormal}
	if avg <= 0 {
		return res
	}
	res.Ratio = current / avg
	switch {
	case res.Ratio >= volumeSpikeRatio:
		res.Class = VolumeSpike
	case res.Ratio <= volumeDropRatio:
		res.Class = VolumeDrop
	}
	return res
}

package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/numeric"
)

// Direction is the trade bias of a signal.
type Direction string

const (
	Long    Direction = "LONG"
	Short   Direction = "SHORT"
	Neutral Direction = "NEUTRAL"
)

// Opposite returns the reverse bias; NEUTRAL stays NEUTRAL.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return Neutral
}

// Metric is a named indicator value.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Snapshot is the outcome of evaluating one interval.
// Metrics keep the order in which they were computed.
type Snapshot struct {
	Interval         string          `json:"interval"`
	Direction        Direction       `json:"direction"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	Metrics          []Metric        `json:"metrics"`
	Reasons          []string        `json:"reasons,omitempty"`
	InsufficientData bool            `json:"insufficient_data,omitempty"`
}

// Metric looks up a metric by name.
func (s Snapshot) Metric(name string) (float64, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

func (s *Snapshot) record(name string, value float64) {
	s.Metrics = append(s.Metrics, Metric{Name: name, Value: value})
}

func (s *Snapshot) reason(format string, args ...interface{}) {
	s.Reasons = append(s.Reasons, fmt.Sprintf(format, args...))
}

// Config holds indicator periods and decision thresholds.
type Config struct {
	SMAShort      int     `json:"sma_short" env:"SMA_SHORT"`
	SMALong       int     `json:"sma_long" env:"SMA_LONG"`
	EMAFast       int     `json:"ema_fast" env:"EMA_FAST"`
	EMAMid        int     `json:"ema_mid" env:"EMA_MID"`
	EMASlow       int     `json:"ema_slow" env:"EMA_SLOW"`
	ATRPeriod     int     `json:"atr_period" env:"ATR_PERIOD"`
	ADXPeriod     int     `json:"adx_period" env:"ADX_PERIOD"`
	RSIPeriod     int     `json:"rsi_period" env:"RSI_PERIOD"`
	KeltnerPeriod int     `json:"keltner_period" env:"KELTNER_PERIOD"`
	KeltnerMult   float64 `json:"keltner_mult" env:"KELTNER_MULT"`
	ADXThreshold  float64 `json:"adx_threshold" env:"ADX_THRESHOLD"`
	RSIUpper      float64 `json:"rsi_upper" env:"RSI_UPPER"`
	RSILower      float64 `json:"rsi_lower" env:"RSI_LOWER"`
	RequiredVotes int     `json:"required_votes" env:"REQUIRED_VOTES"`
	MinCandles    int     `json:"min_candles" env:"MIN_CANDLES"`
	VolumePeriod  int     `json:"volume_period" env:"VOLUME_PERIOD"`
	RequireVolume bool    `json:"require_volume" env:"REQUIRE_VOLUME"` // reject entries on a volume drop
}

// DefaultConfig returns short periods suited to 1m-15m candles.
func DefaultConfig() Config {
	return Config{
		SMAShort:      3,
		SMALong:       10,
		EMAFast:       5,
		EMAMid:        8,
		EMASlow:       13,
		ATRPeriod:     5,
		ADXPeriod:     5,
		RSIPeriod:     5,
		KeltnerPeriod: 10,
		KeltnerMult:   0.5,
		ADXThreshold:  25,
		RSIUpper:      70,
		RSILower:      30,
		RequiredVotes: 3,
		MinCandles:    30,
		VolumePeriod:  20,
	}
}

// Validate rejects periods and thresholds that cannot produce a signal.
func (c Config) Validate() error {
	periods := map[string]int{
		"sma_short": c.SMAShort, "sma_long": c.SMALong,
		"ema_fast": c.EMAFast, "ema_mid": c.EMAMid, "ema_slow": c.EMASlow,
		"atr_period": c.ATRPeriod, "adx_period": c.ADXPeriod, "rsi_period": c.RSIPeriod,
		"keltner_period": c.KeltnerPeriod,
	}
	var errs []error
	for name, p := range periods {
		if p <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.SMAShort >= c.SMALong {
		errs = append(errs, errors.New("sma_short must be shorter than sma_long"))
	}
	if !(c.EMAFast < c.EMAMid && c.EMAMid < c.EMASlow) {
		errs = append(errs, errors.New("ema periods must satisfy fast < mid < slow"))
	}
	if c.RSILower >= c.RSIUpper {
		errs = append(errs, errors.New("rsi_lower must be below rsi_upper"))
	}
	if c.RequiredVotes < 1 || c.RequiredVotes > 4 {
		errs = append(errs, errors.New("required_votes must be between 1 and 4"))
	}
	if c.MinCandles < c.requiredCandles() {
		errs = append(errs, fmt.Errorf("min_candles must be at least %d", c.requiredCandles()))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", numeric.ErrInvalidParameter, errors.Join(errs...))
	}
	return nil
}

// requiredCandles is the smallest series every indicator can be computed on.
func (c Config) requiredCandles() int {
	need := c.SMALong
	for _, n := range []int{c.EMASlow, c.ATRPeriod + 1, 2*c.ADXPeriod + 1, c.RSIPeriod + 1, c.KeltnerPeriod + 1} {
		if n > need {
			need = n
		}
	}
	return need
}

// Engine evaluates candles into signal snapshots. It is stateless.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine; cfg must be valid.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine settings.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate computes indicators over klines and derives a direction.
// Short series produce a NEUTRAL snapshot flagged InsufficientData.
func (e *Engine) Evaluate(interval string, klines []binance.Kline, markPrice decimal.Decimal) Snapshot {
	snap := Snapshot{Interval: interval, Direction: Neutral, MarkPrice: markPrice}
	if len(klines) < e.cfg.MinCandles {
		snap.InsufficientData = true
		snap.reason("insufficient data: %d candles, need %d", len(klines), e.cfg.MinCandles)
		return snap
	}

	cfg := e.cfg
	closes := Closes(klines)
	price := markPrice.InexactFloat64()
	if price <= 0 {
		price = closes[len(closes)-1]
	}

	smaShort := SMA(closes, cfg.SMAShort)
	smaLong := SMA(closes, cfg.SMALong)
	emaFast := EMA(closes, cfg.EMAFast)
	emaMid := EMA(closes, cfg.EMAMid)
	emaSlow := EMA(closes, cfg.EMASlow)
	atr := ATR(klines, cfg.ATRPeriod)
	adx := ADX(klines, cfg.ADXPeriod)
	rsi := RSI(closes, cfg.RSIPeriod)
	kc := Keltner(klines, cfg.KeltnerPeriod, cfg.KeltnerMult)

	snap.record("sma_short", smaShort)
	snap.record("sma_long", smaLong)
	snap.record("ema_fast", emaFast)
	snap.record("ema_mid", emaMid)
	snap.record("ema_slow", emaSlow)
	snap.record("atr", atr)
	snap.record("adx", adx.ADX)
	snap.record("plus_di", adx.PlusDI)
	snap.record("minus_di", adx.MinusDI)
	snap.record("rsi", rsi)
	snap.record("keltner_upper", kc.Upper)
	snap.record("keltner_middle", kc.Middle)
	snap.record("keltner_lower", kc.Lower)
	snap.record("close", price)

	longVotes, shortVotes := 0, 0
	vote := func(d Direction, why string) {
		switch d {
		case Long:
			longVotes++
		case Short:
			shortVotes++
		default:
			return
		}
		snap.reason("%s: %s", d, why)
	}

	switch {
	case smaShort > smaLong:
		vote(Long, "sma crossover up")
	case smaShort < smaLong:
		vote(Short, "sma crossover down")
	}

	switch {
	case emaFast > emaMid && emaMid > emaSlow && price > emaSlow:
		vote(Long, "ema stack bullish")
	case emaFast < emaMid && emaMid < emaSlow && price < emaSlow:
		vote(Short, "ema stack bearish")
	}

	switch {
	case price > smaLong:
		vote(Long, "price above long sma")
	case price < smaLong:
		vote(Short, "price below long sma")
	}

	switch {
	case price > kc.Upper:
		vote(Long, "keltner breakout up")
	case price < kc.Lower:
		vote(Short, "keltner breakout down")
	}

	dir := Neutral
	switch {
	case longVotes >= cfg.RequiredVotes && shortVotes == 0:
		dir = Long
	case shortVotes >= cfg.RequiredVotes && longVotes == 0:
		dir = Short
	}
	if dir == Neutral {
		snap.reason("votes long=%d short=%d below %d", longVotes, shortVotes, cfg.RequiredVotes)
		return snap
	}

	if adx.ADX <= cfg.ADXThreshold {
		snap.reason("adx %.2f not above %.2f", adx.ADX, cfg.ADXThreshold)
		return snap
	}
	if dir == Long && adx.PlusDI <= adx.MinusDI {
		snap.reason("+di does not dominate")
		return snap
	}
	if dir == Short && adx.MinusDI <= adx.PlusDI {
		snap.reason("-di does not dominate")
		return snap
	}

	if dir == Long && rsi > cfg.RSIUpper {
		snap.reason("rsi %.2f overbought", rsi)
		return snap
	}
	if dir == Short && rsi < cfg.RSILower {
		snap.reason("rsi %.2f oversold", rsi)
		return snap
	}

	if cfg.RequireVolume {
		vol := AnalyzeVolume(klines, cfg.VolumePeriod)
		snap.record("volume_ratio", vol.Ratio)
		if vol.Class == VolumeDrop {
			snap.reason("volume drop")
			return snap
		}
	}

	snap.Direction = dir
	return snap
}

package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/numeric"
)

// ErrBelowMinNotional means the exchange floor cannot be met within the
// allowed position size, so no trade should be taken.
var ErrBelowMinNotional = errors.New("position cannot reach minimum notional within limits")

// ErrLotOutOfRange means no multiple of the lot size lands inside
// [MinPositionSize, MaxPositionSize] x capital.
var ErrLotOutOfRange = errors.New("no lot multiple fits the position size limits")

// Unsizable reports whether err means the entry must be skipped rather than
// treated as a failure.
func Unsizable(err error) bool {
	return errors.Is(err, ErrBelowMinNotional) || errors.Is(err, ErrLotOutOfRange)
}

// Mode selects how the position fraction reacts to streaks.
type Mode string

const (
	ModeMartingale       Mode = "martingale"
	ModeAntiMartingale   Mode = "antiMartingale"
	ModeCustomMartingale Mode = "customMartingale"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMartingale, ModeAntiMartingale, ModeCustomMartingale:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: unknown sizing mode %q", numeric.ErrInvalidParameter, s)
}

// SizerConfig holds the sizing parameters. Position sizes are fractions of capital.
type SizerConfig struct {
	Mode             Mode            `json:"mode" env:"MODE"`
	BasePositionSize decimal.Decimal `json:"base_position_size" env:"BASE_POSITION_SIZE"`
	MinPositionSize  decimal.Decimal `json:"min_position_size" env:"MIN_POSITION_SIZE"`
	MaxPositionSize  decimal.Decimal `json:"max_position_size" env:"MAX_POSITION_SIZE"`
	MaxMultiplier    decimal.Decimal `json:"max_multiplier" env:"MAX_MULTIPLIER"`
	Growth           decimal.Decimal `json:"growth" env:"GROWTH"`       // martingale base
	WinStep          decimal.Decimal `json:"win_step" env:"WIN_STEP"`   // antiMartingale step per win
	LossStep         decimal.Decimal `json:"loss_step" env:"LOSS_STEP"` // customMartingale step per loss
	BaseLeverage     int             `json:"base_leverage" env:"LEVERAGE"`
	LeverageStep     int             `json:"leverage_step" env:"LEVERAGE_STEP"`
	MaxLeverage      int             `json:"max_leverage" env:"MAX_LEVERAGE"`
	MinNotional      decimal.Decimal `json:"min_notional" env:"MIN_NOTIONAL"`
	DesiredWinPnL    decimal.Decimal `json:"desired_win_pnl" env:"DESIRED_WIN_PNL"`   // fraction of margin, 1 = 100%
	DesiredLossPnL   decimal.Decimal `json:"desired_loss_pnl" env:"DESIRED_LOSS_PNL"` // fraction of margin

	DrawdownDampening bool            `json:"drawdown_dampening" env:"DRAWDOWN_DAMPENING"`
	DrawdownThreshold decimal.Decimal `json:"drawdown_threshold" env:"DRAWDOWN_THRESHOLD"` // fraction of HWM
	DrawdownFactor    decimal.Decimal `json:"drawdown_factor" env:"DRAWDOWN_FACTOR"`
}

// DefaultSizerConfig mirrors the production defaults: 75x leverage, 30% base
// size and a TP/SL at +-100% of margin.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		Mode:              ModeMartingale,
		BasePositionSize:  decimal.RequireFromString("0.30"),
		MinPositionSize:   decimal.RequireFromString("0.01"),
		MaxPositionSize:   decimal.RequireFromString("0.30"),
		MaxMultiplier:     decimal.NewFromInt(8),
		Growth:            decimal.NewFromInt(2),
		WinStep:           decimal.RequireFromString("0.5"),
		LossStep:          decimal.RequireFromString("0.5"),
		BaseLeverage:      75,
		LeverageStep:      5,
		MaxLeverage:       125,
		MinNotional:       decimal.RequireFromString("5.1"),
		DesiredWinPnL:     decimal.RequireFromString("1.00"),
		DesiredLossPnL:    decimal.RequireFromString("1.00"),
		DrawdownThreshold: decimal.RequireFromString("0.20"),
		DrawdownFactor:    decimal.RequireFromString("0.5"),
	}
}

// Validate checks ranges; failures wrap numeric.ErrInvalidParameter.
func (c SizerConfig) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	one := decimal.NewFromInt(1)
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.MinPositionSize.IsPositive(), "min_position_size must be positive")
	check(c.MaxPositionSize.LessThanOrEqual(one), "max_position_size must be at most 1")
	check(c.MinPositionSize.LessThanOrEqual(c.MaxPositionSize), "min_position_size must not exceed max_position_size")
	check(c.BasePositionSize.GreaterThanOrEqual(c.MinPositionSize) && c.BasePositionSize.LessThanOrEqual(c.MaxPositionSize),
		"base_position_size must be within [min, max]")
	check(c.MaxMultiplier.GreaterThanOrEqual(one), "max_multiplier must be at least 1")
	check(c.Growth.GreaterThanOrEqual(one), "growth must be at least 1")
	check(!c.WinStep.IsNegative() && !c.LossStep.IsNegative(), "win_step and loss_step must not be negative")
	check(c.BaseLeverage >= 1 && c.BaseLeverage <= c.MaxLeverage, "base_leverage must be within [1, max_leverage]")
	check(c.LeverageStep >= 0, "leverage_step must not be negative")
	check(!c.MinNotional.IsNegative(), "min_notional must not be negative")
	check(c.DesiredWinPnL.IsPositive() && c.DesiredLossPnL.IsPositive(), "desired pnl targets must be positive")
	if c.DrawdownDampening {
		check(c.DrawdownThreshold.IsPositive() && c.DrawdownThreshold.LessThan(one), "drawdown_threshold must be in (0, 1)")
		check(c.DrawdownFactor.IsPositive() && c.DrawdownFactor.LessThanOrEqual(one), "drawdown_factor must be in (0, 1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", numeric.ErrInvalidParameter, errors.Join(errs...))
	}
	return nil
}

// SizeResult is a fully derived order size. Fraction, margin, notional and
// quantity always describe the same position.
type SizeResult struct {
	Mode             Mode            `json:"mode"`
	Multiplier       decimal.Decimal `json:"multiplier"`
	PositionFraction decimal.Decimal `json:"position_fraction"`
	Margin           decimal.Decimal `json:"margin"`
	Notional         decimal.Decimal `json:"notional"`
	Quantity         decimal.Decimal `json:"quantity"`
	Leverage         int             `json:"leverage"`
	StopLoss         decimal.Decimal `json:"stop_loss"`
	TakeProfit       decimal.Decimal `json:"take_profit"`
	FloorApplied     bool            `json:"floor_applied"`
}

// Sizer computes position sizes. It holds no state between calls.
type Sizer struct {
	cfg SizerConfig
}

// NewSizer validates cfg and returns a sizer.
func NewSizer(cfg SizerConfig) (*Sizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sizer{cfg: cfg}, nil
}

// Config returns the sizer settings.
func (s *Sizer) Config() SizerConfig { return s.cfg }

// Multiplier returns the streak multiplier and leverage for mode.
func (s *Sizer) Multiplier(account AccountState, mode Mode) (decimal.Decimal, int) {
	one := decimal.NewFromInt(1)
	lev := s.cfg.BaseLeverage
	mult := one

	switch mode {
	case ModeMartingale:
		if n := account.ConsecutiveLosses; n > 0 {
			mult = numeric.PowInt(s.cfg.Growth, n)
		}
	case ModeAntiMartingale:
		if n := account.ConsecutiveWins; n > 0 {
			mult = one.Add(s.cfg.WinStep.Mul(decimal.NewFromInt(int64(n))))
		}
	case ModeCustomMartingale:
		if n := account.ConsecutiveLosses; n > 0 {
			mult = one.Add(s.cfg.LossStep.Mul(decimal.NewFromInt(int64(n))))
			lev = s.cfg.BaseLeverage + s.cfg.LeverageStep*n
			if lev > s.cfg.MaxLeverage {
				lev = s.cfg.MaxLeverage
			}
		}
	}
	return numeric.Min(mult, s.cfg.MaxMultiplier), lev
}

// ComputeSize derives fraction, margin, notional, quantity, leverage and the
// TP/SL prices for an entry at entryPrice.
func (s *Sizer) ComputeSize(account AccountState, mode Mode, entryPrice decimal.Decimal, side Side, precision binance.SymbolPrecision) (*SizeResult, error) {
	if !account.Capital.IsPositive() {
		return nil, fmt.Errorf("%w: capital must be positive, got %s", numeric.ErrInvalidParameter, account.Capital)
	}
	if !entryPrice.IsPositive() {
		return nil, fmt.Errorf("%w: entry price must be positive, got %s", numeric.ErrInvalidParameter, entryPrice)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side %q", numeric.ErrInvalidParameter, side)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	lot := precision.LotSize
	if !lot.IsPositive() {
		lot = binance.DefaultPrecision.LotSize
	}

	mult, leverage := s.Multiplier(account, mode)
	lev := decimal.NewFromInt(int64(leverage))
	capital := account.Capital

	fraction := s.cfg.BasePositionSize.Mul(mult)
	if s.cfg.DrawdownDampening && account.Drawdown().GreaterThan(s.cfg.DrawdownThreshold) {
		fraction = fraction.Mul(s.cfg.DrawdownFactor)
	}
	maxFraction := numeric.Min(s.cfg.MaxPositionSize, decimal.NewFromInt(1))
	fraction = numeric.Clamp(fraction, s.cfg.MinPositionSize, maxFraction)

	res := &SizeResult{Mode: mode, Multiplier: mult, Leverage: leverage}

	// Size from the fraction, then re-derive everything from the lot-rounded quantity.
	qty, err := numeric.FloorToStep(capital.Mul(fraction).Mul(lev).Div(entryPrice), lot)
	if err != nil {
		return nil, err
	}
	if capital.Mul(s.cfg.MinPositionSize).GreaterThan(qty.Mul(entryPrice).Div(lev)) {
		if qty, err = numeric.CeilToStep(capital.Mul(fraction).Mul(lev).Div(entryPrice), lot); err != nil {
			return nil, err
		}
		s.fill(res, qty, entryPrice, lev, capital)
		if res.PositionFraction.GreaterThan(maxFraction) || res.Margin.GreaterThan(capital) {
			return nil, fmt.Errorf("%w: lot %s gives fraction %s, limits [%s, %s]",
				ErrLotOutOfRange, lot, res.PositionFraction, s.cfg.MinPositionSize, maxFraction)
		}
	}
	s.fill(res, qty, entryPrice, lev, capital)

	floor := numeric.Max(s.cfg.MinNotional, precision.MinNotional)
	if res.Notional.LessThan(floor) || qty.LessThan(precision.MinQty) || !qty.IsPositive() {
		qty, err = numeric.CeilToStep(floor.Div(entryPrice), lot)
		if err != nil {
			return nil, err
		}
		if qty.LessThan(precision.MinQty) {
			if qty, err = numeric.CeilToStep(precision.MinQty, lot); err != nil {
				return nil, err
			}
		}
		if !qty.IsPositive() {
			qty = lot
		}
		s.fill(res, qty, entryPrice, lev, capital)
		res.FloorApplied = true

		if res.PositionFraction.GreaterThan(maxFraction) || res.Margin.GreaterThan(capital) {
			return nil, fmt.Errorf("%w: notional floor %s needs margin %s of capital %s",
				ErrBelowMinNotional, floor, res.Margin, capital)
		}
	}

	res.TakeProfit, res.StopLoss, err = s.Targets(entryPrice, side, leverage, precision.TickSize)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Sizer) fill(res *SizeResult, qty, entry, lev, capital decimal.Decimal) {
	res.Quantity = qty
	res.Notional = qty.Mul(entry)
	res.Margin = res.Notional.Div(lev)
	res.PositionFraction = res.Margin.Div(capital)
}

// Targets returns take-profit and stop-loss prices that move margin PnL by
// DesiredWinPnL and DesiredLossPnL, rounded to tick when tick is positive.
func (s *Sizer) Targets(entry decimal.Decimal, side Side, leverage int, tick decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if leverage <= 0 {
		return decimal.Zero, decimal.Zero, numeric.ErrInvalidParameter
	}
	one := decimal.NewFromInt(1)
	lev := decimal.NewFromInt(int64(leverage))
	winMove := s.cfg.DesiredWinPnL.Div(lev).Mul(side.Sign())
	lossMove := s.cfg.DesiredLossPnL.Div(lev).Mul(side.Sign())

	tp := entry.Mul(one.Add(winMove))
	sl := entry.Mul(one.Sub(lossMove))
	if tick.IsPositive() {
		var err error
		if tp, err = numeric.RoundToStep(tp, tick); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if sl, err = numeric.RoundToStep(sl, tick); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	return tp, sl, nil
}

package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/numeric"
)

// Stop conditions end the trading session.
var (
	ErrTargetReached   = errors.New("target capital reached")
	ErrMaxTrades       = errors.New("maximum number of trades reached")
	ErrCapitalDepleted = errors.New("capital depleted")
)

// LimitsConfig holds session-level limits.
type LimitsConfig struct {
	TargetCapital    decimal.Decimal `json:"target_capital" env:"TARGET_CAPITAL"`         // zero disables
	MaxTrades        int             `json:"max_trades" env:"MAX_TRADES"`                 // zero disables
	MaxDailyDrawdown decimal.Decimal `json:"max_daily_drawdown" env:"MAX_DAILY_DRAWDOWN"` // percent of capital, zero disables
	MaxOpenPositions int             `json:"max_open_positions" env:"MAX_OPEN_POSITIONS"`
}

// RiskManager enforces session limits on top of the sizer.
type RiskManager struct {
	config        LimitsConfig
	dailyPnL      decimal.Decimal
	dailyPnLReset time.Time
	openPositions int
	now           func() time.Time
	logger        zerolog.Logger
	mu            sync.RWMutex
}

// NewRiskManager creates a new risk manager
func NewRiskManager(config LimitsConfig, logger zerolog.Logger) *RiskManager {
	if config.MaxOpenPositions <= 0 {
		config.MaxOpenPositions = 1
	}
	rm := &RiskManager{
		config: config,
		now:    time.Now,
		logger: logger.With().Str("component", "risk_manager").Logger(),
	}
	rm.dailyPnLReset = rm.now().UTC().Truncate(24 * time.Hour)
	return rm
}

// StopReason returns a stop condition error when the session should end.
func (rm *RiskManager) StopReason(account AccountState) error {
	if !account.Capital.IsPositive() {
		return ErrCapitalDepleted
	}
	if rm.config.TargetCapital.IsPositive() && account.Equity().GreaterThanOrEqual(rm.config.TargetCapital) {
		return fmt.Errorf("%w: equity %s >= %s", ErrTargetReached, account.Equity(), rm.config.TargetCapital)
	}
	if rm.config.MaxTrades > 0 && account.TotalTrades >= rm.config.MaxTrades {
		return fmt.Errorf("%w: %d", ErrMaxTrades, account.TotalTrades)
	}
	return nil
}

// CanOpenPosition checks if a new position can be opened
func (rm *RiskManager) CanOpenPosition(account AccountState) (bool, string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := rm.StopReason(account); err != nil {
		return false, err.Error()
	}

	if rm.openPositions >= rm.config.MaxOpenPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", rm.openPositions, rm.config.MaxOpenPositions)
	}

	rm.checkDailyReset()
	if rm.config.MaxDailyDrawdown.IsPositive() && account.Capital.IsPositive() {
		dailyDrawdownPercent := numeric.Pct(rm.dailyPnL, account.Capital)
		if dailyDrawdownPercent.LessThanOrEqual(rm.config.MaxDailyDrawdown.Neg()) {
			return false, fmt.Sprintf("daily drawdown limit reached (%s%%)", dailyDrawdownPercent.StringFixed(2))
		}
	}

	return true, ""
}

// RegisterPositionOpen registers a new position opening
func (rm *RiskManager) RegisterPositionOpen() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.openPositions++
}

// RegisterPositionAbort undoes RegisterPositionOpen for an entry that failed.
func (rm *RiskManager) RegisterPositionAbort() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.openPositions > 0 {
		rm.openPositions--
	}
}

// RegisterPositionClose registers a position closing with its net result
func (rm *RiskManager) RegisterPositionClose(net decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.openPositions--
	if rm.openPositions < 0 {
		rm.openPositions = 0
	}

	rm.checkDailyReset()
	rm.dailyPnL = rm.dailyPnL.Add(net)
}

// GetDailyPnL returns the current daily P&L
func (rm *RiskManager) GetDailyPnL() decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.dailyPnL
}

// checkDailyReset resets daily P&L if it's a new UTC day
func (rm *RiskManager) checkDailyReset() {
	today := rm.now().UTC().Truncate(24 * time.Hour)
	if today.After(rm.dailyPnLReset) {
		rm.dailyPnL = decimal.Zero
		rm.dailyPnLReset = today
	}
}

// GetRiskMetrics returns current risk metrics
func (rm *RiskManager) GetRiskMetrics() map[string]interface{} {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	return map[string]interface{}{
		"daily_pnl":          rm.dailyPnL.String(),
		"open_positions":     rm.openPositions,
		"max_positions":      rm.config.MaxOpenPositions,
		"max_trades":         rm.config.MaxTrades,
		"target_capital":     rm.config.TargetCapital.String(),
		"max_daily_drawdown": rm.config.MaxDailyDrawdown.String(),
	}
}

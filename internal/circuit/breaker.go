package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Trading halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled              bool            `json:"enabled" env:"ENABLED"`
	MaxConsecutiveLosses int             `json:"max_consecutive_losses" env:"MAX_CONSECUTIVE_LOSSES"` // Max losing trades in a row
	MaxLossPerHour       decimal.Decimal `json:"max_loss_per_hour" env:"MAX_LOSS_PER_HOUR"`           // % of capital
	MaxDailyLoss         decimal.Decimal `json:"max_daily_loss" env:"MAX_DAILY_LOSS"`                 // % of capital
	MaxDrawdown          decimal.Decimal `json:"max_drawdown" env:"MAX_DRAWDOWN"`                     // % below high-water mark
	CooldownMinutes      int             `json:"cooldown_minutes" env:"COOLDOWN_MINUTES"`
	MaxTradesPerMinute   int             `json:"max_trades_per_minute" env:"MAX_TRADES_PER_MINUTE"`
}

// DefaultCircuitBreakerConfig returns the defaults. The martingale sizer is
// expected to ride losing streaks so the loss limits are generous.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:              true,
		MaxConsecutiveLosses: 8,
		MaxLossPerHour:       decimal.NewFromInt(60),
		MaxDailyLoss:         decimal.NewFromInt(80),
		MaxDrawdown:          decimal.NewFromInt(90),
		CooldownMinutes:      30,
		MaxTradesPerMinute:   10,
	}
}

// CircuitBreaker halts new entries after a losing streak or a deep loss.
// It never closes an open position.
type CircuitBreaker struct {
	config            CircuitBreakerConfig
	state             BreakerState
	consecutiveLosses int
	hourlyLoss        decimal.Decimal
	dailyLoss         decimal.Decimal
	drawdown          decimal.Decimal
	tradesLastMinute  int
	lastTripTime      time.Time
	hourlyResetTime   time.Time
	dailyResetTime    time.Time
	minuteResetTime   time.Time
	tripReason        string
	bus               events.Publisher
	logger            zerolog.Logger
	now               func() time.Time
	mu                sync.RWMutex
}

// NewCircuitBreaker creates a new circuit breaker. bus may be nil.
func NewCircuitBreaker(config CircuitBreakerConfig, bus events.Publisher, logger zerolog.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		bus:    bus,
		logger: logger.With().Str("component", "circuit_breaker").Logger(),
		now:    time.Now,
	}
	cb.resetClocks(cb.now())
	return cb
}

func (cb *CircuitBreaker) resetClocks(now time.Time) {
	cb.hourlyResetTime = now.Add(time.Hour)
	cb.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	cb.minuteResetTime = now.Add(time.Minute)
}

// CanTrade checks if a new entry is allowed
func (cb *CircuitBreaker) CanTrade() (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()

	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.lastTripTime)
		cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute

		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), cb.tripReason)
		}

		// Cooldown passed, allow one probe trade
		cb.state = StateHalfOpen
		cb.consecutiveLosses = 0
		cb.logger.Info().Msg("Circuit breaker half-open")
		cb.publish("half_open", "cooldown_elapsed")
	}

	if cb.config.MaxTradesPerMinute > 0 && cb.tradesLastMinute >= cb.config.MaxTradesPerMinute {
		return false, fmt.Sprintf("rate limit reached: %d trades/minute", cb.tradesLastMinute)
	}

	return true, ""
}

// RecordTrade records a closed trade. pnlPercent is the net result as a
// percentage of capital before the trade; drawdownPercent is the account
// drawdown from its high-water mark after it.
func (cb *CircuitBreaker) RecordTrade(pnlPercent, drawdownPercent decimal.Decimal) {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()
	cb.tradesLastMinute++
	cb.drawdown = drawdownPercent

	if pnlPercent.IsPositive() {
		cb.consecutiveLosses = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.logger.Info().Msg("Circuit breaker recovered")
			cb.publish("recovered", "winning_trade_after_cooldown")
		}
	} else {
		cb.consecutiveLosses++
		cb.hourlyLoss = cb.hourlyLoss.Sub(pnlPercent)
		cb.dailyLoss = cb.dailyLoss.Sub(pnlPercent)
		if cb.state == StateHalfOpen {
			cb.trip("loss during half-open probe")
			return
		}
	}

	cb.checkAndTrip()
}

// checkAndTrip checks conditions and trips if needed
func (cb *CircuitBreaker) checkAndTrip() {
	var reason string

	switch {
	case cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses:
		reason = fmt.Sprintf("consecutive losses: %d", cb.consecutiveLosses)
	case cb.config.MaxLossPerHour.IsPositive() && cb.hourlyLoss.GreaterThanOrEqual(cb.config.MaxLossPerHour):
		reason = fmt.Sprintf("hourly loss: %s%%", cb.hourlyLoss.StringFixed(2))
	case cb.config.MaxDailyLoss.IsPositive() && cb.dailyLoss.GreaterThanOrEqual(cb.config.MaxDailyLoss):
		reason = fmt.Sprintf("daily loss: %s%%", cb.dailyLoss.StringFixed(2))
	case cb.config.MaxDrawdown.IsPositive() && cb.drawdown.GreaterThanOrEqual(cb.config.MaxDrawdown):
		reason = fmt.Sprintf("drawdown: %s%%", cb.drawdown.StringFixed(2))
	}

	if reason != "" && cb.state != StateOpen {
		cb.trip(reason)
	}
}

// trip opens the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason

	cb.logger.Warn().
		Str("reason", reason).
		Int("consecutive_losses", cb.consecutiveLosses).
		Stringer("daily_loss", cb.dailyLoss).
		Msg("Circuit breaker tripped")
	cb.publish("tripped", reason)
}

func (cb *CircuitBreaker) publish(action, reason string) {
	if cb.bus == nil {
		return
	}
	cb.bus.Publish(events.Event{
		Type: events.EventCircuitBreakerUpdate,
		Data: map[string]interface{}{
			"state":              string(cb.state),
			"action":             action,
			"reason":             reason,
			"consecutive_losses": cb.consecutiveLosses,
			"daily_loss":         cb.dailyLoss.String(),
		},
	})
}

// resetCountersIfNeeded resets time-based counters
func (cb *CircuitBreaker) resetCountersIfNeeded() {
	now := cb.now()

	if now.After(cb.minuteResetTime) {
		cb.tradesLastMinute = 0
		cb.minuteResetTime = now.Add(time.Minute)
	}

	if now.After(cb.hourlyResetTime) {
		cb.hourlyLoss = decimal.Zero
		cb.hourlyResetTime = now.Add(time.Hour)
	}

	if now.After(cb.dailyResetTime) {
		cb.dailyLoss = decimal.Zero
		cb.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveLosses = 0
	cb.tripReason = ""
	cb.publish("reset", "manual_reset")
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"state":              string(cb.state),
		"consecutive_losses": cb.consecutiveLosses,
		"hourly_loss":        cb.hourlyLoss.String(),
		"daily_loss":         cb.dailyLoss.String(),
		"drawdown":           cb.drawdown.String(),
		"trades_last_minute": cb.tradesLastMinute,
		"trip_reason":        cb.tripReason,
		"last_trip_time":     cb.lastTripTime,
	}
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}

package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/numeric"
)

// TrailingStopManager manages trailing stop losses for positions
type TrailingStopManager struct {
	positions map[string]*TrailingPosition
	config    TrailingConfig
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// TrailingConfig holds trailing stop configuration
type TrailingConfig struct {
	Enabled           bool            `json:"enabled" env:"ENABLED"`
	TrailingPercent   decimal.Decimal `json:"trailing_percent" env:"PERCENT"`              // Distance from water mark, in %
	ActivationPercent decimal.Decimal `json:"activation_percent" env:"ACTIVATION_PERCENT"` // Favorable price move % to activate
}

// DefaultTrailingConfig trails 1% behind the water mark once price moved 0.5%.
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		TrailingPercent:   decimal.NewFromInt(1),
		ActivationPercent: decimal.RequireFromString("0.5"),
	}
}

// TrailingPosition tracks a position with trailing stop
type TrailingPosition struct {
	ID               string          `json:"id"`
	Side             Side            `json:"side"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	CurrentStopLoss  decimal.Decimal `json:"current_stop_loss"`
	OriginalStopLoss decimal.Decimal `json:"original_stop_loss"`
	HighWaterMark    decimal.Decimal `json:"high_water_mark"` // Highest price since entry (for longs)
	LowWaterMark     decimal.Decimal `json:"low_water_mark"`  // Lowest price since entry (for shorts)
	IsActivated      bool            `json:"is_activated"`
	LastUpdate       time.Time       `json:"last_update"`
}

// StopUpdate represents a stop loss update
type StopUpdate struct {
	ID           string
	OldStopLoss  decimal.Decimal
	NewStopLoss  decimal.Decimal
	IsTriggered  bool
	TriggerPrice decimal.Decimal
}

// NewTrailingStopManager creates a new trailing stop manager
func NewTrailingStopManager(config TrailingConfig, logger zerolog.Logger) *TrailingStopManager {
	return &TrailingStopManager{
		positions: make(map[string]*TrailingPosition),
		config:    config,
		logger:    logger.With().Str("component", "trailing_stop").Logger(),
	}
}

// Enabled reports whether stops are trailed at all.
func (tsm *TrailingStopManager) Enabled() bool { return tsm.config.Enabled }

// AddPosition adds a new position to track
func (tsm *TrailingStopManager) AddPosition(id string, side Side, entryPrice, stopLoss decimal.Decimal) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	tsm.positions[id] = &TrailingPosition{
		ID:               id,
		Side:             side,
		EntryPrice:       entryPrice,
		CurrentStopLoss:  stopLoss,
		OriginalStopLoss: stopLoss,
		HighWaterMark:    entryPrice,
		LowWaterMark:     entryPrice,
		LastUpdate:       time.Now(),
	}

	tsm.logger.Debug().
		Str("position_id", id).
		Str("side", string(side)).
		Stringer("entry", entryPrice).
		Stringer("stop_loss", stopLoss).
		Msg("Tracking position")
}

// RemovePosition removes a position from tracking
func (tsm *TrailingStopManager) RemovePosition(id string) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	delete(tsm.positions, id)
}

// UpdatePrice updates the current price and adjusts trailing stop if needed.
// tick rounds the proposed stop; pass zero to skip rounding.
func (tsm *TrailingStopManager) UpdatePrice(id string, currentPrice, tick decimal.Decimal) *StopUpdate {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	pos, exists := tsm.positions[id]
	if !exists {
		return nil
	}

	var update *StopUpdate
	if pos.Side == SideLong {
		update = tsm.updateLongPosition(pos, currentPrice, tick)
	} else {
		update = tsm.updateShortPosition(pos, currentPrice, tick)
	}

	pos.LastUpdate = time.Now()
	return update
}

func roundStop(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	r, err := numeric.RoundToStep(v, tick)
	if err != nil {
		return v
	}
	return r
}

// updateLongPosition updates trailing stop for a long position
func (tsm *TrailingStopManager) updateLongPosition(pos *TrailingPosition, currentPrice, tick decimal.Decimal) *StopUpdate {
	if currentPrice.LessThanOrEqual(pos.CurrentStopLoss) {
		return &StopUpdate{
			ID:           pos.ID,
			OldStopLoss:  pos.CurrentStopLoss,
			NewStopLoss:  pos.CurrentStopLoss,
			IsTriggered:  true,
			TriggerPrice: currentPrice,
		}
	}

	if currentPrice.GreaterThan(pos.HighWaterMark) {
		pos.HighWaterMark = currentPrice
	}

	profitPercent := numeric.Pct(currentPrice.Sub(pos.EntryPrice), pos.EntryPrice)
	if !pos.IsActivated && profitPercent.GreaterThanOrEqual(tsm.config.ActivationPercent) {
		pos.IsActivated = true
		tsm.logger.Info().Str("position_id", pos.ID).Stringer("profit_pct", profitPercent.Round(2)).Msg("Trailing stop activated")
	}

	if pos.IsActivated && tsm.config.Enabled {
		distance := pos.HighWaterMark.Mul(tsm.config.TrailingPercent).Div(numeric.Hundred())
		newStopLoss := roundStop(pos.HighWaterMark.Sub(distance), tick)

		// Only move stop loss up, never down
		if newStopLoss.GreaterThan(pos.CurrentStopLoss) {
			oldStop := pos.CurrentStopLoss
			pos.CurrentStopLoss = newStopLoss

			tsm.logger.Info().
				Str("position_id", pos.ID).
				Stringer("old_stop", oldStop).
				Stringer("new_stop", newStopLoss).
				Stringer("hwm", pos.HighWaterMark).
				Msg("Stop loss moved up")

			return &StopUpdate{ID: pos.ID, OldStopLoss: oldStop, NewStopLoss: newStopLoss}
		}
	}

	return nil
}

// updateShortPosition updates trailing stop for a short position
func (tsm *TrailingStopManager) updateShortPosition(pos *TrailingPosition, currentPrice, tick decimal.Decimal) *StopUpdate {
	if currentPrice.GreaterThanOrEqual(pos.CurrentStopLoss) {
		return &StopUpdate{
			ID:           pos.ID,
			OldStopLoss:  pos.CurrentStopLoss,
			NewStopLoss:  pos.CurrentStopLoss,
			IsTriggered:  true,
			TriggerPrice: currentPrice,
		}
	}

	if currentPrice.LessThan(pos.LowWaterMark) {
		pos.LowWaterMark = currentPrice
	}

	profitPercent := numeric.Pct(pos.EntryPrice.Sub(currentPrice), pos.EntryPrice)
	if !pos.IsActivated && profitPercent.GreaterThanOrEqual(tsm.config.ActivationPercent) {
		pos.IsActivated = true
		tsm.logger.Info().Str("position_id", pos.ID).Stringer("profit_pct", profitPercent.Round(2)).Msg("Trailing stop activated")
	}

	if pos.IsActivated && tsm.config.Enabled {
		distance := pos.LowWaterMark.Mul(tsm.config.TrailingPercent).Div(numeric.Hundred())
		newStopLoss := roundStop(pos.LowWaterMark.Add(distance), tick)

		// Only move stop loss down for shorts
		if newStopLoss.LessThan(pos.CurrentStopLoss) {
			oldStop := pos.CurrentStopLoss
			pos.CurrentStopLoss = newStopLoss

			tsm.logger.Info().
				Str("position_id", pos.ID).
				Stringer("old_stop", oldStop).
				Stringer("new_stop", newStopLoss).
				Stringer("lwm", pos.LowWaterMark).
				Msg("Stop loss moved down")

			return &StopUpdate{ID: pos.ID, OldStopLoss: oldStop, NewStopLoss: newStopLoss}
		}
	}

	return nil
}

// GetPosition returns a copy of a position's trailing stop info
func (tsm *TrailingStopManager) GetPosition(id string) *TrailingPosition {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	if pos, exists := tsm.positions[id]; exists {
		cp := *pos
		return &cp
	}
	return nil
}

// GetCurrentStopLoss returns the current stop loss for a position
func (tsm *TrailingStopManager) GetCurrentStopLoss(id string) (decimal.Decimal, bool) {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	if pos, exists := tsm.positions[id]; exists {
		return pos.CurrentStopLoss, true
	}
	return decimal.Zero, false
}

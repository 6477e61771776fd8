package orders

import (
	"context"
	"errors"
	"fmt"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/session"
	"martingale-futures-bot/internal/trading"
)

// Reconcile restores the session from the store and squares it with the
// exchange before the first Step:
//
//	store + exchange  resume the stored position, corrected from the exchange
//	exchange only     adopt the position under a new id
//	store only        the position closed while down; book it from history
//	neither           stay IDLE
//
// Leftover protective orders are cancelled whenever the symbol ends flat.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return fmt.Errorf("%w: reconcile in %s", ErrInvalidTransition, m.state)
	}

	stored, err := m.restore(ctx)
	if err != nil {
		return err
	}
	exch, err := m.exchangePosition(ctx)
	if err != nil {
		return err
	}

	switch {
	case stored != nil && exch != nil && sideOf(exch) == stored.Side:
		if err := m.resume(ctx, stored, exch); err != nil {
			return err
		}
	case stored != nil:
		if err := m.resumeClosed(ctx, stored); err != nil {
			return err
		}
		if exch != nil && m.state == StateIdle {
			if err := m.adopt(ctx, exch); err != nil {
				return err
			}
		}
	case exch != nil:
		if err := m.adopt(ctx, exch); err != nil {
			return err
		}
	default:
		m.logger.Info().Msg("No open position in store or on exchange")
	}

	if m.position == nil {
		if err := m.cancelLeftovers(ctx, nil); err != nil {
			m.logger.Warn().Err(err).Msg("Could not cancel leftover orders")
		}
	}

	if err := m.save(ctx); err != nil {
		return err
	}
	m.logger.Info().
		Str("session_id", m.sessionID).
		Str("state", string(m.state)).
		Stringer("capital", m.account.Capital).
		Int("trades", len(m.trades)).
		Msg("Reconciled session")

	if err := m.deps.Limits.StopReason(m.account); err != nil {
		m.stop(err)
	}
	return nil
}

// restore loads the stored session and returns its open position, if any.
func (m *Manager) restore(ctx context.Context) (*trading.Position, error) {
	st, err := m.deps.Store.Load(ctx)
	if errors.Is(err, session.ErrNoState) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if st.Symbol != "" && st.Symbol != m.cfg.Symbol {
		m.logger.Warn().Str("stored_symbol", st.Symbol).Msg("Stored session belongs to another symbol, starting fresh")
		return nil, nil
	}

	m.sessionID = st.SessionID
	if !st.StartedAt.IsZero() {
		m.startedAt = st.StartedAt
	}
	m.account = st.Account
	m.trades = append([]trading.TradeRecord(nil), st.Trades...)
	m.deps.Tracker.Replay(m.account.InitialCapital, m.trades)

	m.logger.Info().
		Str("session_id", st.SessionID).
		Time("saved_at", st.SavedAt).
		Stringer("capital", m.account.Capital).
		Int("trades", len(m.trades)).
		Bool("open_position", st.OpenPosition != nil).
		Msg("Restored session")

	if st.OpenPosition == nil || !st.OpenPosition.Status.Active() {
		return nil, nil
	}
	return st.OpenPosition.Clone(), nil
}

// resume re-enters OPEN with the stored position, keeping its id.
func (m *Manager) resume(ctx context.Context, pos *trading.Position, exch *binance.PositionRisk) error {
	pos.Status = trading.StatusOpen
	m.position = pos
	if err := m.transition(EvRecoveredOpen); err != nil {
		return err
	}
	m.syncFromExchange(exch)
	m.deps.Limits.RegisterPositionOpen()
	m.resetReversal()
	if m.deps.Trailing != nil && m.deps.Trailing.Enabled() {
		m.deps.Trailing.AddPosition(pos.ID, pos.Side, pos.EntryPrice, pos.StopLossPrice)
	}

	// Legs that no longer rest on the exchange are placed again.
	open, err := m.deps.Exchange.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Could not verify protective orders")
		return nil
	}
	tpLive, slLive := false, false
	for _, o := range open {
		switch o.OrderID {
		case pos.TakeProfitOrderID:
			tpLive = true
		case pos.StopLossOrderID:
			slLive = true
		}
	}
	if !tpLive {
		pos.TakeProfitOrderID = 0
	}
	if !slLive {
		pos.StopLossOrderID = 0
	}
	if err := m.cancelLeftovers(ctx, pos); err != nil {
		m.logger.Warn().Err(err).Msg("Could not cancel stale orders")
	}
	if err := m.placeLegs(ctx, pos); err != nil {
		m.logger.Error().Err(err).Msg("Failed to restore protective orders")
	}

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("side", string(pos.Side)).
		Stringer("size", pos.Size).
		Stringer("entry", pos.EntryPrice).
		Bool("take_profit_live", tpLive).
		Bool("stop_loss_live", slLive).
		Msg("Resumed open position")
	return nil
}

// resumeClosed books a stored position the exchange no longer holds.
func (m *Manager) resumeClosed(ctx context.Context, pos *trading.Position) error {
	pos.Status = trading.StatusOpen
	m.position = pos
	if err := m.transition(EvRecoveredOpen); err != nil {
		return err
	}
	m.deps.Limits.RegisterPositionOpen()
	m.logger.Warn().Str("position_id", pos.ID).Msg("Stored position is flat on exchange, closing from trade history")
	if err := m.closeFromHistory(ctx); err != nil {
		// Still OPEN; the first Step finds the exchange flat and retries.
		m.logger.Error().Err(err).Msg("Deferred close of stored position")
	}
	return nil
}

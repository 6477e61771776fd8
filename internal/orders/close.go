package orders

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/events"
	"martingale-futures-bot/internal/logging"
	"martingale-futures-bot/internal/numeric"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/strategy"
	"martingale-futures-bot/internal/trading"
)

func (m *Manager) stepOpen(ctx context.Context) error {
	pos := m.position
	exch, err := m.exchangePosition(ctx)
	if err != nil {
		return err
	}
	if exch == nil {
		m.logger.Info().Str("position_id", pos.ID).Msg("Exchange position is flat, closing from trade history")
		return m.closeFromHistory(ctx)
	}
	if sideOf(exch) != pos.Side {
		m.logger.Warn().Err(ErrStateInconsistency).Str("local_side", string(pos.Side)).
			Str("exchange_side", string(sideOf(exch))).Msg("Exchange position flipped side")
		if err := m.closeFromHistory(ctx); err != nil {
			return err
		}
		return m.adopt(ctx, exch)
	}
	m.syncFromExchange(exch)

	if pos.TakeProfitOrderID == 0 || pos.StopLossOrderID == 0 {
		if err := m.placeLegs(ctx, pos); err != nil {
			m.logger.Error().Err(err).Msg("Protective orders still missing")
		} else {
			m.saveLogged(ctx)
		}
	}

	mark := exch.MarkPrice
	if !mark.IsPositive() {
		if mark, err = m.deps.Exchange.GetMarkPrice(ctx, m.cfg.Symbol); err != nil {
			return fmt.Errorf("mark price: %w", err)
		}
	}

	unrealized := risk.GrossPnL(pos.Side, pos.EntryPrice, mark, pos.Size)
	pnlPct, err := risk.PnLPercentOnMargin(unrealized, pos.Notional(), pos.Leverage)
	if err != nil {
		return fmt.Errorf("pnl on margin: %w", err)
	}
	if m.cfg.CloseTargetPct.IsPositive() && pnlPct.GreaterThanOrEqual(m.cfg.CloseTargetPct) {
		return m.close(ctx, trading.ExitTargetPnL, mark)
	}
	if m.cfg.StopPct.IsPositive() && pnlPct.LessThanOrEqual(m.cfg.StopPct.Neg()) {
		return m.close(ctx, trading.ExitStopPnL, mark)
	}

	if m.deps.Trailing != nil && m.deps.Trailing.Enabled() {
		precision, err := m.symbolPrecision(ctx)
		if err != nil {
			return err
		}
		if upd := m.deps.Trailing.UpdatePrice(pos.ID, mark, precision.TickSize); upd != nil {
			if upd.IsTriggered {
				return m.close(ctx, trading.ExitTrailingStop, mark)
			}
			if err := m.moveStop(ctx, upd.NewStopLoss); err != nil {
				m.logger.Error().Err(err).Msg("Failed to move trailing stop")
			}
		}
	}

	snaps, err := m.evaluate(ctx, mark)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Skipping reversal check")
		return nil
	}
	if !strategy.Reversal(strategy.Direction(pos.Side), snaps) {
		m.resetReversal()
		return nil
	}
	now := m.now()
	if m.reversalSince.IsZero() {
		m.reversalSince = now
		m.publishSignal(strategy.Reconcile(snaps), snaps)
	}
	if now.Sub(m.reversalSince) >= m.cfg.ReversalCooldown {
		m.logger.Info().Dur("persisted", now.Sub(m.reversalSince)).Msg("Signal reversal persisted, closing")
		return m.close(ctx, trading.ExitReversal, mark)
	}
	return nil
}

// syncFromExchange corrects size and entry from the exchange, which is the
// source of truth for an open position.
func (m *Manager) syncFromExchange(exch *binance.PositionRisk) {
	pos := m.position
	size, entry := exch.Size(), exch.EntryPrice
	if pos.Size.Equal(size) && (entry.IsZero() || pos.EntryPrice.Equal(entry)) {
		return
	}
	m.logger.Warn().Err(ErrStateInconsistency).
		Stringer("local_size", pos.Size).Stringer("exchange_size", size).
		Stringer("local_entry", pos.EntryPrice).Stringer("exchange_entry", entry).
		Msg("Correcting position from exchange")
	pos.Size = size
	if entry.IsPositive() {
		pos.EntryPrice = entry
	}
	if exch.Leverage > 0 {
		pos.Leverage = exch.Leverage
	}
	pos.Margin = pos.Notional().Div(decimal.NewFromInt(int64(pos.Leverage)))
}

// moveStop cancels the resting stop and replaces it at stop. When the
// replacement fails the previous stop is restored.
func (m *Manager) moveStop(ctx context.Context, stop decimal.Decimal) error {
	pos := m.position
	old := pos.StopLossPrice
	if pos.StopLossOrderID != 0 {
		if err := m.deps.Exchange.CancelOrder(ctx, pos.Symbol, pos.StopLossOrderID); err != nil && !binance.IsNotFound(err) {
			return fmt.Errorf("cancel stop %d: %w", pos.StopLossOrderID, err)
		}
		pos.StopLossOrderID = 0
	}

	id, err := m.placeProtective(ctx, pos, LegStopLoss, stop)
	if err != nil {
		if restored, rerr := m.placeProtective(ctx, pos, LegStopLoss, old); rerr == nil {
			pos.StopLossOrderID = restored
		}
		return fmt.Errorf("replace stop at %s: %w", stop, err)
	}
	pos.StopLossOrderID = id
	pos.StopLossPrice = stop

	m.logger.Info().Stringer("old_stop", old).Stringer("new_stop", stop).Msg("Trailing stop moved")
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(events.Event{Type: events.EventStopMoved, Data: map[string]interface{}{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"old_stop":    old.String(),
			"new_stop":    stop.String(),
		}})
	}
	m.saveLogged(ctx)
	return nil
}

// close runs CLOSING with a reduce-only market order for the full size.
func (m *Manager) close(ctx context.Context, reason trading.ExitReason, mark decimal.Decimal) error {
	pos := m.position
	if err := m.transition(EvCloseTriggered); err != nil {
		return err
	}
	pos.Status = trading.StatusClosing

	clientID, err := GenerateClientOrderID(pos.ID, LegExit)
	if err != nil {
		return m.failClose(err)
	}
	res, err := m.deps.Exchange.PlaceOrder(ctx, binance.OrderSpec{
		Symbol:        pos.Symbol,
		Side:          orderSide(pos.Side).Opposite(),
		Type:          binance.OrderTypeMarket,
		Quantity:      pos.Size,
		ReduceOnly:    true,
		ClientOrderID: clientID,
	})
	if err != nil {
		if isReduceOnlyRejected(err) {
			// Flattened between the poll and the order, most likely by a leg.
			return m.finalizeFromHistory(ctx)
		}
		return m.failClose(ordersSent(fmt.Errorf("close order: %w", err)))
	}
	m.publishOrder(res, clientID)

	exit := mark
	if res.AvgPrice.IsPositive() {
		exit = res.AvgPrice
	}
	m.cancelLegs(ctx, pos)

	pnl := risk.GrossPnL(pos.Side, pos.EntryPrice, exit, pos.Size)
	fees := risk.TradeFees(pos.EntryPrice, exit, pos.Size, m.cfg.EntryFeeRate, m.cfg.ExitFeeRate)
	return m.finalize(ctx, reason, exit, pnl, fees)
}

func (m *Manager) failClose(cause error) error {
	m.position.Status = trading.StatusOpen
	if err := m.transition(EvCloseFailed); err != nil {
		return err
	}
	m.logger.Error().Err(cause).Msg("Close failed, position stays open")
	if m.deps.Bus != nil {
		m.deps.Bus.PublishError("lifecycle", "close failed", cause)
	}
	return cause
}

func (m *Manager) cancelLegs(ctx context.Context, pos *trading.Position) {
	for _, id := range []int64{pos.TakeProfitOrderID, pos.StopLossOrderID} {
		if id == 0 {
			continue
		}
		if err := m.deps.Exchange.CancelOrder(ctx, pos.Symbol, id); err != nil && !binance.IsNotFound(err) {
			m.logger.Warn().Err(err).Int64("order_id", id).Msg("Failed to cancel protective order")
		}
	}
}

// closeFromHistory closes an OPEN position the exchange already flattened.
func (m *Manager) closeFromHistory(ctx context.Context) error {
	if err := m.transition(EvCloseTriggered); err != nil {
		return err
	}
	m.position.Status = trading.StatusClosing
	return m.finalizeFromHistory(ctx)
}

// historyFill aggregates the exchange fills attributed to a position.
type historyFill struct {
	exitQty    decimal.Decimal
	exitValue  decimal.Decimal
	realized   decimal.Decimal
	commission decimal.Decimal
	lastExitID int64
	matched    int
}

func (m *Manager) attributeFills(pos *trading.Position, trades []binance.Trade) historyFill {
	out := historyFill{}
	opened := pos.OpenedAt.UnixMilli()
	exitSide := orderSide(pos.Side).Opposite()
	for _, t := range trades {
		own := t.OrderID != 0 && (t.OrderID == pos.EntryOrderID || t.OrderID == pos.TakeProfitOrderID || t.OrderID == pos.StopLossOrderID)
		if !own && t.Time < opened {
			continue
		}
		out.matched++
		out.commission = out.commission.Add(t.Commission)
		if t.Side == exitSide {
			out.exitQty = out.exitQty.Add(t.Qty)
			out.exitValue = out.exitValue.Add(t.Price.Mul(t.Qty))
			out.realized = out.realized.Add(t.RealizedPnl)
			out.lastExitID = t.OrderID
		}
	}
	return out
}

// finalizeFromHistory books a close whose fills happened on the exchange,
// taking realized PnL and commission from the fills themselves.
func (m *Manager) finalizeFromHistory(ctx context.Context) error {
	pos := m.position
	trades, err := m.deps.Exchange.GetTradeHistory(ctx, pos.Symbol, m.cfg.TradeHistoryLimit)
	if err != nil {
		return m.failClose(fmt.Errorf("trade history: %w", err))
	}
	fill := m.attributeFills(pos, trades)

	var exit, pnl, fees decimal.Decimal
	reason := trading.ExitExternal
	if fill.exitQty.IsPositive() {
		exit = fill.exitValue.Div(fill.exitQty)
		pnl = fill.realized
		fees = fill.commission
		switch fill.lastExitID {
		case pos.TakeProfitOrderID:
			reason = trading.ExitTakeProfit
		case pos.StopLossOrderID:
			reason = trading.ExitStopLoss
			if m.trailingActivated(pos.ID) {
				reason = trading.ExitTrailingStop
			}
		}
	} else {
		mark, err := m.deps.Exchange.GetMarkPrice(ctx, pos.Symbol)
		if err != nil {
			return m.failClose(fmt.Errorf("mark price: %w", err))
		}
		m.logger.Warn().Err(ErrStateInconsistency).Int("fills", len(trades)).
			Msg("No closing fill in trade history, estimating exit at mark")
		exit = mark
		pnl = risk.GrossPnL(pos.Side, pos.EntryPrice, exit, pos.Size)
		fees = risk.TradeFees(pos.EntryPrice, exit, pos.Size, m.cfg.EntryFeeRate, m.cfg.ExitFeeRate)
	}

	if err := m.cancelLeftovers(ctx, nil); err != nil {
		m.logger.Warn().Err(err).Msg("Could not cancel leftover orders")
	}
	return m.finalize(ctx, reason, exit, pnl, fees)
}

func (m *Manager) trailingActivated(id string) bool {
	if m.deps.Trailing == nil {
		return false
	}
	tp := m.deps.Trailing.GetPosition(id)
	return tp != nil && tp.IsActivated
}

// finalize books the closed position and returns to IDLE.
func (m *Manager) finalize(ctx context.Context, reason trading.ExitReason, exit, pnl, fees decimal.Decimal) error {
	m.record(ctx, m.position, reason, exit, pnl, fees)

	if err := m.transition(EvClosed); err != nil {
		return err
	}
	m.position = nil
	if err := m.transition(EvArchived); err != nil {
		return err
	}
	m.lastExit = m.now()
	m.resetReversal()
	m.saveLogged(ctx)

	if err := m.deps.Limits.StopReason(m.account); err != nil {
		m.stop(err)
	}
	return nil
}

// record books a finished round trip into the account, trade log, tracker,
// limits, breaker and archive.
func (m *Manager) record(ctx context.Context, pos *trading.Position, reason trading.ExitReason, exit, pnl, fees decimal.Decimal) {
	now := m.now().UTC()
	pos.ExitPrice = exit
	pos.ExitTime = &now
	pos.RealizedPnl = pnl
	pos.Fees = fees
	pos.Status = trading.StatusClosed

	before := m.account.Capital
	net := m.account.ApplyClose(pnl, fees)
	rec := trading.NewTradeRecord(pos, before, m.account.Capital, reason)
	m.trades = append(m.trades, rec)

	m.deps.Tracker.Record(rec)
	m.deps.Limits.RegisterPositionClose(net)
	if m.deps.Breaker != nil {
		m.deps.Breaker.RecordTrade(numeric.Pct(net, before), m.account.Drawdown().Mul(numeric.Hundred()))
	}
	if m.deps.Trailing != nil {
		m.deps.Trailing.RemovePosition(pos.ID)
	}
	if m.deps.Archive != nil {
		if err := m.deps.Archive.Insert(ctx, rec); err != nil {
			m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("Failed to archive trade")
		}
	}
	if m.deps.Bus != nil {
		m.deps.Bus.PublishTradeClosed(pos.ID, pos.Symbol, string(reason), pos.EntryPrice, exit, pos.Size, pnl, fees)
	}

	plog := logging.PositionContext(m.logger, pos.ID, pos.Symbol, string(pos.Side))
	plog.Info().
		Str("reason", string(reason)).
		Stringer("entry", pos.EntryPrice).
		Stringer("exit", exit).
		Stringer("pnl", pnl).
		Stringer("fees", fees).
		Stringer("net", net).
		Stringer("capital", m.account.Capital).
		Int("consecutive_wins", m.account.ConsecutiveWins).
		Int("consecutive_losses", m.account.ConsecutiveLosses).
		Msg("Position closed")
}

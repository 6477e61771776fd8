package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/events"
	"martingale-futures-bot/internal/logging"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/strategy"
	"martingale-futures-bot/internal/trading"
)

func (m *Manager) stepIdle(ctx context.Context) error {
	if err := m.deps.Limits.StopReason(m.account); err != nil {
		m.stop(err)
		return m.stopErr
	}

	// Never assume flat: exposure left by a failed rollback or an
	// unacknowledged entry is adopted before any new decision.
	exch, err := m.exchangePosition(ctx)
	if err != nil {
		return err
	}
	if exch != nil {
		m.logger.Warn().Err(ErrStateInconsistency).Stringer("size", exch.Size()).
			Msg("Exchange reports a position while idle, adopting it")
		return m.adopt(ctx, exch)
	}

	if !m.lastExit.IsZero() && m.now().Sub(m.lastExit) < m.cfg.EntryCooldown {
		return nil
	}
	if m.deps.Breaker != nil {
		if ok, reason := m.deps.Breaker.CanTrade(); !ok {
			m.logger.Debug().Str("reason", reason).Msg("Circuit breaker blocks entries")
			return nil
		}
	}
	if ok, reason := m.deps.Limits.CanOpenPosition(m.account); !ok {
		m.logger.Debug().Str("reason", reason).Msg("Risk limits block entries")
		return nil
	}

	mark, err := m.deps.Exchange.GetMarkPrice(ctx, m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}
	snaps, err := m.evaluate(ctx, mark)
	if err != nil {
		return err
	}
	dir := strategy.Reconcile(snaps)
	m.publishSignal(dir, snaps)
	if dir == strategy.Neutral {
		return nil
	}

	if m.cfg.UseOrderBookFilter {
		book, err := m.deps.Exchange.GetOrderBook(ctx, m.cfg.Symbol, m.cfg.OrderBook.Depth)
		if err != nil {
			return fmt.Errorf("order book: %w", err)
		}
		analysis := strategy.AnalyzeOrderBook(book, m.cfg.OrderBook, m.memory)
		if filtered := strategy.FilterByOrderBook(dir, analysis, mark); filtered != dir {
			m.logger.Info().Str("direction", string(dir)).Stringer("imbalance", analysis.Imbalance).
				Stringer("vwap", analysis.VWAP).Msg("Order book vetoed the signal")
			return nil
		}
	}

	return m.open(ctx, dir, mark, snaps)
}

// open runs OPENING: size, leverage, entry and both protective legs. Any
// failure rolls back to IDLE with no resting orders and no exposure.
func (m *Manager) open(ctx context.Context, dir strategy.Direction, mark decimal.Decimal, snaps []strategy.Snapshot) error {
	if err := m.transition(EvSignal); err != nil {
		return err
	}
	side := risk.Side(dir)

	precision, err := m.symbolPrecision(ctx)
	if err != nil {
		return m.failOpen(ctx, nil, err)
	}
	size, err := m.deps.Sizer.ComputeSize(m.account, m.mode(), mark, side, *precision)
	if err != nil {
		if risk.Unsizable(err) {
			m.logger.Warn().Err(err).Msg("Skipping entry, no order size fits the limits")
			return m.failOpen(ctx, nil, nil)
		}
		return m.failOpen(ctx, nil, fmt.Errorf("size position: %w", err))
	}
	if err := m.deps.Exchange.SetLeverage(ctx, m.cfg.Symbol, size.Leverage); err != nil {
		return m.failOpen(ctx, nil, fmt.Errorf("set leverage: %w", err))
	}

	pos := &trading.Position{
		ID:               uuid.New().String(),
		Symbol:           m.cfg.Symbol,
		Side:             side,
		Size:             size.Quantity,
		EntryPrice:       mark,
		Leverage:         size.Leverage,
		Margin:           size.Margin,
		PositionFraction: size.PositionFraction,
		SizingMode:       m.mode(),
		Status:           trading.StatusPending,
		OpenedAt:         m.now().UTC(),
		Signal:           trading.SignalContext{Direction: dir, Snapshots: snaps},
	}
	m.position = pos

	entryID, err := GenerateClientOrderID(pos.ID, LegEntry)
	if err != nil {
		return m.failOpen(ctx, pos, err)
	}
	res, err := m.deps.Exchange.PlaceOrder(ctx, binance.OrderSpec{
		Symbol:        m.cfg.Symbol,
		Side:          orderSide(side),
		Type:          binance.OrderTypeMarket,
		Quantity:      size.Quantity,
		ClientOrderID: entryID,
	})
	if err != nil {
		return m.failOpen(ctx, pos, fmt.Errorf("entry order: %w", err))
	}
	pos.EntryOrderID = res.OrderID
	if res.AvgPrice.IsPositive() {
		pos.EntryPrice = res.AvgPrice
	}
	if res.ExecutedQty.IsPositive() {
		pos.Size = res.ExecutedQty
	}
	pos.Margin = pos.Notional().Div(decimal.NewFromInt(int64(pos.Leverage)))
	m.publishOrder(res, entryID)

	// Targets follow the fill, not the pre-trade mark.
	tp, sl, err := m.deps.Sizer.Targets(pos.EntryPrice, side, pos.Leverage, precision.TickSize)
	if err != nil {
		return m.failOpen(ctx, pos, fmt.Errorf("derive targets: %w", err))
	}
	pos.TakeProfitPrice, pos.StopLossPrice = tp, sl

	if err := m.placeLegs(ctx, pos); err != nil {
		return m.failOpen(ctx, pos, err)
	}

	pos.Status = trading.StatusOpen
	if err := m.transition(EvOpened); err != nil {
		return err
	}
	m.deps.Limits.RegisterPositionOpen()
	m.resetReversal()
	if m.deps.Trailing != nil && m.deps.Trailing.Enabled() {
		m.deps.Trailing.AddPosition(pos.ID, pos.Side, pos.EntryPrice, pos.StopLossPrice)
	}
	if m.deps.Bus != nil {
		m.deps.Bus.PublishTradeOpened(pos.ID, pos.Symbol, string(pos.Side), pos.EntryPrice, pos.Size, pos.Leverage)
	}

	plog := logging.PositionContext(m.logger, pos.ID, pos.Symbol, string(pos.Side))
	plog.Info().
		Stringer("size", pos.Size).
		Stringer("entry", pos.EntryPrice).
		Stringer("take_profit", pos.TakeProfitPrice).
		Stringer("stop_loss", pos.StopLossPrice).
		Stringer("margin", pos.Margin).
		Int("leverage", pos.Leverage).
		Stringer("multiplier", size.Multiplier).
		Bool("floor_applied", size.FloorApplied).
		Msg("Position opened")

	m.saveLogged(ctx)
	return nil
}

// placeLegs places whichever of the TP and SL legs the position lacks.
func (m *Manager) placeLegs(ctx context.Context, pos *trading.Position) error {
	if pos.TakeProfitOrderID == 0 {
		id, err := m.placeProtective(ctx, pos, LegTakeProfit, pos.TakeProfitPrice)
		if err != nil {
			return fmt.Errorf("take profit order: %w", err)
		}
		pos.TakeProfitOrderID = id
	}
	if pos.StopLossOrderID == 0 {
		id, err := m.placeProtective(ctx, pos, LegStopLoss, pos.StopLossPrice)
		if err != nil {
			return fmt.Errorf("stop loss order: %w", err)
		}
		pos.StopLossOrderID = id
	}
	return nil
}

func (m *Manager) placeProtective(ctx context.Context, pos *trading.Position, leg LegType, stop decimal.Decimal) (int64, error) {
	orderType := binance.OrderTypeTakeProfitMarket
	if leg == LegStopLoss {
		orderType = binance.OrderTypeStopMarket
	}
	clientID, err := GenerateClientOrderID(pos.ID, leg)
	if err != nil {
		return 0, err
	}
	res, err := m.deps.Exchange.PlaceOrder(ctx, binance.OrderSpec{
		Symbol:        pos.Symbol,
		Side:          orderSide(pos.Side).Opposite(),
		Type:          orderType,
		StopPrice:     stop,
		ClosePosition: true,
		WorkingType:   binance.WorkingTypeMarkPrice,
		ClientOrderID: clientID,
	})
	if err != nil {
		return 0, err
	}
	m.publishOrder(res, clientID)
	return res.OrderID, nil
}

// failOpen rolls an OPENING attempt back to IDLE. Placed legs are cancelled
// and a filled entry is flattened and booked; exposure that survives a failed
// flatten is adopted on the next idle step.
func (m *Manager) failOpen(ctx context.Context, pos *trading.Position, cause error) error {
	var (
		cleanup []error
		flatten *binance.OrderResult
	)
	if pos != nil {
		for _, id := range []int64{pos.TakeProfitOrderID, pos.StopLossOrderID} {
			if id == 0 {
				continue
			}
			if err := m.deps.Exchange.CancelOrder(ctx, pos.Symbol, id); err != nil && !binance.IsNotFound(err) {
				cleanup = append(cleanup, fmt.Errorf("cancel order %d: %w", id, err))
			}
		}
		if pos.EntryOrderID != 0 {
			clientID, _ := GenerateClientOrderID(pos.ID, LegExit)
			res, err := m.deps.Exchange.PlaceOrder(ctx, binance.OrderSpec{
				Symbol:        pos.Symbol,
				Side:          orderSide(pos.Side).Opposite(),
				Type:          binance.OrderTypeMarket,
				Quantity:      pos.Size,
				ReduceOnly:    true,
				ClientOrderID: clientID,
			})
			switch {
			case err == nil:
				flatten = res
			case !isReduceOnlyRejected(err):
				cleanup = append(cleanup, fmt.Errorf("flatten entry: %w", err))
			}
			// The entry traded, so the next one waits out the cooldown.
			m.lastExit = m.now()
		}
	}
	if flatten != nil {
		m.bookRollback(ctx, pos, flatten)
	}

	m.position = nil
	if err := m.transition(EvOpenFailed); err != nil {
		return err
	}
	if flatten != nil {
		m.saveLogged(ctx)
	}
	if cause == nil {
		return nil
	}

	m.logger.Error().Err(cause).Errs("cleanup", cleanup).Msg("Open failed, rolled back to idle")
	if m.deps.Bus != nil {
		m.deps.Bus.PublishError("lifecycle", "open failed", cause)
	}
	if len(cleanup) > 0 {
		cause = errors.Join(cause, fmt.Errorf("%w: rollback incomplete: %w", ErrStateInconsistency, errors.Join(cleanup...)))
	}
	if pos != nil {
		return ordersSent(cause)
	}
	return cause
}

// bookRollback records the round trip of an entry flattened during a
// rollback so local capital follows the exchange wallet. Exchange fills are
// preferred; without them the cost is estimated from the flatten order.
func (m *Manager) bookRollback(ctx context.Context, pos *trading.Position, flatten *binance.OrderResult) {
	exit := flatten.AvgPrice
	if !exit.IsPositive() {
		exit = pos.EntryPrice
	}
	pnl := risk.GrossPnL(pos.Side, pos.EntryPrice, exit, pos.Size)
	fees := risk.TradeFees(pos.EntryPrice, exit, pos.Size, m.cfg.EntryFeeRate, m.cfg.ExitFeeRate)

	trades, err := m.deps.Exchange.GetTradeHistory(ctx, pos.Symbol, m.cfg.TradeHistoryLimit)
	if err != nil {
		m.logger.Warn().Err(err).Str("position_id", pos.ID).Msg("Trade history unavailable, estimating rollback cost")
	} else if fill := m.attributeFills(pos, trades); fill.exitQty.IsPositive() {
		exit = fill.exitValue.Div(fill.exitQty)
		pnl, fees = fill.realized, fill.commission
	}
	m.record(ctx, pos, trading.ExitOpenFailed, exit, pnl, fees)
}

// adopt takes over an exchange position the manager has no record of.
func (m *Manager) adopt(ctx context.Context, exch *binance.PositionRisk) error {
	side := sideOf(exch)
	lev := exch.Leverage
	if lev <= 0 {
		lev = m.deps.Sizer.Config().BaseLeverage
	}
	precision, err := m.symbolPrecision(ctx)
	if err != nil {
		return err
	}
	tp, sl, err := m.deps.Sizer.Targets(exch.EntryPrice, side, lev, precision.TickSize)
	if err != nil {
		return fmt.Errorf("derive targets: %w", err)
	}

	pos := &trading.Position{
		ID:              uuid.New().String(),
		Symbol:          m.cfg.Symbol,
		Side:            side,
		Size:            exch.Size(),
		EntryPrice:      exch.EntryPrice,
		TakeProfitPrice: tp,
		StopLossPrice:   sl,
		Leverage:        lev,
		SizingMode:      m.mode(),
		Status:          trading.StatusOpen,
		OpenedAt:        m.now().UTC(),
		Recovered:       true,
		Signal:          trading.SignalContext{Direction: strategy.Direction(side)},
	}
	pos.Margin = pos.Notional().Div(decimal.NewFromInt(int64(lev)))
	if m.account.Capital.IsPositive() {
		pos.PositionFraction = pos.Margin.Div(m.account.Capital)
	}

	// Protective orders of an unknown owner are replaced by fresh legs.
	if err := m.cancelLeftovers(ctx, nil); err != nil {
		m.logger.Warn().Err(err).Msg("Could not cancel stale protective orders")
	}

	m.position = pos
	if err := m.transition(EvRecoveredOpen); err != nil {
		return err
	}
	m.deps.Limits.RegisterPositionOpen()
	m.resetReversal()
	if m.deps.Trailing != nil && m.deps.Trailing.Enabled() {
		m.deps.Trailing.AddPosition(pos.ID, pos.Side, pos.EntryPrice, pos.StopLossPrice)
	}

	m.logger.Warn().
		Str("position_id", pos.ID).
		Str("side", string(pos.Side)).
		Stringer("size", pos.Size).
		Stringer("entry", pos.EntryPrice).
		Msg("Adopted exchange position")

	// A missing leg is retried by the next OPEN step.
	if err := m.placeLegs(ctx, pos); err != nil {
		m.logger.Error().Err(err).Msg("Failed to place protective orders for adopted position")
	}
	m.saveLogged(ctx)
	return nil
}

// cancelLeftovers cancels resting protective or bot orders that do not belong
// to keep. A nil keep cancels all of them.
func (m *Manager) cancelLeftovers(ctx context.Context, keep *trading.Position) error {
	open, err := m.deps.Exchange.GetOpenOrders(ctx, m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	var errs []error
	for _, o := range open {
		if !(o.ReduceOnly || o.ClosePosition || IsBotOrder(o.ClientOrderID)) {
			continue
		}
		if keep != nil && (o.OrderID == keep.TakeProfitOrderID || o.OrderID == keep.StopLossOrderID) {
			continue
		}
		if err := m.deps.Exchange.CancelOrder(ctx, m.cfg.Symbol, o.OrderID); err != nil && !binance.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("cancel order %d: %w", o.OrderID, err))
			continue
		}
		olog := logging.OrderContext(m.logger, o.OrderID, o.ClientOrderID, string(o.Type))
		olog.Info().Msg("Cancelled leftover order")
		if m.deps.Bus != nil {
			m.deps.Bus.Publish(eventOrderCancelled(m.cfg.Symbol, o))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) publishOrder(res *binance.OrderResult, clientID string) {
	if m.deps.Bus == nil || res == nil {
		return
	}
	qty := res.ExecutedQty
	if qty.IsZero() {
		qty = res.OrigQty
	}
	m.deps.Bus.PublishOrderPlaced(res.OrderID, clientID, res.Symbol, string(res.Type), string(res.Side), res.StopPrice, qty)
}

func (m *Manager) resetReversal() { m.reversalSince = time.Time{} }

func eventOrderCancelled(symbol string, o binance.OrderResult) events.Event {
	return events.Event{Type: events.EventOrderCancelled, Data: map[string]interface{}{
		"symbol":          symbol,
		"order_id":        o.OrderID,
		"client_order_id": o.ClientOrderID,
		"type":            string(o.Type),
	}}
}

package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/performance"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/session"
	"martingale-futures-bot/internal/strategy"
	"martingale-futures-bot/internal/trading"
)

const testSymbol = "BTCUSDT"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// trend builds n candles whose last close is end, moving by step per bar.
func trend(n int, end, step float64) []binance.Kline {
	klines := make([]binance.Kline, n)
	start := end - float64(n-1)*step
	for i := 0; i < n; i++ {
		c := start + float64(i)*step
		klines[i] = binance.Kline{
			OpenTime: int64(i) * 60000,
			Open:     decimal.NewFromFloat(c - step/2),
			High:     decimal.NewFromFloat(c + 0.5),
			Low:      decimal.NewFromFloat(c - 0.5),
			Close:    decimal.NewFromFloat(c),
			Volume:   decimal.NewFromInt(100),
		}
	}
	return klines
}

type harness struct {
	t        *testing.T
	feed     *binance.StaticPrices
	sim      *binance.SimulatedClient
	store    *session.FileStore
	dir      string
	trailing *risk.TrailingStopManager
	mgr      *Manager
}

type harnessOption func(*Config, *risk.TrailingConfig, *decimal.Decimal)

func withConfig(fn func(*Config)) harnessOption {
	return func(c *Config, _ *risk.TrailingConfig, _ *decimal.Decimal) { fn(c) }
}

func withTrailing() harnessOption {
	return func(_ *Config, tc *risk.TrailingConfig, _ *decimal.Decimal) { tc.Enabled = true }
}

func withCapital(v string) harnessOption {
	return func(_ *Config, _ *risk.TrailingConfig, c *decimal.Decimal) { *c = d(v) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	feed := binance.NewStaticPrices(map[string]decimal.Decimal{testSymbol: d("100")})
	sim := binance.NewSimulatedClient(binance.SimOptions{
		InitialBalance: d("1000"),
		FeeRate:        d("0.0004"),
		Precision: map[string]binance.SymbolPrecision{testSymbol: {
			TickSize:    d("0.01"),
			LotSize:     d("0.001"),
			MinQty:      d("0.001"),
			MinNotional: d("5"),
		}},
		Seed: 1,
	}, feed)
	dir := t.TempDir()
	h := &harness{t: t, feed: feed, sim: sim, dir: dir}
	h.setTrend(1)
	h.mgr = h.newManager(opts...)
	return h
}

// newManager builds a manager over the harness exchange and session dir, as
// a restarted process would.
func (h *harness) newManager(opts ...harnessOption) *Manager {
	h.t.Helper()
	cfg := DefaultConfig(testSymbol)
	cfg.Intervals = []string{"1m", "5m"}
	cfg.KlineLimit = 60
	cfg.EntryCooldown = 0
	cfg.ReversalCooldown = 0
	trailingCfg := risk.DefaultTrailingConfig()
	capital := d("1")
	for _, opt := range opts {
		opt(&cfg, &trailingCfg, &capital)
	}

	signalCfg := strategy.DefaultConfig()
	signalCfg.RSIUpper = 101
	signalCfg.RSILower = -1
	engine, err := strategy.NewEngine(signalCfg)
	require.NoError(h.t, err)
	sizer, err := risk.NewSizer(risk.DefaultSizerConfig())
	require.NoError(h.t, err)
	store, err := session.NewFileStore(h.dir)
	require.NoError(h.t, err)
	h.store = store
	h.trailing = risk.NewTrailingStopManager(trailingCfg, zerolog.Nop())

	mgr, err := NewManager(cfg, Deps{
		Exchange: h.sim,
		Signals:  engine,
		Sizer:    sizer,
		Limits:   risk.NewRiskManager(risk.LimitsConfig{}, zerolog.Nop()),
		Trailing: h.trailing,
		Store:    store,
		Tracker:  performance.NewTracker(capital),
	}, capital, zerolog.Nop())
	require.NoError(h.t, err)
	return mgr
}

// setTrend points every interval up (1) or down (-1), ending at price 100.
func (h *harness) setTrend(step float64) {
	for _, iv := range []string{"1m", "5m"} {
		h.sim.SetKlines(testSymbol, iv, trend(60, 100, step))
	}
}

func (h *harness) price(v string) { h.feed.SetPrice(testSymbol, d(v)) }

func (h *harness) step() {
	h.t.Helper()
	require.NoError(h.t, h.mgr.Step(context.Background()))
}

func (h *harness) openPositions() []binance.PositionRisk {
	h.t.Helper()
	p, err := h.sim.GetOpenPositions(context.Background(), testSymbol)
	require.NoError(h.t, err)
	return p
}

func (h *harness) openOrders() []binance.OrderResult {
	h.t.Helper()
	o, err := h.sim.GetOpenOrders(context.Background(), testSymbol)
	require.NoError(h.t, err)
	return o
}

// openLong reconciles and steps once into a 0.225 BTC long at 100.
func (h *harness) openLong() *trading.Position {
	h.t.Helper()
	require.NoError(h.t, h.mgr.Reconcile(context.Background()))
	h.step()
	st := h.mgr.Status()
	require.Equal(h.t, StateOpen, st.State)
	require.NotNil(h.t, st.OpenPosition)
	return st.OpenPosition
}

func TestManager_OpensWithProtectiveLegs(t *testing.T) {
	h := newHarness(t)
	pos := h.openLong()

	assert.Equal(t, risk.SideLong, pos.Side)
	assert.True(t, d("0.225").Equal(pos.Size), "size %s", pos.Size)
	assert.True(t, d("100").Equal(pos.EntryPrice))
	assert.True(t, d("101.33").Equal(pos.TakeProfitPrice), "tp %s", pos.TakeProfitPrice)
	assert.True(t, d("98.67").Equal(pos.StopLossPrice), "sl %s", pos.StopLossPrice)
	assert.True(t, d("0.3").Equal(pos.Margin), "margin %s", pos.Margin)
	assert.Equal(t, 75, pos.Leverage)
	assert.Equal(t, trading.StatusOpen, pos.Status)
	assert.Equal(t, strategy.Long, pos.Signal.Direction)
	assert.Len(t, pos.Signal.Snapshots, 2)

	orders := h.openOrders()
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.True(t, o.ClosePosition)
		assert.Equal(t, binance.SideSell, o.Side)
		assert.True(t, BelongsTo(o.ClientOrderID, pos.ID), o.ClientOrderID)
	}
	assert.Equal(t, binance.OrderTypeTakeProfitMarket, orders[0].Type)
	assert.Equal(t, binance.OrderTypeStopMarket, orders[1].Type)

	positions := h.openPositions()
	require.Len(t, positions, 1)
	assert.True(t, d("0.225").Equal(positions[0].PositionAmt))
}

func TestManager_TakeProfitFillClosesFromHistory(t *testing.T) {
	h := newHarness(t)
	pos := h.openLong()

	h.price("101.5")
	h.step()

	st := h.mgr.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.OpenPosition)

	trades := h.mgr.Trades()
	require.Len(t, trades, 1)
	rec := trades[0]
	assert.Equal(t, pos.ID, rec.PositionID)
	assert.Equal(t, trading.ExitTakeProfit, rec.ExitReason)
	assert.True(t, d("101.5").Equal(rec.ExitPrice), "exit %s", rec.ExitPrice)
	assert.True(t, d("0.3375").Equal(rec.RealizedPnl), "pnl %s", rec.RealizedPnl)
	assert.True(t, d("0.018135").Equal(rec.Fees), "fees %s", rec.Fees)
	assert.True(t, d("1.319365").Equal(st.Account.Capital), "capital %s", st.Account.Capital)
	assert.Equal(t, 1, st.Account.ConsecutiveWins)
	assert.Empty(t, h.openOrders())

	snap := h.mgr.Tracker().Snapshot()
	assert.Equal(t, 1, snap.TotalTrades)
	assert.Equal(t, 1, snap.Wins)
}

func TestManager_ClosesOnPnLTarget(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.CloseTargetPct = d("50") }))
	h.openLong()

	h.price("100.8")
	h.step()

	trades := h.mgr.Trades()
	require.Len(t, trades, 1)
	rec := trades[0]
	assert.Equal(t, trading.ExitTargetPnL, rec.ExitReason)
	assert.True(t, d("0.18").Equal(rec.RealizedPnl), "pnl %s", rec.RealizedPnl)
	assert.True(t, d("0.014256").Equal(rec.Fees), "fees %s", rec.Fees)
	assert.True(t, d("1.165744").Equal(rec.CapitalAfter), "capital %s", rec.CapitalAfter)
	assert.Empty(t, h.openPositions())
	assert.Empty(t, h.openOrders())
}

func TestManager_ClosesOnPnLStop(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.StopPct = d("50") }))
	h.openLong()

	h.price("99.2")
	h.step()

	trades := h.mgr.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, trading.ExitStopPnL, trades[0].ExitReason)
	assert.True(t, trades[0].RealizedPnl.IsNegative())
	assert.Equal(t, 1, h.mgr.Status().Account.ConsecutiveLosses)
}

func TestManager_ExternalCloseUsesTradeHistory(t *testing.T) {
	h := newHarness(t)
	h.openLong()

	h.price("99.5")
	require.NoError(t, h.sim.ClosePositionExternally(testSymbol))
	h.step()

	st := h.mgr.Status()
	assert.Equal(t, StateIdle, st.State)
	trades := h.mgr.Trades()
	require.Len(t, trades, 1)
	rec := trades[0]
	assert.Equal(t, trading.ExitExternal, rec.ExitReason)
	assert.True(t, d("-0.1125").Equal(rec.RealizedPnl), "pnl %s", rec.RealizedPnl)
	assert.True(t, d("0.017955").Equal(rec.Fees), "fees %s", rec.Fees)
	assert.True(t, d("0.869545").Equal(st.Account.Capital), "capital %s", st.Account.Capital)
	assert.Equal(t, 1, st.Account.ConsecutiveLosses)
}

func TestManager_ReversalClosesAfterCooldown(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.ReversalCooldown = time.Minute }))
	clock := time.Now()
	h.mgr.now = func() time.Time { return clock }
	h.openLong()

	h.sim.SetKlines(testSymbol, "5m", trend(60, 100, -1))
	h.step()
	assert.Equal(t, StateOpen, h.mgr.Status().State, "reversal must persist for the cooldown")

	clock = clock.Add(61 * time.Second)
	h.step()
	trades := h.mgr.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, trading.ExitReversal, trades[0].ExitReason)
	// Flat price: the trade loses exactly the fees.
	assert.True(t, d("0.014175").Equal(trades[0].Fees), "fees %s", trades[0].Fees)
	assert.True(t, trades[0].RealizedPnl.IsZero())
}

func TestManager_ReversalResetsWhenSignalRecovers(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.ReversalCooldown = time.Minute }))
	clock := time.Now()
	h.mgr.now = func() time.Time { return clock }
	h.openLong()

	h.sim.SetKlines(testSymbol, "5m", trend(60, 100, -1))
	h.step()
	h.setTrend(1)
	clock = clock.Add(30 * time.Second)
	h.step()
	h.sim.SetKlines(testSymbol, "5m", trend(60, 100, -1))
	clock = clock.Add(45 * time.Second)
	h.step()

	assert.Equal(t, StateOpen, h.mgr.Status().State)
	assert.Empty(t, h.mgr.Trades())
}

func TestManager_TrailingStopMovesAndFills(t *testing.T) {
	h := newHarness(t, withTrailing())
	pos := h.openLong()

	h.price("101")
	h.step()

	moved := h.mgr.Status().OpenPosition
	require.NotNil(t, moved)
	assert.True(t, d("99.99").Equal(moved.StopLossPrice), "stop %s", moved.StopLossPrice)
	assert.NotEqual(t, pos.StopLossOrderID, moved.StopLossOrderID)

	var stop *binance.OrderResult
	for _, o := range h.openOrders() {
		if o.Type == binance.OrderTypeStopMarket {
			o := o
			stop = &o
		}
	}
	require.NotNil(t, stop)
	assert.True(t, d("99.99").Equal(stop.StopPrice))
	require.Len(t, h.openOrders(), 2, "old stop must be cancelled")

	h.price("99.9")
	h.step()
	trades := h.mgr.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, trading.ExitTrailingStop, trades[0].ExitReason)
}

func TestManager_OpenFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Reconcile(context.Background()))
	balance := h.sim.Balance()

	h.sim.FailNextOrder(binance.OrderTypeStopMarket, &binance.ExchangeError{
		Kind: binance.KindRejected, Code: -2021, Op: "/fapi/v1/order", Message: "Order would immediately trigger.",
	})
	err := h.mgr.Step(context.Background())
	require.Error(t, err)
	assert.True(t, binance.IsRejected(err))
	assert.False(t, Retryable(err))

	st := h.mgr.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.OpenPosition)
	assert.Empty(t, h.openPositions(), "filled entry must be flattened")
	assert.Empty(t, h.openOrders(), "placed take profit must be cancelled")

	// The flatten round trip is booked, so local capital moves with the wallet.
	trades := h.mgr.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, trading.ExitOpenFailed, trades[0].ExitReason)
	assert.True(t, d("0.018").Equal(trades[0].Fees), "fees %s", trades[0].Fees)
	assert.True(t, d("1").Add(trades[0].NetPnl).Equal(st.Account.Capital), "capital %s", st.Account.Capital)
	walletDelta := h.sim.Balance().Sub(balance)
	assert.True(t, walletDelta.Equal(st.Account.Capital.Sub(d("1"))), "wallet moved %s", walletDelta)

	saved, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved.Trades, 1)

	// The next cycle opens normally.
	h.step()
	assert.Equal(t, StateOpen, h.mgr.Status().State)
}

func TestManager_SizesWithSizerMode(t *testing.T) {
	h := newHarness(t)
	sizerCfg := risk.DefaultSizerConfig()
	sizerCfg.Mode = risk.ModeAntiMartingale
	sizer, err := risk.NewSizer(sizerCfg)
	require.NoError(t, err)
	h.mgr.deps.Sizer = sizer

	pos := h.openLong()
	assert.Equal(t, risk.ModeAntiMartingale, pos.SizingMode)
}

func TestManager_SkipsEntryBelowNotionalFloor(t *testing.T) {
	h := newHarness(t, withCapital("0.01"))
	require.NoError(t, h.mgr.Reconcile(context.Background()))

	h.step()
	assert.Equal(t, StateIdle, h.mgr.Status().State)
	assert.Empty(t, h.openPositions())
}

func TestManager_ConcurrentStepsOpenOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Reconcile(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.mgr.Step(context.Background())
		}()
	}
	wg.Wait()

	positions := h.openPositions()
	require.Len(t, positions, 1)
	assert.True(t, d("0.225").Equal(positions[0].PositionAmt), "amt %s", positions[0].PositionAmt)
	assert.Len(t, h.openOrders(), 2)
	assert.Equal(t, StateOpen, h.mgr.Status().State)
}

func TestManager_CapitalEqualsInitialPlusNetOfTrades(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) {
		c.CloseTargetPct = d("40")
		c.StopPct = d("40")
	}))
	require.NoError(t, h.mgr.Reconcile(context.Background()))

	for _, exit := range []string{"100.7", "99.4", "99.3", "100.9", "101.2"} {
		h.price("100")
		h.step()
		require.Equal(t, StateOpen, h.mgr.Status().State)
		h.price(exit)
		h.step()
		require.Equal(t, StateIdle, h.mgr.Status().State)
	}

	st := h.mgr.Status()
	trades := h.mgr.Trades()
	require.Len(t, trades, 5)

	want := st.Account.InitialCapital
	for _, tr := range trades {
		want = want.Add(tr.RealizedPnl.Sub(tr.Fees))
		assert.True(t, tr.NetPnl.Equal(tr.RealizedPnl.Sub(tr.Fees)))
	}
	assert.True(t, want.Equal(st.Account.Capital), "capital %s want %s", st.Account.Capital, want)
	assert.Equal(t, 5, st.Account.TotalTrades)
	assert.True(t, st.Account.HighWaterMark.GreaterThanOrEqual(st.Account.Capital))
	assert.Equal(t, 0, min(st.Account.ConsecutiveWins, st.Account.ConsecutiveLosses))
}

func TestReconcile_ResumesStoredPosition(t *testing.T) {
	h := newHarness(t)
	before := h.openLong()

	restarted := h.newManager()
	require.NoError(t, restarted.Reconcile(context.Background()))

	st := restarted.Status()
	assert.Equal(t, StateOpen, st.State)
	require.NotNil(t, st.OpenPosition)
	assert.Equal(t, before.ID, st.OpenPosition.ID)
	assert.Equal(t, before.Side, st.OpenPosition.Side)
	assert.True(t, before.Size.Equal(st.OpenPosition.Size))
	assert.Equal(t, before.TakeProfitOrderID, st.OpenPosition.TakeProfitOrderID)
	assert.Equal(t, before.StopLossOrderID, st.OpenPosition.StopLossOrderID)
	assert.False(t, st.OpenPosition.Recovered)
	assert.Len(t, h.openOrders(), 2)

	// Reconciling again from the refreshed store is a no-op.
	again := h.newManager()
	require.NoError(t, again.Reconcile(context.Background()))
	assert.Equal(t, before.ID, again.Status().OpenPosition.ID)
	assert.Len(t, h.openOrders(), 2)
}

func TestReconcile_RestoresMissingLegs(t *testing.T) {
	h := newHarness(t)
	before := h.openLong()
	require.NoError(t, h.sim.CancelOrder(context.Background(), testSymbol, before.StopLossOrderID))

	restarted := h.newManager()
	require.NoError(t, restarted.Reconcile(context.Background()))

	pos := restarted.Status().OpenPosition
	require.NotNil(t, pos)
	assert.Equal(t, before.TakeProfitOrderID, pos.TakeProfitOrderID)
	assert.NotEqual(t, before.StopLossOrderID, pos.StopLossOrderID)
	assert.Len(t, h.openOrders(), 2)
}

func TestReconcile_AdoptsExchangeOnlyPosition(t *testing.T) {
	h := newHarness(t)
	before := h.openLong()

	h.dir = t.TempDir() // lose the session store
	restarted := h.newManager()
	require.NoError(t, restarted.Reconcile(context.Background()))

	st := restarted.Status()
	assert.Equal(t, StateOpen, st.State)
	require.NotNil(t, st.OpenPosition)
	assert.NotEqual(t, before.ID, st.OpenPosition.ID)
	assert.True(t, st.OpenPosition.Recovered)
	assert.True(t, before.Size.Equal(st.OpenPosition.Size))

	orders := h.openOrders()
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.True(t, BelongsTo(o.ClientOrderID, st.OpenPosition.ID), o.ClientOrderID)
	}
}

func TestReconcile_StoreOnlyPositionClosesFromHistory(t *testing.T) {
	h := newHarness(t)
	before := h.openLong()

	h.price("100.5")
	require.NoError(t, h.sim.ClosePositionExternally(testSymbol))

	restarted := h.newManager()
	require.NoError(t, restarted.Reconcile(context.Background()))

	st := restarted.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.OpenPosition)
	trades := restarted.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, before.ID, trades[0].PositionID)
	assert.Equal(t, trading.ExitExternal, trades[0].ExitReason)
	assert.True(t, d("0.1125").Equal(trades[0].RealizedPnl), "pnl %s", trades[0].RealizedPnl)
}

func TestReconcile_CancelsLeftoverOrdersWhenFlat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.sim.PlaceOrder(ctx, binance.OrderSpec{
		Symbol: testSymbol, Side: binance.SideSell, Type: binance.OrderTypeLimit,
		Quantity: d("0.1"), Price: d("120"), ClientOrderID: "MB-deadbeef-TP",
	})
	require.NoError(t, err)
	_, err = h.sim.PlaceOrder(ctx, binance.OrderSpec{
		Symbol: testSymbol, Side: binance.SideBuy, Type: binance.OrderTypeLimit,
		Quantity: d("0.1"), Price: d("80"), ClientOrderID: "manual-order",
	})
	require.NoError(t, err)

	require.NoError(t, h.mgr.Reconcile(ctx))

	orders := h.openOrders()
	require.Len(t, orders, 1, "only the foreign order survives")
	assert.Equal(t, "manual-order", orders[0].ClientOrderID)
}

func TestStep_StopsWhenTargetReached(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), &session.State{
		SessionID: "s-1",
		Symbol:    testSymbol,
		StartedAt: time.Now().UTC(),
		Account: risk.AccountState{
			InitialCapital: d("1"), Capital: d("3"), HighWaterMark: d("3"), TotalTrades: 4,
		},
	}))
	mgr := h.newManager()
	mgr.deps.Limits = risk.NewRiskManager(risk.LimitsConfig{TargetCapital: d("2")}, zerolog.Nop())

	require.NoError(t, mgr.Reconcile(context.Background()))
	err := mgr.Step(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, err, risk.ErrTargetReached)
	assert.NotEmpty(t, mgr.Status().Stopped)
	assert.Empty(t, h.openPositions())
}

func TestNewManager_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := NewManager(Config{}, h.mgr.deps, d("1"), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewManager(DefaultConfig(testSymbol), Deps{}, d("1"), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewManager(DefaultConfig(testSymbol), h.mgr.deps, d("0"), zerolog.Nop())
	assert.Error(t, err)
}

package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/circuit"
	"martingale-futures-bot/internal/events"
	"martingale-futures-bot/internal/numeric"
	"martingale-futures-bot/internal/performance"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/session"
	"martingale-futures-bot/internal/strategy"
	"martingale-futures-bot/internal/trading"
)

// ErrStopped is returned by Step once a session stop condition was reached.
var ErrStopped = errors.New("trading session stopped")

// TradeArchive receives every closed trade. Satisfied by the Postgres repository.
type TradeArchive interface {
	Insert(ctx context.Context, rec trading.TradeRecord) error
}

// Config holds the lifecycle settings for one symbol.
type Config struct {
	Symbol             string                   `json:"symbol" env:"SYMBOL"`
	Intervals          []string                 `json:"intervals" env:"INTERVALS"`
	KlineLimit         int                      `json:"kline_limit" env:"KLINE_LIMIT"`
	CloseTargetPct     decimal.Decimal          `json:"close_target_pct" env:"CLOSE_TARGET_PCT"` // PnL % on margin, zero disables
	StopPct            decimal.Decimal          `json:"stop_pct" env:"STOP_PCT"`                 // PnL % on margin, zero disables
	ReversalCooldown   time.Duration            `json:"reversal_cooldown" env:"REVERSAL_COOLDOWN"`
	EntryCooldown      time.Duration            `json:"entry_cooldown" env:"ENTRY_COOLDOWN"`
	EntryFeeRate       decimal.Decimal          `json:"entry_fee_rate" env:"ENTRY_FEE_RATE"`
	ExitFeeRate        decimal.Decimal          `json:"exit_fee_rate" env:"EXIT_FEE_RATE"`
	UseOrderBookFilter bool                     `json:"use_order_book_filter" env:"USE_ORDER_BOOK_FILTER"`
	OrderBook          strategy.OrderBookConfig `json:"order_book" envPrefix:"ORDER_BOOK_"`
	TradeHistoryLimit  int                      `json:"trade_history_limit" env:"TRADE_HISTORY_LIMIT"`
}

// DefaultConfig returns the lifecycle defaults for symbol.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:            symbol,
		Intervals:         []string{"1m", "5m", "15m"},
		KlineLimit:        100,
		ReversalCooldown:  30 * time.Second,
		EntryCooldown:     5 * time.Second,
		EntryFeeRate:      decimal.RequireFromString("0.00018"),
		ExitFeeRate:       decimal.RequireFromString("0.00045"),
		OrderBook:         strategy.DefaultOrderBookConfig(),
		TradeHistoryLimit: 50,
	}
}

// Validate rejects settings the manager cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if len(c.Intervals) == 0 {
		errs = append(errs, errors.New("at least one interval is required"))
	}
	if c.KlineLimit <= 0 {
		errs = append(errs, errors.New("kline_limit must be positive"))
	}
	if c.CloseTargetPct.IsNegative() || c.StopPct.IsNegative() {
		errs = append(errs, errors.New("close_target_pct and stop_pct must not be negative"))
	}
	if c.EntryFeeRate.IsNegative() || c.ExitFeeRate.IsNegative() {
		errs = append(errs, errors.New("fee rates must not be negative"))
	}
	if c.ReversalCooldown < 0 || c.EntryCooldown < 0 {
		errs = append(errs, errors.New("cooldowns must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", numeric.ErrInvalidParameter, errors.Join(errs...))
	}
	return nil
}

// Deps are the collaborators the manager drives. Trailing, Breaker, Archive
// and Bus are optional.
type Deps struct {
	Exchange binance.ExchangeClient
	Signals  *strategy.Engine
	Sizer    *risk.Sizer
	Limits   *risk.RiskManager
	Trailing *risk.TrailingStopManager
	Breaker  *circuit.CircuitBreaker
	Store    session.Store
	Archive  TradeArchive
	Tracker  *performance.Tracker
	Bus      *events.EventBus
}

// Status is a point-in-time view of the manager.
type Status struct {
	SessionID    string            `json:"session_id"`
	Symbol       string            `json:"symbol"`
	State        State             `json:"state"`
	Account      risk.AccountState `json:"account"`
	OpenPosition *trading.Position `json:"open_position,omitempty"`
	TradeCount   int               `json:"trade_count"`
	StartedAt    time.Time         `json:"started_at"`
	Stopped      string            `json:"stopped,omitempty"`
}

// Manager owns the lifecycle of the single position on its symbol. Every
// public method holds the lock for its whole duration, so concurrent callers
// can never both open or both close.
type Manager struct {
	cfg  Config
	deps Deps

	mu            sync.Mutex
	state         State
	account       risk.AccountState
	position      *trading.Position
	trades        []trading.TradeRecord
	sessionID     string
	startedAt     time.Time
	precision     *binance.SymbolPrecision
	memory        *strategy.MarketMemory
	lastExit      time.Time // last time a position left the exchange
	reversalSince time.Time
	stopErr       error

	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a manager starting from initialCapital. Reconcile must
// run before the first Step.
func NewManager(cfg Config, deps Deps, initialCapital decimal.Decimal, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Exchange == nil || deps.Signals == nil || deps.Sizer == nil || deps.Limits == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: exchange, signals, sizer, limits and store are required", numeric.ErrInvalidParameter)
	}
	if !initialCapital.IsPositive() {
		return nil, fmt.Errorf("%w: initial capital must be positive, got %s", numeric.ErrInvalidParameter, initialCapital)
	}
	if deps.Tracker == nil {
		deps.Tracker = performance.NewTracker(initialCapital)
	}

	m := &Manager{
		cfg:       cfg,
		deps:      deps,
		state:     StateIdle,
		account:   risk.NewAccountState(initialCapital),
		sessionID: uuid.New().String(),
		memory:    strategy.NewMarketMemory(),
		now:       time.Now,
		logger:    logger.With().Str("component", "lifecycle").Str("symbol", cfg.Symbol).Logger(),
	}
	m.startedAt = m.now().UTC()
	return m, nil
}

// Step runs one polling cycle.
func (m *Manager) Step(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopErr != nil {
		return m.stopErr
	}

	switch m.state {
	case StateIdle:
		return m.stepIdle(ctx)
	case StateOpen:
		return m.stepOpen(ctx)
	default:
		// OPENING, CLOSING and CLOSED never outlive the step that entered them.
		return fmt.Errorf("%w: step started in %s", ErrStateInconsistency, m.state)
	}
}

// Flush saves the current state to the session store.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(ctx)
}

// Status returns a copy of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		SessionID:    m.sessionID,
		Symbol:       m.cfg.Symbol,
		State:        m.state,
		Account:      m.account,
		OpenPosition: m.position.Clone(),
		TradeCount:   len(m.trades),
		StartedAt:    m.startedAt,
	}
	if m.stopErr != nil {
		st.Stopped = m.stopErr.Error()
	}
	return st
}

// Trades returns the closed trades of the session, oldest first.
func (m *Manager) Trades() []trading.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]trading.TradeRecord(nil), m.trades...)
}

// Tracker returns the performance tracker fed by the manager.
func (m *Manager) Tracker() *performance.Tracker { return m.deps.Tracker }

// Stopped returns the stop condition, if any.
func (m *Manager) Stopped() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopErr
}

func (m *Manager) transition(ev Event) error {
	next, err := Transition(m.state, ev)
	if err != nil {
		m.logger.Error().Err(err).Msg("Rejected state transition")
		return err
	}
	m.logger.Debug().Str("from", string(m.state)).Str("to", string(next)).Str("event", string(ev)).Msg("State transition")
	if m.deps.Bus != nil {
		m.deps.Bus.PublishStateChanged(m.cfg.Symbol, string(m.state), string(next), string(ev))
	}
	m.state = next
	return nil
}

func (m *Manager) stop(reason error) {
	if m.stopErr != nil {
		return
	}
	m.stopErr = fmt.Errorf("%w: %w", ErrStopped, reason)
	m.logger.Warn().Err(reason).Stringer("capital", m.account.Capital).Stringer("savings", m.account.Savings).
		Int("trades", m.account.TotalTrades).Msg("Stop condition reached")
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{
			"symbol": m.cfg.Symbol,
			"reason": reason.Error(),
		}})
	}
}

func (m *Manager) snapshot() *session.State {
	return &session.State{
		SessionID:    m.sessionID,
		Symbol:       m.cfg.Symbol,
		StartedAt:    m.startedAt,
		SavedAt:      m.now().UTC(),
		Account:      m.account,
		OpenPosition: m.position.Clone(),
		Trades:       append([]trading.TradeRecord(nil), m.trades...),
	}
}

func (m *Manager) save(ctx context.Context) error {
	if err := m.deps.Store.Save(ctx, m.snapshot()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// saveLogged persists state after a transition; failures are logged and
// retried implicitly by the next save.
func (m *Manager) saveLogged(ctx context.Context) {
	if err := m.save(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to save session state")
	}
}

func (m *Manager) symbolPrecision(ctx context.Context) (*binance.SymbolPrecision, error) {
	if m.precision != nil {
		return m.precision, nil
	}
	p, err := m.deps.Exchange.GetSymbolPrecision(ctx, m.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol precision: %w", err)
	}
	m.precision = p
	return p, nil
}

// evaluate fetches candles for every interval and scores them against mark.
func (m *Manager) evaluate(ctx context.Context, mark decimal.Decimal) ([]strategy.Snapshot, error) {
	snaps := make([]strategy.Snapshot, 0, len(m.cfg.Intervals))
	for _, interval := range m.cfg.Intervals {
		klines, err := m.deps.Exchange.GetKlines(ctx, m.cfg.Symbol, interval, m.cfg.KlineLimit)
		if err != nil {
			return nil, fmt.Errorf("klines %s: %w", interval, err)
		}
		snaps = append(snaps, m.deps.Signals.Evaluate(interval, klines, mark))
	}
	return snaps, nil
}

func (m *Manager) publishSignal(dir strategy.Direction, snaps []strategy.Snapshot) {
	if m.deps.Bus == nil {
		return
	}
	per := make(map[string]string, len(snaps))
	for _, s := range snaps {
		per[s.Interval] = string(s.Direction)
	}
	m.deps.Bus.PublishSignal(m.cfg.Symbol, string(dir), per)
}

// exchangePosition returns the open exchange position on the symbol, if any.
func (m *Manager) exchangePosition(ctx context.Context) (*binance.PositionRisk, error) {
	positions, err := m.deps.Exchange.GetOpenPositions(ctx, m.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	for i := range positions {
		if positions[i].Symbol == m.cfg.Symbol && positions[i].IsOpen() {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// mode is owned by the sizer so live trading and replays size alike.
func (m *Manager) mode() risk.Mode { return m.deps.Sizer.Config().Mode }

func orderSide(side risk.Side) binance.OrderSide {
	if side == risk.SideShort {
		return binance.SideSell
	}
	return binance.SideBuy
}

func sideOf(p *binance.PositionRisk) risk.Side {
	if p.IsLong() {
		return risk.SideLong
	}
	return risk.SideShort
}

func isReduceOnlyRejected(err error) bool {
	var ee *binance.ExchangeError
	return errors.As(err, &ee) && ee.Code == -2022
}

// ordersSentError marks a step failure that happened after orders reached the
// exchange. Running the step again could send them twice.
type ordersSentError struct{ err error }

func (e *ordersSentError) Error() string { return e.err.Error() }
func (e *ordersSentError) Unwrap() error { return e.err }

func ordersSent(err error) error {
	if err == nil {
		return nil
	}
	return &ordersSentError{err: err}
}

// Retryable reports whether a failed Step may be repeated in the same cycle:
// the cause is transient and no order was sent before it.
func Retryable(err error) bool {
	var sent *ordersSentError
	return binance.IsTransient(err) && !errors.As(err, &sent)
}

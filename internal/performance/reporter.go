package performance

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultReportSchedule logs a report at the top of every hour.
const DefaultReportSchedule = "0 * * * *"

// Reporter logs tracker snapshots on a cron schedule.
type Reporter struct {
	tracker *Tracker
	cron    *cron.Cron
	logger  zerolog.Logger
}

// NewReporter schedules a report using a standard five-field cron spec.
func NewReporter(tracker *Tracker, schedule string, logger zerolog.Logger) (*Reporter, error) {
	if schedule == "" {
		schedule = DefaultReportSchedule
	}
	r := &Reporter{
		tracker: tracker,
		cron:    cron.New(),
		logger:  logger.With().Str("component", "performance_reporter").Logger(),
	}
	if _, err := r.cron.AddFunc(schedule, r.Report); err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the schedule in the background.
func (r *Reporter) Start() {
	r.cron.Start()
	r.logger.Info().Msg("Performance reporter started")
}

// Stop halts the schedule and waits for a running report.
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Performance reporter stopped")
}

// Report logs the current snapshot.
func (r *Reporter) Report() {
	s := r.tracker.Snapshot()
	r.logger.Info().
		Int("trades", s.TotalTrades).
		Int("wins", s.Wins).
		Int("losses", s.Losses).
		Stringer("win_rate", s.WinRate.Round(2)).
		Stringer("net_pnl", s.NetPnL).
		Stringer("fees", s.TotalFees).
		Stringer("equity", s.Equity).
		Stringer("max_drawdown_pct", s.MaxDrawdownPct.Round(2)).
		Stringer("profit_factor", s.ProfitFactor.Round(4)).
		Float64("sharpe", s.SharpeRatio).
		Float64("sortino", s.SortinoRatio).
		Int("max_loss_streak", s.MaxLossStreak).
		Msg("Performance report")
}

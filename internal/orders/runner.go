package orders

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"martingale-futures-bot/internal/events"
	"martingale-futures-bot/internal/logging"
)

// RunnerConfig controls the polling loop.
type RunnerConfig struct {
	PollInterval  time.Duration `json:"poll_interval" env:"POLL_INTERVAL"`
	MaxRetries    uint64        `json:"max_retries" env:"MAX_RETRIES"`
	RetryInterval time.Duration `json:"retry_interval" env:"RETRY_INTERVAL"`
	MaxRetryWait  time.Duration `json:"max_retry_wait" env:"MAX_RETRY_WAIT"`
	FlushTimeout  time.Duration `json:"flush_timeout" env:"FLUSH_TIMEOUT"`
}

// DefaultRunnerConfig polls every 2s and retries a failing cycle 3 times.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:  2 * time.Second,
		MaxRetries:    3,
		RetryInterval: time.Second,
		MaxRetryWait:  10 * time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Runner drives a Manager on a ticker until the context is cancelled or a
// stop condition is reached.
type Runner struct {
	manager *Manager
	cfg     RunnerConfig
	bus     *events.EventBus
	logger  zerolog.Logger
}

// NewRunner creates a runner; bus may be nil.
func NewRunner(manager *Manager, cfg RunnerConfig, bus *events.EventBus, logger zerolog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultRunnerConfig().FlushTimeout
	}
	return &Runner{
		manager: manager,
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With().Str("component", "runner").Logger(),
	}
}

// Run reconciles, then steps the manager every PollInterval. State is always
// flushed on return. A stop condition returns an error wrapping ErrStopped;
// cancellation returns nil.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() {
		if ferr := r.flush(); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()

	if err := r.retry(ctx, r.manager.Reconcile); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reconcile: %w", err)
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{
			"symbol": r.manager.cfg.Symbol,
		}})
	}
	r.logger.Info().Dur("poll_interval", r.cfg.PollInterval).Msg("Trading loop started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.cycle(ctx); errors.Is(err, ErrStopped) {
			r.logger.Info().Err(err).Msg("Trading loop finished")
			return err
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Trading loop cancelled")
			return nil
		case <-ticker.C:
		}
	}
}

// cycle is the error boundary of one iteration. Nothing escapes it except
// the stop condition.
func (r *Runner) cycle(ctx context.Context) (err error) {
	ctx, log := logging.WithTraceContext(ctx, r.logger)
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Recovered panic in trading cycle")
			err = nil
		}
	}()

	err = r.retry(ctx, r.manager.Step)
	switch {
	case err == nil, errors.Is(err, ErrStopped):
		return err
	case ctx.Err() != nil:
		return nil
	}
	log.Error().Err(err).Msg("Trading cycle failed")
	if r.bus != nil {
		r.bus.PublishError("runner", "trading cycle failed", err)
	}
	return nil
}

// retry runs op with bounded exponential backoff. Only transient failures
// that sent no orders are retried.
func (r *Runner) retry(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	if r.cfg.RetryInterval > 0 {
		policy.InitialInterval = r.cfg.RetryInterval
	}
	if r.cfg.MaxRetryWait > 0 {
		policy.MaxInterval = r.cfg.MaxRetryWait
	}

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("Transient error, retrying")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, r.cfg.MaxRetries), ctx))
}

func (r *Runner) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()
	if err := r.manager.Flush(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Failed to flush session state")
		return err
	}
	r.logger.Info().Msg("Session state flushed")
	return nil
}

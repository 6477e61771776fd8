// Package session persists the bot state so a restart resumes where the
// previous run stopped.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/trading"
)

// ErrNoState is returned by Load when nothing has been saved yet.
var ErrNoState = errors.New("no saved session state")

// State is everything needed to resume a session.
type State struct {
	SessionID    string                `json:"session_id"`
	Symbol       string                `json:"symbol"`
	StartedAt    time.Time             `json:"started_at"`
	SavedAt      time.Time             `json:"saved_at"`
	Account      risk.AccountState     `json:"account"`
	OpenPosition *trading.Position     `json:"open_position,omitempty"`
	Trades       []trading.TradeRecord `json:"trades"`
}

// Store loads and saves session state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// MultiStore writes to a primary store and any number of mirrors. Load
// returns the first store that has state, primary first.
type MultiStore struct {
	primary Store
	mirrors []Store
	logger  zerolog.Logger
}

// NewMultiStore creates a store fanning out to mirrors.
func NewMultiStore(primary Store, logger zerolog.Logger, mirrors ...Store) *MultiStore {
	return &MultiStore{
		primary: primary,
		mirrors: mirrors,
		logger:  logger.With().Str("component", "session_store").Logger(),
	}
}

// Load returns the first saved state found.
func (m *MultiStore) Load(ctx context.Context) (*State, error) {
	var errs []error
	for _, s := range m.all() {
		state, err := s.Load(ctx)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, ErrNoState) {
			m.logger.Warn().Err(err).Msg("Session store load failed, trying next")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrNoState}, errs...)...)
	}
	return nil, ErrNoState
}

// Save writes to the primary store and then every mirror. A mirror failure
// is logged; only a primary failure is returned.
func (m *MultiStore) Save(ctx context.Context, state *State) error {
	if err := m.primary.Save(ctx, state); err != nil {
		return err
	}
	for _, s := range m.mirrors {
		if err := s.Save(ctx, state); err != nil {
			m.logger.Warn().Err(err).Msg("Session mirror save failed")
		}
	}
	return nil
}

func (m *MultiStore) all() []Store {
	return append([]Store{m.primary}, m.mirrors...)
}

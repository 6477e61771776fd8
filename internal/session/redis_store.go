package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"martingale-futures-bot/internal/trading"
)

// Redis key prefixes
const (
	// SessionKeyPrefix format: mfb:session:{symbol}
	SessionKeyPrefix = "mfb:session"

	// TradesKeyPrefix format: mfb:trades:{symbol}
	TradesKeyPrefix = "mfb:trades"

	// DefaultSessionTTL keeps hot state for a week
	DefaultSessionTTL = 7 * 24 * time.Hour
)

// RedisStore keeps the hot session state in Redis with an in-memory fallback
// when Redis is unreachable. The trade history is also appended to a list so
// other processes can tail it.
type RedisStore struct {
	client         redis.UniversalClient
	symbol         string
	ttl            time.Duration
	logger         zerolog.Logger
	redisAvailable atomic.Bool

	mu       sync.RWMutex
	inMemory *State
	pushed   map[string]bool // position ids already on the trades list
}

// NewRedisStore creates a store for symbol. A nil client runs memory-only.
func NewRedisStore(client redis.UniversalClient, symbol string, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &RedisStore{
		client: client,
		symbol: symbol,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_session").Str("symbol", symbol).Logger(),
		pushed: make(map[string]bool),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory state")
		} else {
			s.redisAvailable.Store(true)
		}
	}
	return s
}

// Available reports whether Redis is currently used.
func (s *RedisStore) Available() bool {
	return s.client != nil && s.redisAvailable.Load()
}

func (s *RedisStore) sessionKey() string { return fmt.Sprintf("%s:%s", SessionKeyPrefix, s.symbol) }
func (s *RedisStore) tradesKey() string  { return fmt.Sprintf("%s:%s", TradesKeyPrefix, s.symbol) }

// Save writes the state to memory and, when reachable, to Redis.
func (s *RedisStore) Save(ctx context.Context, state *State) error {
	if state == nil {
		return errors.New("cannot save nil session state")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	s.mu.Lock()
	cp, err := Unmarshal(data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.inMemory = cp
	newTrades := s.unpushedLocked(state.Trades)
	s.mu.Unlock()

	if !s.Available() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(), data, s.ttl)
	for _, t := range newTrades {
		encoded, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trade record: %w", err)
		}
		pipe.RPush(ctx, s.tradesKey(), encoded)
	}
	pipe.Expire(ctx, s.tradesKey(), s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save session to Redis, using in-memory state")
		s.redisAvailable.Store(false)
		s.mu.Lock()
		for _, t := range newTrades {
			delete(s.pushed, t.PositionID)
		}
		s.mu.Unlock()
		return nil
	}
	return nil
}

func (s *RedisStore) unpushedLocked(trades []trading.TradeRecord) []trading.TradeRecord {
	var out []trading.TradeRecord
	for _, t := range trades {
		if !s.pushed[t.PositionID] {
			s.pushed[t.PositionID] = true
			out = append(out, t)
		}
	}
	return out
}

// Load reads the state from Redis, falling back to memory.
func (s *RedisStore) Load(ctx context.Context) (*State, error) {
	if s.Available() {
		data, err := s.client.Get(ctx, s.sessionKey()).Bytes()
		switch {
		case err == nil:
			state, err := Unmarshal(data)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			for _, t := range state.Trades {
				s.pushed[t.PositionID] = true
			}
			s.mu.Unlock()
			return state, nil
		case errors.Is(err, redis.Nil):
		default:
			s.logger.Warn().Err(err).Msg("Redis read failed, using in-memory state")
			s.redisAvailable.Store(false)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inMemory == nil {
		return nil, ErrNoState
	}
	data, err := json.Marshal(s.inMemory)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Trades returns the trades list from Redis, newest last.
func (s *RedisStore) Trades(ctx context.Context, limit int64) ([]trading.TradeRecord, error) {
	if !s.Available() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.inMemory == nil {
			return nil, nil
		}
		trades := s.inMemory.Trades
		if limit > 0 && int64(len(trades)) > limit {
			trades = trades[int64(len(trades))-limit:]
		}
		return append([]trading.TradeRecord(nil), trades...), nil
	}

	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := s.client.LRange(ctx, s.tradesKey(), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read trades list: %w", err)
	}
	out := make([]trading.TradeRecord, 0, len(raw))
	for _, r := range raw {
		var t trading.TradeRecord
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("decode trade record: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

package binance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a controllable time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(clock *fakeClock) *RateLimiter {
	r := NewRateLimiter(zerolog.Nop())
	r.now = clock.Now
	return r
}

func TestRateLimiter_BanBlocksUntilExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newTestLimiter(clock)

	require.NoError(t, r.WaitForSlot(context.Background(), "/fapi/v1/klines"))

	r.RecordRateLimitError(0)
	assert.True(t, r.IsBanned())
	assert.Equal(t, clock.t.Add(defaultBanDuration), r.BanUntil())

	err := r.WaitForSlot(context.Background(), "/fapi/v1/klines")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	clock.Advance(defaultBanDuration + time.Second)
	assert.False(t, r.IsBanned())
	assert.NoError(t, r.WaitForSlot(context.Background(), "/fapi/v1/klines"))
}

func TestRateLimiter_ExchangeSuppliedBanUntil(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newTestLimiter(clock)

	until := clock.t.Add(7 * time.Minute)
	r.RecordRateLimitError(until.UnixMilli())
	assert.Equal(t, until.UnixMilli(), r.BanUntil().UnixMilli())
}

func TestRateLimiter_BackoffGrowsWithConsecutiveErrors(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newTestLimiter(clock)

	r.RecordRateLimitError(0)
	first := r.BanUntil().Sub(clock.t)
	r.RecordRateLimitError(0)
	second := r.BanUntil().Sub(clock.t)

	assert.Greater(t, second, first)
	for i := 0; i < 10; i++ {
		r.RecordRateLimitError(0)
	}
	assert.LessOrEqual(t, r.BanUntil().Sub(clock.t), maxBanBackoff)
}

func TestParseBanUntilFromError(t *testing.T) {
	future := time.Now().Add(5 * time.Minute).UnixMilli()

	tests := []struct {
		name string
		msg  string
		want int64
	}{
		{"binance message", fmt.Sprintf("Way too many requests; IP banned until %d. Please use websocket.", future), future},
		{"no timestamp", "Too many requests", 0},
		{"timestamp in the past", "IP banned until 1000", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBanUntilFromError(tt.msg); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

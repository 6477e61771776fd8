package binance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxWeight   = 2400 // per minute for futures
	defaultBanDuration = time.Minute
	maxBanBackoff      = 30 * time.Minute
	weightWindow       = time.Minute
)

// Endpoint weights for Binance Futures API
var endpointWeights = map[string]int{
	"/fapi/v2/balance":      5,
	"/fapi/v2/positionRisk": 5,
	"/fapi/v1/order":        1,
	"/fapi/v1/openOrders":   1,
	"/fapi/v1/userTrades":   5,
	"/fapi/v1/leverage":     1,
	"/fapi/v1/klines":       5,
	"/fapi/v1/depth":        5,
	"/fapi/v1/premiumIndex": 1,
	"/fapi/v1/exchangeInfo": 1,
}

func getEndpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// RateLimiter tracks request weight and the exchange ban window. While the ban
// window is open no request may be sent.
type RateLimiter struct {
	mu sync.Mutex

	banUntil          time.Time
	consecutiveErrors int

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	now    func() time.Time
	logger zerolog.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		maxWeight: defaultMaxWeight,
		now:       time.Now,
		logger:    logger.With().Str("component", "RateLimiter").Logger(),
	}
}

// BanUntil returns the end of the current ban window, zero when none.
func (r *RateLimiter) BanUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Before(r.banUntil) {
		return r.banUntil
	}
	return time.Time{}
}

// IsBanned reports whether requests are currently blocked.
func (r *RateLimiter) IsBanned() bool {
	return !r.BanUntil().IsZero()
}

// RecordRateLimitError opens the ban window. banUntilMs is the exchange supplied
// unban timestamp; when zero the window grows exponentially from one minute.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	now := r.now()

	until := time.UnixMilli(banUntilMs)
	if banUntilMs == 0 || !until.After(now) {
		backoff := defaultBanDuration * time.Duration(1<<uint(min(r.consecutiveErrors-1, 5)))
		if backoff > maxBanBackoff {
			backoff = maxBanBackoff
		}
		until = now.Add(backoff)
	}
	if until.After(r.banUntil) {
		r.banUntil = until
	}

	r.logger.Warn().
		Time("ban_until", r.banUntil).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("Rate limited by exchange, requests blocked until ban window elapses")
}

// RecordRequest adds the endpoint weight to the current window and resets the
// error streak.
func (r *RateLimiter) RecordRequest(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollWindowLocked()
	r.currentWeight += getEndpointWeight(endpoint)
	r.consecutiveErrors = 0
}

// UpdateFromHeaders syncs the weight counter with X-MBX-USED-WEIGHT-1M.
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollWindowLocked()
	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}
}

func (r *RateLimiter) rollWindowLocked() {
	now := r.now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(weightWindow)
	}
}

// WaitForSlot blocks until the endpoint fits in the weight budget. It fails
// immediately with a rate limited error while the ban window is open, so a
// caller never sends a request before the ban elapses.
func (r *RateLimiter) WaitForSlot(ctx context.Context, endpoint string) error {
	weight := getEndpointWeight(endpoint)
	for {
		r.mu.Lock()
		now := r.now()
		if now.Before(r.banUntil) {
			until := r.banUntil
			r.mu.Unlock()
			return rateLimitedError(endpoint, fmt.Sprintf("banned until %d", until.UnixMilli()))
		}
		r.rollWindowLocked()
		if r.currentWeight+weight <= r.maxWeight*95/100 {
			r.mu.Unlock()
			return nil
		}
		wait := r.weightResetAt.Sub(now)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return transportError(endpoint, ctx.Err())
		case <-time.After(wait):
		}
	}
}

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntilFromError extracts the unban timestamp from
// "Way too many requests; IP banned until 1766824120342". Zero when absent.
func ParseBanUntilFromError(errMsg string) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if m == nil {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}

	// Sanity check - should be a millisecond timestamp in the future
	if banUntil > time.Now().UnixMilli() && banUntil < time.Now().Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"

	"github.com/thc1006/flakeguard-sub004/internal/metrics"
)

// Primary rate limiter tuning.
const (
	// rateFloorFraction of the limit is reserved for critical traffic;
	// everything else waits for the reset once inside the reserve.
	rateFloorFraction = 0.10
	// rateThrottleFraction is where proactive slowdown starts.
	rateThrottleFraction = 0.20
	// maxThrottleDelay caps one proactive delay.
	maxThrottleDelay = 60 * time.Second
	// maxResetWait caps one wait for the limit window to reset; retries
	// wait again if the window has not turned over yet.
	maxResetWait = 60 * time.Second
)

// rateLimiter tracks the primary limit from response headers. Writes
// happen under the mutex; delayBefore takes a snapshot and computes
// without holding it.
type rateLimiter struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
}

// observe folds one response's x-ratelimit-* headers into the tracker.
// Responses without them (artifact hosts, 304s from caches) are ignored.
func (rl *rateLimiter) observe(h http.Header) {
	limit := headerInt(h, "x-ratelimit-limit")
	if limit <= 0 {
		return
	}
	remaining := headerInt(h, "x-ratelimit-remaining")
	if remaining < 0 {
		remaining = 0
	}
	var resetAt time.Time
	if sec := headerInt64(h, "x-ratelimit-reset"); sec > 0 {
		resetAt = time.Unix(sec, 0)
	}

	rl.mu.Lock()
	rl.limit = limit
	rl.remaining = remaining
	rl.resetAt = resetAt
	rl.mu.Unlock()

	metrics.RateLimitRemaining.Set(float64(remaining))
}

// snapshot returns the current view without locking callers into the
// mutex.
func (rl *rateLimiter) snapshot() (limit, remaining int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limit, rl.remaining, rl.resetAt
}

// delayBefore returns how long a request should hold back before
// going out. Critical traffic rides the reserved floor and is never
// delayed here.
func (rl *rateLimiter) delayBefore(ctx context.Context, critical bool) time.Duration {
	limit, remaining, resetAt := rl.snapshot()
	if limit <= 0 || critical {
		return 0
	}

	untilReset := resetAt.Sub(clock.Now(ctx))
	if untilReset < 0 {
		untilReset = 0
	}
	ratio := float64(remaining) / float64(limit)
	switch {
	case remaining <= 0:
		return boundDelay(untilReset, maxResetWait)
	case ratio < rateFloorFraction:
		return boundDelay(untilReset, maxResetWait)
	case ratio < rateThrottleFraction:
		return boundDelay(time.Duration(float64(untilReset)*(1-ratio)), maxThrottleDelay)
	}
	return 0
}

func boundDelay(d, bound time.Duration) time.Duration {
	if d > bound {
		return bound
	}
	if d < 0 {
		return 0
	}
	return d
}

func headerInt(h http.Header, name string) int {
	n, err := strconv.Atoi(h.Get(name))
	if err != nil {
		return -1
	}
	return n
}

func headerInt64(h http.Header, name string) int64 {
	n, err := strconv.ParseInt(h.Get(name), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// retryAfter reads the server-requested wait from a throttling
// response, zero when absent.
func retryAfter(h http.Header) time.Duration {
	if secs := headerInt(h, "retry-after"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"go.chromium.org/luci/common/logging"

	"github.com/thc1006/flakeguard-sub004/internal/metrics"
)

// Breaker shape: five failures inside a one-minute window open the
// circuit; after five minutes up to three probes are admitted, and all
// must succeed to close again. Any probe failure reopens.
const (
	breakerWindow      = time.Minute
	breakerOpenTimeout = 5 * time.Minute
	breakerThreshold   = 5
	breakerProbes      = 3
)

func newBreaker(ctx context.Context) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "platform",
		MaxRequests: breakerProbes,
		Interval:    breakerWindow,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.TotalFailures >= breakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return !breakerCountable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			logging.Warningf(ctx, "platform circuit breaker: %s -> %s", from, to)
		},
	})
}

// breakerCountable reports whether a failure indicates Platform-side
// trouble. Throttling and caller mistakes (403, 404, 422) must not trip
// the circuit.
func breakerCountable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeServiceUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}

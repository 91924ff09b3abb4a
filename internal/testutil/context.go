// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package testutil provides helpers shared by tests across the module.
package testutil

import (
	"context"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/logging/gologger"
)

// TestingContext returns a context for tests: logging goes to the test
// output and the clock is pinned to testclock.TestRecentTimeUTC.
func TestingContext() context.Context {
	ctx, _ := TestingContextWithClock()
	return ctx
}

// TestingContextWithClock is TestingContext plus the clock handle, for
// tests that advance time.
func TestingContextWithClock() (context.Context, testclock.TestClock) {
	ctx := gologger.StdConfig.Use(context.Background())
	return testclock.UseTime(ctx, testclock.TestRecentTimeUTC)
}

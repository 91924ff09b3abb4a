// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// waitForWaiters blocks until n waiters sit in the gate's queue, so the
// test can line goroutines up in a known order.
func waitForWaiters(t *testing.T, g *gate, n int) {
	t.Helper()
	for i := 0; i < 5000; i++ {
		g.mu.Lock()
		w := g.waiting
		g.mu.Unlock()
		if w >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d waiters", n)
}

func TestGate(t *testing.T) {
	t.Parallel()

	Convey(`Gate`, t, func() {
		ctx := context.Background()

		Convey(`admits up to capacity without blocking`, func() {
			g := newGate(2)
			So(g.acquire(ctx, PriorityNormal), ShouldBeNil)
			So(g.acquire(ctx, PriorityLow), ShouldBeNil)
			g.release()
			So(g.acquire(ctx, PriorityNormal), ShouldBeNil)
		})

		Convey(`wakes waiters by priority, FIFO within one`, func() {
			g := newGate(1)
			So(g.acquire(ctx, PriorityNormal), ShouldBeNil)

			order := make(chan string, 8)
			enqueued := 0
			spawn := func(name string, p Priority) {
				go func() {
					if err := g.acquire(ctx, p); err == nil {
						order <- name
					}
				}()
				enqueued++
				waitForWaiters(t, g, enqueued)
			}
			spawn("low", PriorityLow)
			spawn("normal-1", PriorityNormal)
			spawn("critical", PriorityCritical)
			spawn("normal-2", PriorityNormal)
			spawn("high", PriorityHigh)

			for _, want := range []string{"critical", "high", "normal-1", "normal-2", "low"} {
				g.release()
				So(<-order, ShouldEqual, want)
			}
		})

		Convey(`rejects when the wait list is full`, func() {
			g := newGate(1)
			So(g.acquire(ctx, PriorityNormal), ShouldBeNil)

			queued := make(chan error, 1)
			go func() { queued <- g.acquire(ctx, PriorityLow) }()
			waitForWaiters(t, g, 1)

			err := g.acquire(ctx, PriorityCritical)
			So(err, ShouldNotBeNil)
			So(CodeOf(err), ShouldEqual, CodeQueueFull)
			So(Retryable(err), ShouldBeFalse)

			g.release()
			So(<-queued, ShouldBeNil)
		})

		Convey(`cancellation withdraws a waiter`, func() {
			g := newGate(1)
			So(g.acquire(ctx, PriorityNormal), ShouldBeNil)

			cctx, cancel := context.WithCancel(ctx)
			queued := make(chan error, 1)
			go func() { queued <- g.acquire(cctx, PriorityHigh) }()
			waitForWaiters(t, g, 1)

			cancel()
			err := <-queued
			So(err, ShouldNotBeNil)
			So(CodeOf(err), ShouldEqual, CodeTimeout)

			// The withdrawn waiter must not absorb the slot.
			g.release()
			So(g.acquire(ctx, PriorityNormal), ShouldBeNil)
		})
	})
}

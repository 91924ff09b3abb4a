// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"go.chromium.org/luci/common/clock/testclock"

	"github.com/thc1006/flakeguard-sub004/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func newTestBroker(t *testing.T) (context.Context, testclock.TestClock, *RedisBroker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, tc := testutil.TestingContextWithClock()
	return ctx, tc, NewRedisBroker(rdb, 0), rdb
}

func TestEnqueueReserveAck(t *testing.T) {
	Convey(`Enqueue, Reserve, Ack`, t, func() {
		ctx, _, b, rdb := newTestBroker(t)

		id, err := b.Enqueue(ctx, "ingest", []byte(`{"run":1}`), Options{})
		So(err, ShouldBeNil)
		So(id, ShouldNotBeEmpty)

		j, lease, err := b.Reserve(ctx, "ingest")
		So(err, ShouldBeNil)
		So(j.ID, ShouldEqual, id)
		So(j.Kind, ShouldEqual, "ingest")
		So(string(j.Payload), ShouldEqual, `{"run":1}`)
		So(j.Attempt, ShouldEqual, 1)
		So(j.MaxAttempts, ShouldEqual, DefaultMaxAttempts)
		So(j.Priority, ShouldEqual, PriorityNormal)
		So(lease.Token, ShouldNotBeEmpty)

		Convey(`a leased job is not served twice`, func() {
			_, _, err := b.Reserve(ctx, "ingest")
			So(err, ShouldEqual, ErrNoJob)
		})

		Convey(`ack removes the job`, func() {
			So(b.Ack(ctx, lease), ShouldBeNil)
			_, _, err := b.Reserve(ctx, "ingest")
			So(err, ShouldEqual, ErrNoJob)

			Convey(`and invalidates the lease`, func() {
				So(b.Ack(ctx, lease), ShouldEqual, ErrLeaseLost)
			})
		})

		Convey(`kinds are isolated`, func() {
			_, _, err := b.Reserve(ctx, "callback")
			So(err, ShouldEqual, ErrNoJob)
		})

		Convey(`an enqueued job survives a broker instance`, func() {
			So(b.Ack(ctx, lease), ShouldBeNil)
			_, err := b.Enqueue(ctx, "ingest", []byte("x"), Options{})
			So(err, ShouldBeNil)

			b2 := NewRedisBroker(rdb, 0)
			j2, _, err := b2.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			So(string(j2.Payload), ShouldEqual, "x")
		})
	})
}

func TestPriorityOrder(t *testing.T) {
	Convey(`higher priorities are served first`, t, func() {
		ctx, _, b, _ := newTestBroker(t)

		for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
			_, err := b.Enqueue(ctx, "ingest", []byte(p), Options{Priority: p})
			So(err, ShouldBeNil)
		}

		var got []Priority
		for i := 0; i < 4; i++ {
			j, _, err := b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			got = append(got, j.Priority)
		}
		So(got, ShouldResemble, []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow})
	})
}

func TestOrderingKey(t *testing.T) {
	Convey(`jobs sharing an ordering key`, t, func() {
		ctx, tc, b, _ := newTestBroker(t)

		id1, err := b.Enqueue(ctx, "ingest", []byte("first"), Options{OrderingKey: "repo-1"})
		So(err, ShouldBeNil)
		id2, err := b.Enqueue(ctx, "ingest", []byte("second"), Options{OrderingKey: "repo-1"})
		So(err, ShouldBeNil)

		Convey(`run one at a time, in enqueue order`, func() {
			j1, lease1, err := b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			So(j1.ID, ShouldEqual, id1)

			_, _, err = b.Reserve(ctx, "ingest")
			So(err, ShouldEqual, ErrNoJob)

			So(b.Ack(ctx, lease1), ShouldBeNil)
			j2, _, err := b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			So(j2.ID, ShouldEqual, id2)
		})

		Convey(`a retry is not overtaken by a later job of its key`, func() {
			j1, lease1, err := b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			So(j1.ID, ShouldEqual, id1)
			So(b.Fail(ctx, lease1, "flaky upstream"), ShouldBeNil)

			// The key stays blocked through the backoff window.
			_, _, err = b.Reserve(ctx, "ingest")
			So(err, ShouldEqual, ErrNoJob)

			tc.Add(3 * time.Second)
			j, lease, err := b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			So(j.ID, ShouldEqual, id1)
			So(j.Attempt, ShouldEqual, 2)
			So(j.LastError, ShouldEqual, "flaky upstream")

			So(b.Ack(ctx, lease), ShouldBeNil)
			j2, _, err := b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			So(j2.ID, ShouldEqual, id2)
		})

		Convey(`distinct keys do not serialize`, func() {
			_, err := b.Enqueue(ctx, "ingest", []byte("other"), Options{OrderingKey: "repo-2"})
			So(err, ShouldBeNil)

			_, _, err = b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			_, _, err = b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
		})
	})
}

func TestDelayedEnqueue(t *testing.T) {
	Convey(`a delayed job is withheld until its ready time`, t, func() {
		ctx, tc, b, _ := newTestBroker(t)

		_, err := b.Enqueue(ctx, "sync", []byte("later"), Options{Delay: 10 * time.Second})
		So(err, ShouldBeNil)

		_, _, err = b.Reserve(ctx, "sync")
		So(err, ShouldEqual, ErrNoJob)

		tc.Add(9 * time.Second)
		_, _, err = b.Reserve(ctx, "sync")
		So(err, ShouldEqual, ErrNoJob)

		tc.Add(2 * time.Second)
		j, _, err := b.Reserve(ctx, "sync")
		So(err, ShouldBeNil)
		So(string(j.Payload), ShouldEqual, "later")
	})
}

func TestIdempotentEnqueue(t *testing.T) {
	Convey(`enqueues sharing an idempotency key`, t, func() {
		ctx, _, b, _ := newTestBroker(t)

		id1, err := b.Enqueue(ctx, "ingest", []byte("a"), Options{IdempotencyKey: "delivery-42"})
		So(err, ShouldBeNil)
		id2, err := b.Enqueue(ctx, "ingest", []byte("a"), Options{IdempotencyKey: "delivery-42"})
		So(err, ShouldBeNil)
		So(id2, ShouldEqual, id1)

		Convey(`produce a single job`, func() {
			_, lease, err := b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			So(b.Ack(ctx, lease), ShouldBeNil)
			_, _, err = b.Reserve(ctx, "ingest")
			So(err, ShouldEqual, ErrNoJob)
		})

		Convey(`distinct keys enqueue separately`, func() {
			id3, err := b.Enqueue(ctx, "ingest", []byte("b"), Options{IdempotencyKey: "delivery-43"})
			So(err, ShouldBeNil)
			So(id3, ShouldNotEqual, id1)
		})
	})
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	Convey(`a failing job`, t, func() {
		ctx, tc, b, _ := newTestBroker(t)

		id, err := b.Enqueue(ctx, "ingest", []byte("x"), Options{MaxAttempts: 3})
		So(err, ShouldBeNil)

		j, lease, err := b.Reserve(ctx, "ingest")
		So(err, ShouldBeNil)
		So(j.Attempt, ShouldEqual, 1)
		So(b.Fail(ctx, lease, "first failure"), ShouldBeNil)

		Convey(`is withheld during its backoff`, func() {
			_, _, err := b.Reserve(ctx, "ingest")
			So(err, ShouldEqual, ErrNoJob)
		})

		Convey(`is redelivered with the failure recorded`, func() {
			// Attempt 1 backs off 2s give or take 25% jitter.
			tc.Add(3 * time.Second)
			j, lease, err := b.Reserve(ctx, "ingest")
			So(err, ShouldBeNil)
			So(j.ID, ShouldEqual, id)
			So(j.Attempt, ShouldEqual, 2)
			So(j.LastError, ShouldEqual, "first failure")

			Convey(`and dead-letters once attempts are exhausted`, func() {
				So(b.Fail(ctx, lease, "second failure"), ShouldBeNil)
				tc.Add(6 * time.Second) // attempt 2 backs off 4s give or take

				j, lease, err := b.Reserve(ctx, "ingest")
				So(err, ShouldBeNil)
				So(j.Attempt, ShouldEqual, 3)
				So(b.Fail(ctx, lease, "final failure"), ShouldBeNil)

				_, _, err = b.Reserve(ctx, "ingest")
				So(err, ShouldEqual, ErrNoJob)

				dead, err := b.DeadLetters(ctx, "ingest", 10)
				So(err, ShouldBeNil)
				So(dead, ShouldHaveLength, 1)
				So(dead[0].ID, ShouldEqual, id)
				So(dead[0].LastError, ShouldEqual, "final failure")
				So(dead[0].Attempt, ShouldEqual, 3)
			})
		})
	})
}

func TestKill(t *testing.T) {
	Convey(`Kill dead-letters immediately`, t, func() {
		ctx, _, b, _ := newTestBroker(t)

		id, err := b.Enqueue(ctx, "ingest", []byte("poison"), Options{MaxAttempts: 5})
		So(err, ShouldBeNil)

		_, lease, err := b.Reserve(ctx, "ingest")
		So(err, ShouldBeNil)
		So(b.Kill(ctx, lease, "missing repository"), ShouldBeNil)

		_, _, err = b.Reserve(ctx, "ingest")
		So(err, ShouldEqual, ErrNoJob)

		dead, err := b.DeadLetters(ctx, "ingest", 10)
		So(err, ShouldBeNil)
		So(dead, ShouldHaveLength, 1)
		So(dead[0].ID, ShouldEqual, id)
		So(dead[0].LastError, ShouldEqual, "missing repository")
		So(string(dead[0].Payload), ShouldEqual, "poison")
	})
}

func TestVisibilityTimeout(t *testing.T) {
	Convey(`an unsettled lease expires and the job is redelivered`, t, func() {
		ctx, tc, b, _ := newTestBroker(t)

		id, err := b.Enqueue(ctx, "ingest", []byte("x"), Options{})
		So(err, ShouldBeNil)

		j1, lease1, err := b.Reserve(ctx, "ingest")
		So(err, ShouldBeNil)
		So(j1.ID, ShouldEqual, id)

		tc.Add(DefaultVisibilityTimeout + time.Minute)

		j2, lease2, err := b.Reserve(ctx, "ingest")
		So(err, ShouldBeNil)
		So(j2.ID, ShouldEqual, id)
		So(j2.Attempt, ShouldEqual, 2)

		Convey(`the lost lease can no longer settle the job`, func() {
			So(b.Ack(ctx, lease1), ShouldEqual, ErrLeaseLost)
			So(b.Fail(ctx, lease1, "late"), ShouldEqual, ErrLeaseLost)
			So(b.Ack(ctx, lease2), ShouldBeNil)
		})
	})
}

func TestStats(t *testing.T) {
	Convey(`Stats reflects queue state`, t, func() {
		ctx, _, b, _ := newTestBroker(t)

		_, err := b.Enqueue(ctx, "ingest", []byte("a"), Options{OrderingKey: "ra"})
		So(err, ShouldBeNil)
		_, err = b.Enqueue(ctx, "ingest", []byte("b"), Options{OrderingKey: "rb"})
		So(err, ShouldBeNil)
		_, err = b.Enqueue(ctx, "ingest", []byte("c"), Options{Delay: time.Minute})
		So(err, ShouldBeNil)

		s, err := b.Stats(ctx, "ingest")
		So(err, ShouldBeNil)
		So(s, ShouldResemble, Stats{ReadyKeys: 2, Delayed: 1})

		_, _, err = b.Reserve(ctx, "ingest")
		So(err, ShouldBeNil)
		_, lease, err := b.Reserve(ctx, "ingest")
		So(err, ShouldBeNil)
		So(b.Kill(ctx, lease, "fatal"), ShouldBeNil)

		s, err = b.Stats(ctx, "ingest")
		So(err, ShouldBeNil)
		So(s, ShouldResemble, Stats{Delayed: 1, Leased: 1, Dead: 1})
	})
}

func TestNextDelay(t *testing.T) {
	Convey(`nextDelay grows exponentially within the cap, with jitter`, t, func() {
		ctx := context.Background()
		bo := Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute}

		cases := []struct {
			attempt int
			want    time.Duration
		}{
			{1, 2 * time.Second},
			{2, 4 * time.Second},
			{3, 8 * time.Second},
			{9, 5 * time.Minute},
			{20, 5 * time.Minute},
		}
		for _, c := range cases {
			d := nextDelay(ctx, c.attempt, bo)
			So(d, ShouldBeGreaterThanOrEqualTo, c.want*3/4)
			So(d, ShouldBeLessThanOrEqualTo, c.want*5/4)
		}

		Convey(`the zero backoff means the defaults`, func() {
			d := nextDelay(ctx, 1, Backoff{})
			So(d, ShouldBeGreaterThanOrEqualTo, DefaultBackoffBase*3/4)
			So(d, ShouldBeLessThanOrEqualTo, DefaultBackoffBase*5/4)
		})
	})
}

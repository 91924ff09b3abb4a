// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package broker is a thin adapter over a durable priority/delayed job
// queue. Jobs sharing an ordering key are delivered strictly in enqueue
// order with at most one in flight; jobs with distinct keys have no
// mutual ordering. Delivery is at-least-once: a reservation that is
// neither acked nor failed before its visibility timeout is redelivered.
package broker

import (
	"context"
	"time"

	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
)

// Priority orders jobs of the same kind across ordering keys.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorities is the service order, most urgent first.
var priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Defaults applied by Options.withDefaults.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 5 * time.Minute

	// DefaultVisibilityTimeout exceeds the worker job deadline so a
	// slow-but-alive worker settles its lease before redelivery.
	DefaultVisibilityTimeout = 6 * time.Minute
)

var (
	// ErrNoJob is returned by Reserve when no job is runnable right now.
	ErrNoJob = errors.New("no job available")

	// ErrLeaseLost is returned by Ack, Fail and Kill when the lease has
	// expired or the job was redelivered to another reservation.
	ErrLeaseLost = errors.New("lease expired or superseded")
)

// Backoff shapes the retry delay schedule for a job. The zero value
// means the defaults.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	return b
}

// Options configures a single enqueue.
type Options struct {
	Priority Priority
	// Delay withholds the job from delivery for the given duration.
	Delay time.Duration
	// IdempotencyKey dedupes enqueues: a repeat enqueue with the same
	// key within the dedupe horizon returns the original job id.
	IdempotencyKey string
	// OrderingKey serializes delivery: jobs with equal keys run one at
	// a time, in enqueue order. Empty means no shared ordering.
	OrderingKey string
	MaxAttempts int
	Backoff     Backoff
}

func (o Options) withDefaults() Options {
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	o.Backoff = o.Backoff.withDefaults()
	return o
}

// Job is one unit of queued work.
type Job struct {
	ID             string
	Kind           string
	Payload        []byte
	Priority       Priority
	OrderingKey    string
	IdempotencyKey string
	// Attempt is the delivery count; 1 on the first reservation.
	Attempt     int
	MaxAttempts int
	Backoff     Backoff
	EnqueuedAt  time.Time
	// LastError is the reason given to the most recent Fail or Kill.
	LastError string
}

// Lease is the release token for one reservation. It is invalidated by
// Ack, Fail, Kill, and visibility-timeout redelivery.
type Lease struct {
	Kind     string
	JobID    string
	Token    string
	Deadline time.Time
}

// Broker is the queue capability the rest of the service depends on.
type Broker interface {
	// Enqueue adds a job and returns its id. With an idempotency key,
	// a duplicate enqueue returns the existing id instead.
	Enqueue(ctx context.Context, kind string, payload []byte, opts Options) (string, error)

	// Reserve leases the next runnable job of the given kind, or
	// returns ErrNoJob. The lease lasts for the visibility timeout.
	Reserve(ctx context.Context, kind string) (*Job, *Lease, error)

	// Ack completes the leased job and removes it.
	Ack(ctx context.Context, l *Lease) error

	// Fail releases the leased job for a retry after an exponential
	// backoff; once attempts are exhausted the job moves to the dead
	// letters instead.
	Fail(ctx context.Context, l *Lease, reason string) error

	// Kill moves the leased job straight to the dead letters,
	// regardless of remaining attempts.
	Kill(ctx context.Context, l *Lease, reason string) error
}

// nextDelay returns how long to withhold a job after its attempt-th
// delivery failed: exponential from the base, capped, with 25% jitter
// either way.
func nextDelay(ctx context.Context, attempt int, b Backoff) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 1; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	if span := int(d / 2); span > 0 {
		d = d - d/4 + time.Duration(mathrand.Intn(ctx, span+1))
	}
	return d
}

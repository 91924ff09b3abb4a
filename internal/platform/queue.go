// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"sync"
)

// Priority orders competing requests for admission slots and decides
// who may dig into the rate limiter's reserve. The zero value is
// PriorityNormal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
	PriorityCritical
)

// rank maps a priority to its service order; higher serves first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// admissionCapacity bounds requests holding a slot, and separately the
// number allowed to wait for one.
const admissionCapacity = 64

// gate is a counting semaphore that wakes waiters highest priority
// first, FIFO within a priority. A saturated wait list rejects rather
// than queues.
type gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiting  int
	// waiters is indexed by Priority.rank().
	waiters [4][]chan struct{}
}

func newGate(capacity int) *gate {
	return &gate{capacity: capacity}
}

// acquire takes a slot, blocking behind higher-priority waiters when
// the gate is saturated.
func (g *gate) acquire(ctx context.Context, p Priority) error {
	g.mu.Lock()
	if g.inUse < g.capacity {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	if g.waiting >= g.capacity {
		g.mu.Unlock()
		return NewError(CodeQueueFull, "platform request queue is full", nil)
	}
	ch := make(chan struct{})
	r := p.rank()
	g.waiters[r] = append(g.waiters[r], ch)
	g.waiting++
	g.mu.Unlock()

	select {
	case <-ch:
		// The releasing request handed its slot over.
		return nil
	case <-ctx.Done():
		g.abandon(r, ch)
		return NewError(CodeTimeout, "canceled while queued", ctx.Err())
	}
}

// release returns a slot, handing it to the best waiter if any.
func (g *gate) release() {
	g.mu.Lock()
	for r := 3; r >= 0; r-- {
		q := g.waiters[r]
		if len(q) == 0 {
			continue
		}
		ch := q[0]
		g.waiters[r] = q[1:]
		g.waiting--
		g.mu.Unlock()
		close(ch)
		return
	}
	g.inUse--
	g.mu.Unlock()
}

// abandon withdraws a waiter after cancellation. If the slot was
// already handed over, it goes back into circulation.
func (g *gate) abandon(r int, ch chan struct{}) {
	g.mu.Lock()
	q := g.waiters[r]
	for i := range q {
		if q[i] == ch {
			g.waiters[r] = append(q[:i:i], q[i+1:]...)
			g.waiting--
			g.mu.Unlock()
			return
		}
	}
	g.mu.Unlock()
	g.release()
}

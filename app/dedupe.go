// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package app

import (
	"sync"
)

// dedupe is a fixed-capacity set of the most recent delivery
// identifiers. Once full, each insert evicts the oldest entry.
type dedupe struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newDedupe(capacity int) *dedupe {
	return &dedupe{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Seen records id and reports whether it was already recorded.
func (d *dedupe) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return false
}

// Forget drops id so a redelivery is processed afresh. The intake uses
// it when an accepted delivery could not be enqueued.
func (d *dedupe) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

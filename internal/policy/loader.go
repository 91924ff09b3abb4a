// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package policy

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/config/validation"

	"github.com/thc1006/flakeguard-sub004/internal/platform"
)

// cacheTTL is how long a fetched policy serves before revalidation.
const cacheTTL = 5 * time.Minute

// Sources of an effective policy.
const (
	SourceRepository = "repository"
	SourceDefault    = "default"
)

// ContentSource fetches one file from a repository's default branch.
// The worker wires an adapter over the platform client that resolves
// the repository's installation before the fetch.
type ContentSource interface {
	// FileContents returns the file body and its version tag. When the
	// given etag still matches, unchanged is true and content is empty.
	// A missing file surfaces platform.CodeNotFound.
	FileContents(ctx context.Context, owner, repo, path, etag string) (content []byte, newETag string, unchanged bool, err error)
}

// Snapshot is an effective policy with its provenance.
type Snapshot struct {
	Policy    *Policy
	Source    string
	Warnings  []string
	ETag      string
	FetchedAt time.Time
}

// Loader caches parsed policies per repository with a TTL plus ETag
// revalidation. Concurrent readers of the same repository share one
// fetch; distinct repositories never block each other.
type Loader struct {
	source ContentSource

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu   sync.Mutex
	snap *Snapshot
}

// NewLoader returns a Loader reading policies through source.
func NewLoader(source ContentSource) *Loader {
	return &Loader{source: source, entries: map[string]*cacheEntry{}}
}

// Get returns the effective policy for owner/repo. Stale cache entries
// are revalidated with a conditional fetch; defects in the repository
// document degrade to the default policy, never to an error.
func (l *Loader) Get(ctx context.Context, owner, repo string) *Snapshot {
	e := l.entry(owner + "/" + repo)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := clock.Now(ctx)
	if e.snap != nil && now.Sub(e.snap.FetchedAt) < cacheTTL {
		return e.snap
	}
	e.snap = l.fetch(ctx, owner, repo, e.snap, now)
	return e.snap
}

func (l *Loader) entry(key string) *cacheEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &cacheEntry{}
		l.entries[key] = e
	}
	return e
}

func (l *Loader) fetch(ctx context.Context, owner, repo string, prev *Snapshot, now time.Time) *Snapshot {
	var etag string
	if prev != nil {
		etag = prev.ETag
	}
	content, newETag, unchanged, err := l.source.FileContents(ctx, owner, repo, PolicyFilePath, etag)
	switch {
	case err == nil && unchanged:
		refreshed := *prev
		refreshed.FetchedAt = now
		return &refreshed
	case err == nil:
		return parseSnapshot(ctx, content, newETag, now)
	case platform.CodeOf(err) == platform.CodeNotFound:
		return &Snapshot{Policy: Default(), Source: SourceDefault, FetchedAt: now}
	default:
		logging.Warningf(ctx, "Fetching %s for %s/%s: %s", PolicyFilePath, owner, repo, err)
		if prev != nil {
			// Serve stale rather than flip-flopping to defaults on a
			// transient fetch failure.
			stale := *prev
			stale.FetchedAt = now
			return &stale
		}
		return &Snapshot{
			Policy:    Default(),
			Source:    SourceDefault,
			Warnings:  []string{"policy fetch failed: " + err.Error()},
			FetchedAt: now,
		}
	}
}

func parseSnapshot(ctx context.Context, content []byte, etag string, now time.Time) *Snapshot {
	p, warnings, err := Parse(content)
	if err != nil {
		logging.Warningf(ctx, "Unparseable %s, using defaults: %s", PolicyFilePath, err)
		return &Snapshot{
			Policy:    Default(),
			Source:    SourceDefault,
			Warnings:  []string{"policy parse failed: " + err.Error()},
			FetchedAt: now,
		}
	}
	vctx := validation.Context{Context: ctx}
	Validate(&vctx, p)
	if err := vctx.Finalize(); err != nil {
		logging.Warningf(ctx, "Invalid %s, using defaults: %s", PolicyFilePath, err)
		return &Snapshot{
			Policy:    Default(),
			Source:    SourceDefault,
			Warnings:  []string{"policy validation failed: " + err.Error()},
			FetchedAt: now,
		}
	}
	return &Snapshot{
		Policy:    p,
		Source:    SourceRepository,
		Warnings:  warnings,
		ETag:      etag,
		FetchedAt: now,
	}
}

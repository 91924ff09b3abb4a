// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"go.chromium.org/luci/common/clock"
)

// tokenRefreshSlack refreshes an installation token this long before
// its reported expiry.
const tokenRefreshSlack = 60 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// tokenCache holds installation access tokens. Refreshes are
// single-flight per installation; concurrent callers share one fetch.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[int64]cachedToken
	group  singleflight.Group
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: map[int64]cachedToken{}}
}

// fetchFunc exchanges the app identity for one installation token.
type fetchFunc func(ctx context.Context, installationID int64) (string, time.Time, error)

// get returns a token with at least tokenRefreshSlack of life left,
// fetching a fresh one when needed.
func (tc *tokenCache) get(ctx context.Context, installationID int64, fetch fetchFunc) (string, error) {
	if tok, ok := tc.fresh(ctx, installationID); ok {
		return tok, nil
	}
	v, err, _ := tc.group.Do(strconv.FormatInt(installationID, 10), func() (interface{}, error) {
		// A queued caller may arrive after the winner already stored a
		// fresh token.
		if tok, ok := tc.fresh(ctx, installationID); ok {
			return tok, nil
		}
		tok, expiresAt, err := fetch(ctx, installationID)
		if err != nil {
			return nil, err
		}
		tc.mu.Lock()
		tc.tokens[installationID] = cachedToken{token: tok, expiresAt: expiresAt}
		tc.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tc *tokenCache) fresh(ctx context.Context, installationID int64) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	t, ok := tc.tokens[installationID]
	if !ok {
		return "", false
	}
	if !clock.Now(ctx).Before(t.expiresAt.Add(-tokenRefreshSlack)) {
		return "", false
	}
	return t.token, true
}

// invalidate drops a token the Platform stopped accepting.
func (tc *tokenCache) invalidate(installationID int64) {
	tc.mu.Lock()
	delete(tc.tokens, installationID)
	tc.mu.Unlock()
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"time"

	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/logging"
)

// auditor writes one line per completed exchange: failures always,
// successes sampled. Paths are logged without query strings and no
// header values ever appear, so tokens and signed URLs stay out of the
// logs.
type auditor struct {
	sampleRate float64
}

func newAuditor(sampleRate float64) *auditor {
	return &auditor{sampleRate: sampleRate}
}

func (a *auditor) record(ctx context.Context, method, path string, status int, took time.Duration, attempt int, err error) {
	if err == nil {
		if a.sampleRate <= 0 || mathrand.Float64(ctx) >= a.sampleRate {
			return
		}
		logging.Infof(ctx, "platform %s %s: %d in %s (attempt %d)", method, path, status, took, attempt)
		return
	}
	logging.Warningf(ctx, "platform %s %s: %s in %s (attempt %d)", method, path, err, took, attempt)
}

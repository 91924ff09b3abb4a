// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package policy

import (
	"github.com/bmatcuk/doublestar"

	"go.chromium.org/luci/config/validation"

	"github.com/thc1006/flakeguard-sub004/internal/scoring"
)

// Validate reports schema violations of p into ctx. A policy that
// validates clean is safe to evaluate.
func Validate(ctx *validation.Context, p *Policy) {
	if p.FlakyThreshold < 0 || p.FlakyThreshold > 1 {
		ctx.Errorf("flaky_threshold must be within [0, 1], got %v", p.FlakyThreshold)
	}
	if p.WarnThreshold < 0 || p.WarnThreshold > 1 {
		ctx.Errorf("warn_threshold must be within [0, 1], got %v", p.WarnThreshold)
	}
	if p.WarnThreshold >= p.FlakyThreshold {
		ctx.Errorf("warn_threshold (%v) must be less than flaky_threshold (%v)", p.WarnThreshold, p.FlakyThreshold)
	}
	if p.MinOccurrences < 1 {
		ctx.Errorf("min_occurrences must be at least 1, got %d", p.MinOccurrences)
	}
	if p.MinRecentFailures < 0 {
		ctx.Errorf("min_recent_failures must not be negative, got %d", p.MinRecentFailures)
	}
	if p.LookbackDays < 1 || p.LookbackDays > 365 {
		ctx.Errorf("lookback_days must be within [1, 365], got %d", p.LookbackDays)
	}
	if p.RollingWindowSize < 10 {
		ctx.Errorf("rolling_window_size must be at least 10, got %d", p.RollingWindowSize)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		ctx.Errorf("confidence_threshold must be within [0, 1], got %v", p.ConfidenceThreshold)
	}
	if p.QuarantineDurationDays < 1 {
		ctx.Errorf("quarantine_duration_days must be at least 1, got %d", p.QuarantineDurationDays)
	}
	validateWeights(ctx, p.ScoringWeights)
	validateGlobs(ctx, "exclude_paths", p.ExcludePaths)
	validateGlobs(ctx, "exempted_tests", p.ExemptedTests)
	for team, o := range p.TeamOverrides {
		validateOverride(ctx, team, o)
	}
}

func validateWeights(ctx *validation.Context, w scoring.Weights) {
	ctx.Enter("scoring_weights")
	defer ctx.Exit()
	fields := []struct {
		name  string
		value float64
	}{
		{"fail_success_ratio", w.FailSuccessRatio},
		{"rerun_pass_rate", w.RerunPassRate},
		{"intermittency", w.Intermittency},
		{"consecutive_failures", w.ConsecutiveFailures},
		{"message_variance", w.MessageVariance},
		{"clustering", w.Clustering},
	}
	for _, f := range fields {
		if f.value < 0 || f.value > 1 {
			ctx.Errorf("%s must be within [0, 1], got %v", f.name, f.value)
		}
	}
}

func validateGlobs(ctx *validation.Context, field string, globs []string) {
	ctx.Enter("%s", field)
	defer ctx.Exit()
	for _, g := range globs {
		if g == "" {
			ctx.Errorf("glob must not be empty")
			continue
		}
		if _, err := doublestar.Match(g, "probe"); err != nil {
			ctx.Errorf("invalid glob %q", g)
		}
	}
}

func validateOverride(ctx *validation.Context, team string, o Override) {
	ctx.Enter("team_overrides %q", team)
	defer ctx.Exit()
	if team == "" {
		ctx.Errorf("team name must not be empty")
	}
	if o.FlakyThreshold != nil && (*o.FlakyThreshold < 0 || *o.FlakyThreshold > 1) {
		ctx.Errorf("flaky_threshold must be within [0, 1], got %v", *o.FlakyThreshold)
	}
	if o.WarnThreshold != nil && (*o.WarnThreshold < 0 || *o.WarnThreshold > 1) {
		ctx.Errorf("warn_threshold must be within [0, 1], got %v", *o.WarnThreshold)
	}
	if o.ConfidenceThreshold != nil && (*o.ConfidenceThreshold < 0 || *o.ConfidenceThreshold > 1) {
		ctx.Errorf("confidence_threshold must be within [0, 1], got %v", *o.ConfidenceThreshold)
	}
	if o.MinOccurrences != nil && *o.MinOccurrences < 1 {
		ctx.Errorf("min_occurrences must be at least 1, got %d", *o.MinOccurrences)
	}
	if o.MinRecentFailures != nil && *o.MinRecentFailures < 0 {
		ctx.Errorf("min_recent_failures must not be negative, got %d", *o.MinRecentFailures)
	}
	if o.QuarantineDurationDays != nil && *o.QuarantineDurationDays < 1 {
		ctx.Errorf("quarantine_duration_days must be at least 1, got %d", *o.QuarantineDurationDays)
	}
}

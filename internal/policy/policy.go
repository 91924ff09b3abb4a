// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package policy owns the per-repository analysis policy: the
// .flakeguard.yml schema, its loader and cache, and the evaluation
// engine that turns flake scores into decisions.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/errors"

	"github.com/thc1006/flakeguard-sub004/internal/scoring"
)

// PolicyFilePath is where the policy document lives in a repository,
// relative to the default branch root.
const PolicyFilePath = ".flakeguard.yml"

// Policy is the fully defaulted analysis configuration for a repository.
type Policy struct {
	// FlakyThreshold and WarnThreshold partition scores into
	// quarantine / warn / none bands.
	FlakyThreshold float64 `yaml:"flaky_threshold"`
	WarnThreshold  float64 `yaml:"warn_threshold"`
	// MinOccurrences is the minimum history size before any decision.
	MinOccurrences int `yaml:"min_occurrences"`
	// MinRecentFailures is the minimum number of in-window failures
	// before any decision.
	MinRecentFailures int `yaml:"min_recent_failures"`
	// LookbackDays and RollingWindowSize bound the scored history.
	LookbackDays      int `yaml:"lookback_days"`
	RollingWindowSize int `yaml:"rolling_window_size"`
	// ConfidenceThreshold gates decisions on scorer confidence.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// ExcludePaths are globs over inferred source paths; matches are
	// never flagged.
	ExcludePaths []string `yaml:"exclude_paths"`
	// ExemptedTests are globs over test full names; matches are never
	// flagged.
	ExemptedTests []string `yaml:"exempted_tests"`
	// LabelsRequired must all be present on the change request for
	// auto-quarantine to take effect.
	LabelsRequired        []string        `yaml:"labels_required"`
	AutoQuarantineEnabled bool            `yaml:"auto_quarantine_enabled"`
	ScoringWeights        scoring.Weights `yaml:"scoring_weights"`
	// TeamOverrides maps a team context to a partial policy merged over
	// this one when evaluation runs under that team.
	TeamOverrides          map[string]Override `yaml:"team_overrides"`
	QuarantineDurationDays int                 `yaml:"quarantine_duration_days"`
	// TeamNotifications maps a team context to a routing hint consumed
	// by an external chat renderer.
	TeamNotifications map[string]string `yaml:"team_notifications"`
}

// Override is a partial policy; nil fields inherit the repository policy.
type Override struct {
	FlakyThreshold         *float64 `yaml:"flaky_threshold"`
	WarnThreshold          *float64 `yaml:"warn_threshold"`
	MinOccurrences         *int     `yaml:"min_occurrences"`
	MinRecentFailures      *int     `yaml:"min_recent_failures"`
	ConfidenceThreshold    *float64 `yaml:"confidence_threshold"`
	AutoQuarantineEnabled  *bool    `yaml:"auto_quarantine_enabled"`
	QuarantineDurationDays *int     `yaml:"quarantine_duration_days"`
}

// Default returns the policy used when a repository carries no
// .flakeguard.yml, or when its document fails to parse.
func Default() *Policy {
	return &Policy{
		FlakyThreshold:      0.6,
		WarnThreshold:       0.3,
		MinOccurrences:      5,
		MinRecentFailures:   2,
		LookbackDays:        14,
		RollingWindowSize:   100,
		ConfidenceThreshold: 0.7,
		ExcludePaths: []string{
			"**/testdata/**",
			"**/fixtures/**",
			"**/vendor/**",
			"**/node_modules/**",
			"docs/**",
			"**/*.md",
		},
		AutoQuarantineEnabled:  false,
		ScoringWeights:         scoring.DefaultWeights(),
		QuarantineDurationDays: 30,
	}
}

// Merged returns a copy of p with the named team's override applied by
// field-level shallow merge. Unknown teams return p unchanged.
func (p *Policy) Merged(team string) *Policy {
	out := *p
	if team == "" {
		return &out
	}
	o, ok := p.TeamOverrides[team]
	if !ok {
		return &out
	}
	if o.FlakyThreshold != nil {
		out.FlakyThreshold = *o.FlakyThreshold
	}
	if o.WarnThreshold != nil {
		out.WarnThreshold = *o.WarnThreshold
	}
	if o.MinOccurrences != nil {
		out.MinOccurrences = *o.MinOccurrences
	}
	if o.MinRecentFailures != nil {
		out.MinRecentFailures = *o.MinRecentFailures
	}
	if o.ConfidenceThreshold != nil {
		out.ConfidenceThreshold = *o.ConfidenceThreshold
	}
	if o.AutoQuarantineEnabled != nil {
		out.AutoQuarantineEnabled = *o.AutoQuarantineEnabled
	}
	if o.QuarantineDurationDays != nil {
		out.QuarantineDurationDays = *o.QuarantineDurationDays
	}
	return &out
}

// Parse decodes a policy document over the defaults. Unrecognized keys
// are reported as warnings, never as errors; any other defect fails the
// parse. The returned policy is not yet validated.
func Parse(content []byte) (*Policy, []string, error) {
	p := Default()
	strictErr := yaml.UnmarshalStrict(content, p)
	if strictErr == nil {
		return p, nil, nil
	}
	// Strict decoding rejects unknown keys. Retry tolerantly over fresh
	// defaults: if that succeeds, the only defects were unknown keys.
	p = Default()
	if err := yaml.Unmarshal(content, p); err != nil {
		return nil, nil, errors.Annotate(err, "parsing policy document").Err()
	}
	warnings := []string{fmt.Sprintf("ignoring unrecognized keys: %s", summarizeYAMLError(strictErr))}
	return p, warnings, nil
}

// summarizeYAMLError flattens a yaml TypeError into one line.
func summarizeYAMLError(err error) string {
	if err == nil {
		return "unknown"
	}
	if te, ok := err.(*yaml.TypeError); ok && len(te.Errors) > 0 {
		return te.Errors[0]
	}
	return err.Error()
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package policy

import (
	"fmt"
	"strconv"

	"github.com/bmatcuk/doublestar"
)

// Action is the binding outcome for one test.
type Action string

const (
	ActionNone       Action = "none"
	ActionWarn       Action = "warn"
	ActionQuarantine Action = "quarantine"
)

// Priority labels how urgent a decision is for a human reader.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Candidate pairs a test identity with its flake evidence.
type Candidate struct {
	TestID   int64
	FullName string
	// File is the inferred source path, empty when unknown.
	File            string
	Score           float64
	Confidence      float64
	TotalRuns       int
	RecentFailures  int
	RerunPassRate   float64
	LastFailedRunID int64
}

// EvalContext carries the change-request context decisions depend on.
type EvalContext struct {
	Owner         string
	Repo          string
	TeamContext   string
	LabelsPresent []string
}

// Decision is the evaluated outcome for one candidate. The JSON shape
// is part of the admin API.
type Decision struct {
	TestID   int64             `json:"testId"`
	FullName string            `json:"fullName"`
	Action   Action            `json:"action"`
	Priority Priority          `json:"priority"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Evaluate applies pol to each candidate under ec. The team override,
// when ec names a known team, is merged once for the whole evaluation so
// that overridden minimums and confidence gates are honored. Candidates
// are processed independently; output order matches input order.
func Evaluate(pol *Policy, ec EvalContext, cands []Candidate) []Decision {
	effective := pol.Merged(ec.TeamContext)
	out := make([]Decision, 0, len(cands))
	for _, c := range cands {
		out = append(out, evaluateOne(effective, ec, c))
	}
	return out
}

func evaluateOne(p *Policy, ec EvalContext, c Candidate) Decision {
	d := Decision{
		TestID:   c.TestID,
		FullName: c.FullName,
		Action:   ActionNone,
		Priority: PriorityLow,
		Metadata: map[string]string{},
	}
	switch {
	case matchAny(p.ExemptedTests, c.FullName):
		d.Reason = "exempted"
		return d
	case c.File != "" && matchAny(p.ExcludePaths, c.File):
		d.Reason = "excluded"
		return d
	case c.TotalRuns < p.MinOccurrences:
		d.Reason = "insufficient data"
		return d
	case c.RecentFailures < p.MinRecentFailures:
		d.Reason = "too few recent failures"
		return d
	case c.Confidence < p.ConfidenceThreshold:
		d.Reason = "low confidence"
		return d
	}

	d.Priority = priorityFor(p, c)
	switch {
	case c.Score >= p.FlakyThreshold:
		// The decision is quarantine either way; autoApply records
		// whether it may be applied without a human confirming through
		// the check-run action.
		d.Action = ActionQuarantine
		autoApply := p.AutoQuarantineEnabled && labelsSatisfied(p.LabelsRequired, ec.LabelsPresent)
		d.Metadata["autoApply"] = strconv.FormatBool(autoApply)
		d.Metadata["quarantineDays"] = strconv.Itoa(p.QuarantineDurationDays)
		d.Reason = fmt.Sprintf("flaky: score %.2f over %d runs", c.Score, c.TotalRuns)
	case c.Score >= p.WarnThreshold:
		d.Action = ActionWarn
		d.Reason = fmt.Sprintf("warning: score %.2f over %d runs", c.Score, c.TotalRuns)
	default:
		d.Action = ActionNone
		d.Reason = "below thresholds"
	}
	if ch, ok := p.TeamNotifications[ec.TeamContext]; ok && d.Action != ActionNone {
		d.Metadata["notifyChannel"] = ch
	}
	return d
}

func priorityFor(p *Policy, c Candidate) Priority {
	switch {
	case c.Score >= 0.85 && c.Confidence >= 0.85:
		return PriorityCritical
	case c.Score >= p.FlakyThreshold:
		return PriorityHigh
	case c.Score >= p.WarnThreshold:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func labelsSatisfied(required, present []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(present))
	for _, l := range present {
		set[l] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// matchAny reports whether name matches any glob. Invalid globs never
// match; validation rejects them before a policy is served.
func matchAny(globs []string, name string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package storage

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"

	"go.chromium.org/luci/common/errors"
)

// Repository mirrors a row of the repositories table. The ID is the
// platform's repository ID, not a local sequence.
type Repository struct {
	ID             int64     `db:"id"`
	FullName       string    `db:"full_name"`
	Owner          string    `db:"owner"`
	Name           string    `db:"name"`
	InstallationID int64     `db:"installation_id"`
	DefaultBranch  string    `db:"default_branch"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Installation mirrors a row of the installations table.
type Installation struct {
	ID           int64     `db:"id"`
	AccountLogin string    `db:"account_login"`
	Suspended    bool      `db:"suspended"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// WorkflowRun mirrors a row of the workflow_runs table.
type WorkflowRun struct {
	ID         int64     `db:"id"`
	RepoID     int64     `db:"repo_id"`
	RunID      int64     `db:"run_id"`
	HeadSHA    string    `db:"head_sha"`
	HeadBranch string    `db:"head_branch"`
	Event      string    `db:"event"`
	Status     string    `db:"status"`
	Conclusion string    `db:"conclusion"`
	RunAttempt int       `db:"run_attempt"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// TestSuite mirrors a row of the test_suites table: one parsed suite
// from one run's artifacts.
type TestSuite struct {
	ID         int64     `db:"id"`
	RepoID     int64     `db:"repo_id"`
	Name       string    `db:"name"`
	RunID      int64     `db:"run_id"`
	Package    string    `db:"package"`
	Tests      int       `db:"tests"`
	Failures   int       `db:"failures"`
	Errors     int       `db:"errors"`
	Skipped    int       `db:"skipped"`
	DurationMS int64     `db:"duration_ms"`
	CreatedAt  time.Time `db:"created_at"`
}

// TestCase mirrors a row of the test_cases table: the durable identity
// of a test across runs.
type TestCase struct {
	ID         int64     `db:"id"`
	RepoID     int64     `db:"repo_id"`
	FullName   string    `db:"full_name"`
	File       string    `db:"file"`
	Suite      string    `db:"suite"`
	ClassName  string    `db:"class_name"`
	Name       string    `db:"name"`
	SourcePath string    `db:"source_path"`
	CreatedAt  time.Time `db:"created_at"`
}

// Occurrence mirrors a row of the occurrences table: one execution of
// a test case within a run attempt.
type Occurrence struct {
	ID             int64     `db:"id"`
	TestCaseID     int64     `db:"test_case_id"`
	RepoID         int64     `db:"repo_id"`
	RunID          int64     `db:"run_id"`
	Attempt        int       `db:"attempt"`
	Status         string    `db:"status"`
	DurationMS     int64     `db:"duration_ms"`
	FailureMessage string    `db:"failure_message"`
	FailureDetail  string    `db:"failure_detail"`
	HeadSHA        string    `db:"head_sha"`
	Branch         string    `db:"branch"`
	CreatedAt      time.Time `db:"created_at"`
}

// FlakeScore mirrors a row of the flake_scores table: the most recent
// scoring result for a test case.
type FlakeScore struct {
	TestCaseID      int64      `db:"test_case_id"`
	RepoID          int64      `db:"repo_id"`
	Score           float64    `db:"score"`
	Confidence      float64    `db:"confidence"`
	TotalRuns       int        `db:"total_runs"`
	RecentFailures  int        `db:"recent_failures"`
	RerunPassRate   float64    `db:"rerun_pass_rate"`
	RerunsObserved  bool       `db:"reruns_observed"`
	LastFailedRunID int64      `db:"last_failed_run_id"`
	LastFailedAt    *time.Time `db:"last_failed_at"`
	ComputedAt      time.Time  `db:"computed_at"`
}

// CheckRun mirrors a row of the check_runs table: the check published
// for a commit, updated in place as later runs complete.
type CheckRun struct {
	ID         int64     `db:"id"`
	RepoID     int64     `db:"repo_id"`
	HeadSHA    string    `db:"head_sha"`
	CheckRunID int64     `db:"check_run_id"`
	Status     string    `db:"status"`
	Conclusion string    `db:"conclusion"`
	RunID      int64     `db:"run_id"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Quarantine mirrors a row of the quarantined_tests table.
type Quarantine struct {
	ID            int64      `db:"id"`
	TestCaseID    int64      `db:"test_case_id"`
	RepoID        int64      `db:"repo_id"`
	Reason        string     `db:"reason"`
	AppliedBy     string     `db:"applied_by"`
	QuarantinedAt time.Time  `db:"quarantined_at"`
	ExpiresAt     time.Time  `db:"expires_at"`
	ReleasedAt    *time.Time `db:"released_at"`
}

// PullRequestHead mirrors a row of the pull_request_heads table.
type PullRequestHead struct {
	RepoID    int64          `db:"repo_id"`
	PRNumber  int            `db:"pr_number"`
	HeadSHA   string         `db:"head_sha"`
	Labels    types.JSONText `db:"labels"`
	State     string         `db:"state"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// LabelNames decodes the stored label list.
func (p *PullRequestHead) LabelNames() ([]string, error) {
	if len(p.Labels) == 0 {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(p.Labels, &names); err != nil {
		return nil, errors.Annotate(err, "decoding pull request labels").Err()
	}
	return names, nil
}

// SetLabels encodes the label list for storage.
func (p *PullRequestHead) SetLabels(names []string) error {
	if names == nil {
		names = []string{}
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return errors.Annotate(err, "encoding pull request labels").Err()
	}
	p.Labels = types.JSONText(raw)
	return nil
}

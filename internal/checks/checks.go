// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package checks publishes flake analysis results as Platform check
// runs and services the action buttons users click on them. One check
// run named flakeguard-analysis exists per commit; republishing
// rewrites it in place, so the newest decision always wins.
package checks

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/jmoiron/sqlx"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/thc1006/flakeguard-sub004/internal/metrics"
	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// CheckName is the stable name of the analysis check run.
const CheckName = "flakeguard-analysis"

// Identifiers of the action buttons attached to the check run.
const (
	ActionRerunFailed = "rerun_failed"
	ActionQuarantine  = "quarantine"
	ActionOpenIssue   = "open_issue"
)

// Target identifies the commit a check lands on.
type Target struct {
	RepoID         int64
	InstallationID int64
	Owner          string
	Repo           string
	HeadSHA        string
	RunID          int64
}

// Finding pairs one policy decision with the scoring evidence behind
// it. Quarantined marks tests already under an active quarantine so
// the rendered table can say so.
type Finding struct {
	Decision        policy.Decision
	Score           float64
	Confidence      float64
	TotalRuns       int
	RecentFailures  int
	RerunPassRate   float64
	RerunsObserved  bool
	LastFailedRunID int64
	Quarantined     bool
}

// Publisher owns the mirrored check-run state keyed by
// (repoID, headSHA) and the calls that keep the Platform's copy in
// sync with it.
type Publisher struct {
	db     *sqlx.DB
	client *platform.Client
}

func NewPublisher(db *sqlx.DB, client *platform.Client) *Publisher {
	return &Publisher{db: db, client: client}
}

// Publish renders findings into the analysis check run for tgt,
// creating it on first publish and updating it afterwards.
func (p *Publisher) Publish(ctx context.Context, tgt Target, findings []Finding) error {
	return p.publishParams(ctx, tgt, renderParams(tgt, findings))
}

func (p *Publisher) publishParams(ctx context.Context, tgt Target, params *platform.CheckRunParams) error {
	var existingID int64
	switch mirror, err := p.CheckRunForCommit(ctx, tgt.RepoID, tgt.HeadSHA); {
	case err == nil:
		existingID = mirror.CheckRunID
	case stderrors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	var (
		run *platform.CheckRun
		err error
		op  = "create"
	)
	if existingID != 0 {
		op = "update"
		run, err = p.client.UpdateCheckRun(ctx, tgt.InstallationID, tgt.Owner, tgt.Repo, existingID, params)
		if platform.CodeOf(err) == platform.CodeNotFound {
			// The run vanished upstream; start a fresh one.
			op = "create"
			run, err = p.client.CreateCheckRun(ctx, tgt.InstallationID, tgt.Owner, tgt.Repo, params)
		}
	} else {
		run, err = p.client.CreateCheckRun(ctx, tgt.InstallationID, tgt.Owner, tgt.Repo, params)
	}
	if err != nil {
		return errors.Annotate(err, "publishing check for %s/%s@%.12s", tgt.Owner, tgt.Repo, tgt.HeadSHA).Err()
	}

	if err := p.saveMirror(ctx, tgt, run.ID, params); err != nil {
		return err
	}
	metrics.CheckRunsPublished.WithLabelValues(op).Inc()
	logging.Infof(ctx, "Published check for %s/%s@%.12s: %s, conclusion %s",
		tgt.Owner, tgt.Repo, tgt.HeadSHA, op, params.Conclusion)
	return nil
}

// saveMirror records the latest published state for the commit.
func (p *Publisher) saveMirror(ctx context.Context, tgt Target, checkRunID int64, params *platform.CheckRunParams) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO check_runs (repo_id, head_sha, check_run_id, status, conclusion, run_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (repo_id, head_sha) DO UPDATE SET
			check_run_id = EXCLUDED.check_run_id,
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			run_id = EXCLUDED.run_id,
			updated_at = now()`,
		tgt.RepoID, tgt.HeadSHA, checkRunID, params.Status, params.Conclusion, tgt.RunID)
	if err != nil {
		return errors.Annotate(err, "recording check run mirror").Tag(transient.Tag).Err()
	}
	return nil
}

// CheckRunForCommit returns the mirrored check-run state for a commit,
// storage.ErrNotFound when nothing was ever published for it. Action
// callbacks resolve their state through here rather than holding
// references.
func (p *Publisher) CheckRunForCommit(ctx context.Context, repoID int64, headSHA string) (*storage.CheckRun, error) {
	var row storage.CheckRun
	err := p.db.GetContext(ctx, &row, `
		SELECT id, repo_id, head_sha, check_run_id, status, conclusion, run_id, created_at, updated_at
		FROM check_runs
		WHERE repo_id = $1 AND head_sha = $2`,
		repoID, headSHA)
	switch {
	case err == sql.ErrNoRows:
		return nil, storage.ErrNotFound
	case err != nil:
		return nil, errors.Annotate(err, "reading check run mirror").Tag(transient.Tag).Err()
	}
	return &row, nil
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// Store provides access to the shared entities. Subsystems with their
// own tables (ingestion, quarantine, publishing) run their own SQL
// against the same pool.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Annotate(err, "pinging database").Tag(transient.Tag).Err()
	}
	return nil
}

// UpsertRepository creates or refreshes a repository row. A zero
// installation ID in the incoming record keeps any previously stored
// one; webhook payloads do not always carry it.
func (s *Store) UpsertRepository(ctx context.Context, r *Repository) error {
	branch := r.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	const q = `
		INSERT INTO repositories (id, full_name, owner, name, installation_id, default_branch)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			owner = EXCLUDED.owner,
			name = EXCLUDED.name,
			installation_id = CASE
				WHEN EXCLUDED.installation_id <> 0 THEN EXCLUDED.installation_id
				ELSE repositories.installation_id
			END,
			default_branch = EXCLUDED.default_branch,
			updated_at = now()`
	_, err := s.db.ExecContext(ctx, q, r.ID, r.FullName, r.Owner, r.Name, r.InstallationID, branch)
	if err != nil {
		return errors.Annotate(err, "upserting repository %d", r.ID).Tag(transient.Tag).Err()
	}
	return nil
}

// RepositoryByID fetches one repository, or ErrNotFound.
func (s *Store) RepositoryByID(ctx context.Context, id int64) (*Repository, error) {
	const q = `
		SELECT id, full_name, owner, name, installation_id, default_branch, created_at, updated_at
		FROM repositories WHERE id = $1`
	var r Repository
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Annotate(err, "reading repository %d", id).Tag(transient.Tag).Err()
	}
	return &r, nil
}

// RepositoryByFullName fetches one repository by owner/name, or
// ErrNotFound.
func (s *Store) RepositoryByFullName(ctx context.Context, fullName string) (*Repository, error) {
	const q = `
		SELECT id, full_name, owner, name, installation_id, default_branch, created_at, updated_at
		FROM repositories WHERE full_name = $1`
	var r Repository
	if err := s.db.GetContext(ctx, &r, q, fullName); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Annotate(err, "reading repository %q", fullName).Tag(transient.Tag).Err()
	}
	return &r, nil
}

// UpsertInstallation creates or refreshes an installation row.
func (s *Store) UpsertInstallation(ctx context.Context, in *Installation) error {
	const q = `
		INSERT INTO installations (id, account_login, suspended)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			account_login = EXCLUDED.account_login,
			suspended = EXCLUDED.suspended,
			updated_at = now()`
	_, err := s.db.ExecContext(ctx, q, in.ID, in.AccountLogin, in.Suspended)
	if err != nil {
		return errors.Annotate(err, "upserting installation %d", in.ID).Tag(transient.Tag).Err()
	}
	return nil
}

// InstallationByID fetches one installation, or ErrNotFound.
func (s *Store) InstallationByID(ctx context.Context, id int64) (*Installation, error) {
	const q = `
		SELECT id, account_login, suspended, created_at, updated_at
		FROM installations WHERE id = $1`
	var in Installation
	if err := s.db.GetContext(ctx, &in, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Annotate(err, "reading installation %d", id).Tag(transient.Tag).Err()
	}
	return &in, nil
}

// DeleteInstallation removes an installation and detaches any
// repositories that referenced it.
func (s *Store) DeleteInstallation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "beginning transaction").Tag(transient.Tag).Err()
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE repositories SET installation_id = 0, updated_at = now() WHERE installation_id = $1`, id); err != nil {
		return errors.Annotate(err, "detaching repositories for installation %d", id).Tag(transient.Tag).Err()
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM installations WHERE id = $1`, id); err != nil {
		return errors.Annotate(err, "deleting installation %d", id).Tag(transient.Tag).Err()
	}
	if err := tx.Commit(); err != nil {
		return errors.Annotate(err, "committing").Tag(transient.Tag).Err()
	}
	return nil
}

// RecordWorkflowRun creates or refreshes the row for a workflow run.
// Reruns of the same run update status, conclusion and attempt in
// place.
func (s *Store) RecordWorkflowRun(ctx context.Context, wr *WorkflowRun) error {
	const q = `
		INSERT INTO workflow_runs (repo_id, run_id, head_sha, head_branch, event, status, conclusion, run_attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (repo_id, run_id) DO UPDATE SET
			head_sha = EXCLUDED.head_sha,
			head_branch = EXCLUDED.head_branch,
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			run_attempt = GREATEST(workflow_runs.run_attempt, EXCLUDED.run_attempt),
			updated_at = now()`
	_, err := s.db.ExecContext(ctx, q,
		wr.RepoID, wr.RunID, wr.HeadSHA, wr.HeadBranch, wr.Event, wr.Status, wr.Conclusion, wr.RunAttempt)
	if err != nil {
		return errors.Annotate(err, "recording workflow run %d", wr.RunID).Tag(transient.Tag).Err()
	}
	return nil
}

// WorkflowRun fetches one run by its platform ID, or ErrNotFound.
func (s *Store) WorkflowRun(ctx context.Context, repoID, runID int64) (*WorkflowRun, error) {
	const q = `
		SELECT id, repo_id, run_id, head_sha, head_branch, event, status, conclusion, run_attempt, created_at, updated_at
		FROM workflow_runs WHERE repo_id = $1 AND run_id = $2`
	var wr WorkflowRun
	if err := s.db.GetContext(ctx, &wr, q, repoID, runID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Annotate(err, "reading workflow run %d", runID).Tag(transient.Tag).Err()
	}
	return &wr, nil
}

// UpsertPullRequestHead records the head commit and labels of a pull
// request.
func (s *Store) UpsertPullRequestHead(ctx context.Context, p *PullRequestHead) error {
	labels := p.Labels
	if len(labels) == 0 {
		labels = []byte("[]")
	}
	state := p.State
	if state == "" {
		state = "open"
	}
	const q = `
		INSERT INTO pull_request_heads (repo_id, pr_number, head_sha, labels, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, pr_number) DO UPDATE SET
			head_sha = EXCLUDED.head_sha,
			labels = EXCLUDED.labels,
			state = EXCLUDED.state,
			updated_at = now()`
	_, err := s.db.ExecContext(ctx, q, p.RepoID, p.PRNumber, p.HeadSHA, []byte(labels), state)
	if err != nil {
		return errors.Annotate(err, "upserting pull request %d", p.PRNumber).Tag(transient.Tag).Err()
	}
	return nil
}

// PullRequestHeadBySHA finds the pull request whose head is the given
// commit, or ErrNotFound. When several match, the most recently
// updated wins.
func (s *Store) PullRequestHeadBySHA(ctx context.Context, repoID int64, headSHA string) (*PullRequestHead, error) {
	const q = `
		SELECT repo_id, pr_number, head_sha, labels, state, updated_at
		FROM pull_request_heads
		WHERE repo_id = $1 AND head_sha = $2
		ORDER BY updated_at DESC
		LIMIT 1`
	var p PullRequestHead
	if err := s.db.GetContext(ctx, &p, q, repoID, headSHA); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Annotate(err, "reading pull request head %s", headSHA).Tag(transient.Tag).Err()
	}
	return &p, nil
}

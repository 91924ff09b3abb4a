// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package quarantine keeps the ledger of quarantined tests and plans
// new quarantines from scored history. A quarantine is a bounded
// exclusion: it always carries an expiry, and releasing keeps the row
// for history.
package quarantine

import (
	"context"

	"github.com/jmoiron/sqlx"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// DefaultDurationDays bounds a quarantine when the policy does not say
// otherwise.
const DefaultDurationDays = 30

// Manager owns the quarantined_tests table.
type Manager struct {
	db *sqlx.DB
}

// NewManager returns a Manager over the given pool.
func NewManager(db *sqlx.DB) *Manager {
	return &Manager{db: db}
}

// Apply quarantines a test for the given number of days. Reapplying to
// an already-quarantined test refreshes the reason and extends the
// expiry; the active row is unique per test.
func (m *Manager) Apply(ctx context.Context, repoID, testCaseID int64, reason, appliedBy string, days int) error {
	if days <= 0 {
		days = DefaultDurationDays
	}
	now := clock.Now(ctx).UTC()
	expires := now.AddDate(0, 0, days)
	const q = `
		INSERT INTO quarantined_tests (test_case_id, repo_id, reason, applied_by, quarantined_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (test_case_id) WHERE released_at IS NULL DO UPDATE SET
			reason = EXCLUDED.reason,
			applied_by = EXCLUDED.applied_by,
			expires_at = EXCLUDED.expires_at`
	_, err := m.db.ExecContext(ctx, q, testCaseID, repoID, reason, appliedBy, now, expires)
	if err != nil {
		return errors.Annotate(err, "quarantining case %d", testCaseID).Tag(transient.Tag).Err()
	}
	logging.Infof(ctx, "quarantined case %d in repo %d until %s (%s)", testCaseID, repoID, expires.Format("2006-01-02"), appliedBy)
	return nil
}

// Release ends the active quarantine of a test, if any.
func (m *Manager) Release(ctx context.Context, testCaseID int64) error {
	const q = `
		UPDATE quarantined_tests
		SET released_at = $2
		WHERE test_case_id = $1 AND released_at IS NULL`
	_, err := m.db.ExecContext(ctx, q, testCaseID, clock.Now(ctx).UTC())
	if err != nil {
		return errors.Annotate(err, "releasing case %d", testCaseID).Tag(transient.Tag).Err()
	}
	return nil
}

// Active returns a repository's current quarantines, oldest first.
func (m *Manager) Active(ctx context.Context, repoID int64) ([]storage.Quarantine, error) {
	const q = `
		SELECT id, test_case_id, repo_id, reason, applied_by, quarantined_at, expires_at, released_at
		FROM quarantined_tests
		WHERE repo_id = $1 AND released_at IS NULL
		ORDER BY quarantined_at`
	var out []storage.Quarantine
	if err := m.db.SelectContext(ctx, &out, q, repoID); err != nil {
		return nil, errors.Annotate(err, "listing quarantines for repo %d", repoID).Tag(transient.Tag).Err()
	}
	return out, nil
}

// ActiveSet returns the test case IDs of a repository's current
// quarantines.
func (m *Manager) ActiveSet(ctx context.Context, repoID int64) (map[int64]struct{}, error) {
	rows, err := m.Active(ctx, repoID)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(rows))
	for i := range rows {
		set[rows[i].TestCaseID] = struct{}{}
	}
	return set, nil
}

// ReleaseExpired releases every quarantine past its expiry, across all
// repositories. Runs on a schedule.
func (m *Manager) ReleaseExpired(ctx context.Context) (int64, error) {
	now := clock.Now(ctx).UTC()
	const q = `
		UPDATE quarantined_tests
		SET released_at = $1
		WHERE released_at IS NULL AND expires_at <= $1`
	res, err := m.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, errors.Annotate(err, "releasing expired quarantines").Tag(transient.Tag).Err()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Annotate(err, "counting released quarantines").Err()
	}
	if n > 0 {
		logging.Infof(ctx, "released %d expired quarantines", n)
	}
	return n, nil
}

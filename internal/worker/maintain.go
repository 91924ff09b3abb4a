// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker

import (
	"context"
	"encoding/json"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/thc1006/flakeguard-sub004/internal/checks"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// handleCallback services one check-run action button press.
func (w *Worker) handleCallback(ctx context.Context, payload []byte) error {
	var p CallbackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.Annotate(err, "decoding callback payload").Tag(fatalTag).Err()
	}
	if err := p.validate(); err != nil {
		return err
	}
	owner, name := splitFullName(p.RepositoryFullName)
	if owner == "" || name == "" {
		return errors.Reason("Missing required repository or installation information").Tag(fatalTag).Err()
	}
	if suspended, err := w.installationSuspended(ctx, p.InstallationID); err != nil {
		return err
	} else if suspended {
		logging.Warningf(ctx, "Installation %d is suspended; dropping callback %s", p.InstallationID, p.DeliveryID)
		return nil
	}
	return w.cb.Handle(ctx, checks.Target{
		RepoID:         p.RepositoryID,
		InstallationID: p.InstallationID,
		Owner:          owner,
		Repo:           name,
		HeadSHA:        p.HeadSHA,
		RunID:          p.RunID,
	}, p.Action, p.RequestedBy)
}

// handleSync mirrors lightweight platform state changes: repository
// metadata, installation lifecycle and pull request heads.
func (w *Worker) handleSync(ctx context.Context, payload []byte) error {
	var p SyncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.Annotate(err, "decoding sync payload").Tag(fatalTag).Err()
	}
	if err := p.validate(); err != nil {
		return err
	}
	switch p.Kind {
	case "repository":
		return w.d.Store.UpsertRepository(ctx, repoRecord(p.Repository))
	case "installation":
		return w.syncInstallation(ctx, &p)
	case "pull_request":
		return w.syncPullRequest(ctx, &p)
	}
	return nil
}

func (w *Worker) syncInstallation(ctx context.Context, p *SyncPayload) error {
	in := p.Installation
	switch p.Action {
	case "deleted":
		logging.Infof(ctx, "Installation %d (%s) deleted; detaching its repositories", in.ID, in.AccountLogin)
		return w.d.Store.DeleteInstallation(ctx, in.ID)
	case "suspend":
		logging.Infof(ctx, "Installation %d (%s) suspended", in.ID, in.AccountLogin)
		return w.d.Store.UpsertInstallation(ctx, &storage.Installation{
			ID:           in.ID,
			AccountLogin: in.AccountLogin,
			Suspended:    true,
		})
	case "created", "unsuspend", "new_permissions_accepted":
		return w.d.Store.UpsertInstallation(ctx, &storage.Installation{
			ID:           in.ID,
			AccountLogin: in.AccountLogin,
		})
	default:
		logging.Infof(ctx, "Ignoring installation action %q for %d", p.Action, in.ID)
		return nil
	}
}

func (w *Worker) syncPullRequest(ctx context.Context, p *SyncPayload) error {
	if err := w.d.Store.UpsertRepository(ctx, repoRecord(p.Repository)); err != nil {
		return err
	}
	head := &storage.PullRequestHead{
		RepoID:   p.Repository.ID,
		PRNumber: p.PullRequest.Number,
		HeadSHA:  p.PullRequest.HeadSHA,
		State:    p.PullRequest.State,
	}
	if err := head.SetLabels(p.PullRequest.Labels); err != nil {
		return errors.Annotate(err, "encoding labels of PR #%d", p.PullRequest.Number).Tag(fatalTag).Err()
	}
	return w.d.Store.UpsertPullRequestHead(ctx, head)
}

// repoRecord normalizes webhook repository info for the mirror. Owner
// and name fall back to splitting the full name when the payload
// leaves them empty.
func repoRecord(info *RepositoryInfo) *storage.Repository {
	owner, name := info.Owner, info.Name
	if owner == "" || name == "" {
		owner, name = splitFullName(info.FullName)
	}
	return &storage.Repository{
		ID:             info.ID,
		FullName:       info.FullName,
		Owner:          owner,
		Name:           name,
		InstallationID: info.InstallationID,
		DefaultBranch:  info.DefaultBranch,
	}
}

// handlePrune enforces retention for one repository and releases any
// quarantine whose expiry has passed. Both steps are idempotent.
func (w *Worker) handlePrune(ctx context.Context, payload []byte) error {
	var p PrunePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.Annotate(err, "decoding prune payload").Tag(fatalTag).Err()
	}
	if err := p.validate(); err != nil {
		return err
	}
	days := p.RetentionDays
	if days <= 0 {
		days = w.o.RetentionDays
	}

	pruned, err := w.d.Ingestor.PruneOccurrences(ctx, p.RepositoryID, days)
	if err != nil {
		return err
	}
	released, err := w.d.Quarantines.ReleaseExpired(ctx)
	if err != nil {
		return err
	}
	if pruned > 0 || released > 0 {
		logging.Infof(ctx, "Retention for repo %d: pruned %d occurrences older than %d days, released %d expired quarantines",
			p.RepositoryID, pruned, days, released)
	}
	return nil
}

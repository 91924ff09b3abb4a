// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// repoContents adapts the platform client to the policy loader's
// content source by resolving the repository's installation before
// each fetch. A repository never mirrored reads as having no policy
// file, which makes the loader fall back to the default policy.
type repoContents struct {
	store  *storage.Store
	client *platform.Client
}

// NewPolicySource returns the content source the policy loader reads
// repository policy files through.
func NewPolicySource(store *storage.Store, client *platform.Client) policy.ContentSource {
	return &repoContents{store: store, client: client}
}

func (rc *repoContents) FileContents(ctx context.Context, owner, repo, path, etag string) ([]byte, string, bool, error) {
	r, err := rc.store.RepositoryByFullName(ctx, owner+"/"+repo)
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return nil, "", false, platform.NewError(platform.CodeNotFound,
			fmt.Sprintf("repository %s/%s is not mirrored", owner, repo), nil)
	case err != nil:
		return nil, "", false, err
	}
	return rc.client.FileContents(ctx, r.InstallationID, owner, repo, path, "", etag)
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker

import (
	"strings"

	"go.chromium.org/luci/common/errors"
)

// Job kinds. The intake enqueues these; Worker.Run serves all of them.
const (
	KindIngest   = "ingest"
	KindCallback = "callback"
	KindSync     = "sync"
	KindPrune    = "prune"
)

// Kinds returns every job kind the worker consumes.
func Kinds() []string {
	return []string{KindIngest, KindCallback, KindSync, KindPrune}
}

// IngestPayload asks for one workflow run to be ingested and analyzed.
// Reanalyze requests reuse the stored occurrences of the commit's last
// recorded run instead of fetching artifacts.
type IngestPayload struct {
	DeliveryID         string `json:"deliveryId"`
	RepositoryID       int64  `json:"repositoryId"`
	RepositoryFullName string `json:"repositoryFullName"`
	InstallationID     int64  `json:"installationId"`
	WorkflowRunID      int64  `json:"workflowRunId"`
	RunAttempt         int    `json:"runAttempt"`
	HeadSHA            string `json:"headSha"`
	HeadBranch         string `json:"headBranch"`
	Event              string `json:"event"`
	Status             string `json:"status"`
	Conclusion         string `json:"conclusion"`
	Reanalyze          bool   `json:"reanalyze,omitempty"`
}

func (p *IngestPayload) validate() error {
	if p.RepositoryFullName == "" || p.InstallationID == 0 {
		return errors.Reason("Missing required repository or installation information").Tag(fatalTag).Err()
	}
	if !p.Reanalyze && p.WorkflowRunID == 0 {
		return errors.Reason("ingest payload names no workflow run").Tag(fatalTag).Err()
	}
	if p.Reanalyze && p.HeadSHA == "" {
		return errors.Reason("reanalysis payload names no commit").Tag(fatalTag).Err()
	}
	return nil
}

// CallbackPayload carries one check-run action button press.
type CallbackPayload struct {
	DeliveryID         string `json:"deliveryId"`
	RepositoryID       int64  `json:"repositoryId"`
	RepositoryFullName string `json:"repositoryFullName"`
	InstallationID     int64  `json:"installationId"`
	CheckRunID         int64  `json:"checkRunId"`
	HeadSHA            string `json:"headSha"`
	RunID              int64  `json:"runId"`
	Action             string `json:"action"`
	RequestedBy        string `json:"requestedBy"`
}

func (p *CallbackPayload) validate() error {
	if p.RepositoryFullName == "" || p.InstallationID == 0 {
		return errors.Reason("Missing required repository or installation information").Tag(fatalTag).Err()
	}
	if p.HeadSHA == "" || p.Action == "" {
		return errors.Reason("callback payload names no commit or action").Tag(fatalTag).Err()
	}
	return nil
}

// SyncPayload mirrors lightweight platform state: repository renames,
// installation lifecycle events and pull request head movement.
type SyncPayload struct {
	DeliveryID   string            `json:"deliveryId"`
	Kind         string            `json:"kind"`
	Action       string            `json:"action"`
	Repository   *RepositoryInfo   `json:"repository,omitempty"`
	Installation *InstallationInfo `json:"installation,omitempty"`
	PullRequest  *PullRequestInfo  `json:"pullRequest,omitempty"`
}

// RepositoryInfo identifies one repository as the platform names it.
type RepositoryInfo struct {
	ID             int64  `json:"id"`
	FullName       string `json:"fullName"`
	Owner          string `json:"owner"`
	Name           string `json:"name"`
	InstallationID int64  `json:"installationId"`
	DefaultBranch  string `json:"defaultBranch"`
}

// InstallationInfo identifies one app installation.
type InstallationInfo struct {
	ID           int64  `json:"id"`
	AccountLogin string `json:"accountLogin"`
}

// PullRequestInfo carries the head state of one pull request.
type PullRequestInfo struct {
	Number  int      `json:"number"`
	HeadSHA string   `json:"headSha"`
	State   string   `json:"state"`
	Labels  []string `json:"labels"`
}

func (p *SyncPayload) validate() error {
	switch p.Kind {
	case "repository":
		if p.Repository == nil || p.Repository.ID == 0 {
			return errors.Reason("repository sync names no repository").Tag(fatalTag).Err()
		}
	case "installation":
		if p.Installation == nil || p.Installation.ID == 0 {
			return errors.Reason("installation sync names no installation").Tag(fatalTag).Err()
		}
	case "pull_request":
		if p.Repository == nil || p.Repository.ID == 0 || p.PullRequest == nil || p.PullRequest.HeadSHA == "" {
			return errors.Reason("pull request sync names no head commit").Tag(fatalTag).Err()
		}
	default:
		return errors.Reason("unknown sync kind %q", p.Kind).Tag(fatalTag).Err()
	}
	return nil
}

// PrunePayload asks for one repository's aged occurrences to be
// dropped. A zero RetentionDays takes the worker's configured horizon.
type PrunePayload struct {
	RepositoryID  int64 `json:"repositoryId"`
	RetentionDays int   `json:"retentionDays"`
}

func (p *PrunePayload) validate() error {
	if p.RepositoryID == 0 {
		return errors.Reason("prune payload names no repository").Tag(fatalTag).Err()
	}
	return nil
}

// splitFullName separates "owner/name". Either side may come back
// empty when the input is malformed.
func splitFullName(full string) (owner, name string) {
	if i := strings.IndexByte(full, '/'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

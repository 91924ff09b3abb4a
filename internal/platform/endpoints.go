// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const artifactsPageSize = 100

// Artifact is one uploaded archive attached to a workflow run.
type Artifact struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SizeInBytes        int64     `json:"size_in_bytes"`
	Expired            bool      `json:"expired"`
	ExpiresAt          time.Time `json:"expires_at"`
	ArchiveDownloadURL string    `json:"archive_download_url"`
}

// ListArtifacts returns every artifact attached to a workflow run,
// following pagination.
func (c *Client) ListArtifacts(ctx context.Context, installationID int64, owner, repo string, runID int64, prio Priority) ([]Artifact, error) {
	var all []Artifact
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("per_page", strconv.Itoa(artifactsPageSize))
		q.Set("page", strconv.Itoa(page))
		var payload struct {
			TotalCount int        `json:"total_count"`
			Artifacts  []Artifact `json:"artifacts"`
		}
		err := c.doJSON(ctx, &Request{
			Method:         http.MethodGet,
			Path:           fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts", owner, repo, runID),
			Query:          q,
			InstallationID: installationID,
			Priority:       prio,
			Endpoint:       "list_artifacts",
		}, &payload)
		if err != nil {
			return nil, err
		}
		all = append(all, payload.Artifacts...)
		if len(payload.Artifacts) < artifactsPageSize || len(all) >= payload.TotalCount {
			return all, nil
		}
	}
}

// maxCheckActions is the Platform's limit on requested-action buttons.
const maxCheckActions = 3

// CheckAction is one requested-action button on a check run.
type CheckAction struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Identifier  string `json:"identifier"`
}

// CheckOutput is the rendered body of a check run.
type CheckOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Text    string `json:"text,omitempty"`
}

// CheckRunParams creates or updates a check run.
type CheckRunParams struct {
	Name       string        `json:"name"`
	HeadSHA    string        `json:"head_sha,omitempty"`
	ExternalID string        `json:"external_id,omitempty"`
	Status     string        `json:"status,omitempty"`
	Conclusion string        `json:"conclusion,omitempty"`
	Output     *CheckOutput  `json:"output,omitempty"`
	Actions    []CheckAction `json:"actions,omitempty"`
}

func (p *CheckRunParams) validate() error {
	if len(p.Actions) > maxCheckActions {
		return NewError(CodeUnprocessable,
			fmt.Sprintf("check run carries %d actions, the limit is %d", len(p.Actions), maxCheckActions), nil)
	}
	return nil
}

// CheckRun is the Platform's record of a published check.
type CheckRun struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	HTMLURL string `json:"html_url"`
}

// CreateCheckRun publishes a new check run against a commit. Check
// output is user-visible, so it rides at high priority.
func (c *Client) CreateCheckRun(ctx context.Context, installationID int64, owner, repo string, p *CheckRunParams) (*CheckRun, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	var out CheckRun
	err := c.doJSON(ctx, &Request{
		Method:         http.MethodPost,
		Path:           fmt.Sprintf("/repos/%s/%s/check-runs", owner, repo),
		Body:           p,
		InstallationID: installationID,
		Priority:       PriorityHigh,
		Endpoint:       "create_check_run",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCheckRun rewrites an existing check run in place.
func (c *Client) UpdateCheckRun(ctx context.Context, installationID int64, owner, repo string, checkRunID int64, p *CheckRunParams) (*CheckRun, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	var out CheckRun
	err := c.doJSON(ctx, &Request{
		Method:         http.MethodPatch,
		Path:           fmt.Sprintf("/repos/%s/%s/check-runs/%d", owner, repo, checkRunID),
		Body:           p,
		InstallationID: installationID,
		Priority:       PriorityHigh,
		Endpoint:       "update_check_run",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RerunFailedJobs asks the Platform to re-execute only the failed jobs
// of a workflow run. It backs a user-clicked action, hence high
// priority.
func (c *Client) RerunFailedJobs(ctx context.Context, installationID int64, owner, repo string, runID int64) error {
	return c.doJSON(ctx, &Request{
		Method:         http.MethodPost,
		Path:           fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun-failed-jobs", owner, repo, runID),
		InstallationID: installationID,
		Priority:       PriorityHigh,
		Endpoint:       "rerun_failed_jobs",
	}, nil)
}

// RerunWorkflow re-executes a whole workflow run.
func (c *Client) RerunWorkflow(ctx context.Context, installationID int64, owner, repo string, runID int64) error {
	return c.doJSON(ctx, &Request{
		Method:         http.MethodPost,
		Path:           fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun", owner, repo, runID),
		InstallationID: installationID,
		Priority:       PriorityHigh,
		Endpoint:       "rerun_workflow",
	}, nil)
}

// CancelWorkflow aborts an in-flight workflow run.
func (c *Client) CancelWorkflow(ctx context.Context, installationID int64, owner, repo string, runID int64) error {
	return c.doJSON(ctx, &Request{
		Method:         http.MethodPost,
		Path:           fmt.Sprintf("/repos/%s/%s/actions/runs/%d/cancel", owner, repo, runID),
		InstallationID: installationID,
		Priority:       PriorityHigh,
		Endpoint:       "cancel_workflow",
	}, nil)
}

// IssueParams opens a tracking issue.
type IssueParams struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// Issue is the Platform's record of an opened issue.
type Issue struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// CreateIssue opens an issue in the repository.
func (c *Client) CreateIssue(ctx context.Context, installationID int64, owner, repo string, p *IssueParams) (*Issue, error) {
	var out Issue
	err := c.doJSON(ctx, &Request{
		Method:         http.MethodPost,
		Path:           fmt.Sprintf("/repos/%s/%s/issues", owner, repo),
		Body:           p,
		InstallationID: installationID,
		Priority:       PriorityNormal,
		Endpoint:       "create_issue",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FileContents fetches one file as raw bytes. ref selects a branch or
// commit, empty for the default branch. Passing the etag from a prior
// call turns the request conditional; unchanged reports whether the
// Platform answered 304, in which case content is nil and the old etag
// is returned.
func (c *Client) FileContents(ctx context.Context, installationID int64, owner, repo, path, ref, etag string) (content []byte, newETag string, unchanged bool, err error) {
	q := url.Values{}
	if ref != "" {
		q.Set("ref", ref)
	}
	res, err := c.Do(ctx, &Request{
		Method:         http.MethodGet,
		Path:           fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, strings.TrimPrefix(path, "/")),
		Query:          q,
		InstallationID: installationID,
		Priority:       PriorityNormal,
		Endpoint:       "file_contents",
		Accept:         "application/vnd.github.raw",
		ETag:           etag,
	})
	if err != nil {
		return nil, "", false, err
	}
	if res.NotModified {
		return nil, etag, true, nil
	}
	return res.Body, res.ETag, false, nil
}

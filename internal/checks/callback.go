// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package checks

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/quarantine"
)

// Evaluation is a freshly derived decision set for one commit,
// together with the policy that produced it.
type Evaluation struct {
	Findings []Finding
	Policy   *policy.Policy
}

// EvalFunc recomputes the decision set for a commit from stored
// occurrences. Callbacks re-derive state through it instead of holding
// references to the job that published the check.
type EvalFunc func(ctx context.Context, tgt Target) (*Evaluation, error)

// Callback services the action buttons on an analysis check run.
type Callback struct {
	pub    *Publisher
	quars  *quarantine.Manager
	client *platform.Client
	eval   EvalFunc
}

func NewCallback(pub *Publisher, quars *quarantine.Manager, client *platform.Client, eval EvalFunc) *Callback {
	return &Callback{pub: pub, quars: quars, client: client, eval: eval}
}

// Handle runs the operation behind one clicked action identifier and
// then republishes the check with a status note. Unknown identifiers
// are logged and dropped so a stale button cannot wedge the queue.
func (cb *Callback) Handle(ctx context.Context, tgt Target, identifier, requestedBy string) error {
	switch identifier {
	case ActionRerunFailed:
		return cb.rerunFailed(ctx, tgt, requestedBy)
	case ActionQuarantine:
		return cb.quarantineFlaky(ctx, tgt, requestedBy)
	case ActionOpenIssue:
		return cb.openIssue(ctx, tgt, requestedBy)
	default:
		logging.Warningf(ctx, "Ignoring unknown check action %q for %s/%s@%.12s",
			identifier, tgt.Owner, tgt.Repo, tgt.HeadSHA)
		return nil
	}
}

func (cb *Callback) rerunFailed(ctx context.Context, tgt Target, requestedBy string) error {
	runID := tgt.RunID
	if runID == 0 {
		mirror, err := cb.pub.CheckRunForCommit(ctx, tgt.RepoID, tgt.HeadSHA)
		if err != nil {
			return errors.Annotate(err, "locating the workflow run to rerun").Err()
		}
		runID = mirror.RunID
	}
	if err := cb.client.RerunFailedJobs(ctx, tgt.InstallationID, tgt.Owner, tgt.Repo, runID); err != nil {
		return err
	}
	logging.Infof(ctx, "Requeued failed jobs of run %d for %s/%s", runID, tgt.Owner, tgt.Repo)
	return cb.republish(ctx, tgt, fmt.Sprintf("Failed jobs re-queued at the request of %s.", displayUser(requestedBy)))
}

func (cb *Callback) quarantineFlaky(ctx context.Context, tgt Target, requestedBy string) error {
	ev, err := cb.eval(ctx, tgt)
	if err != nil {
		return err
	}
	days := 0
	if ev.Policy != nil {
		days = ev.Policy.QuarantineDurationDays
	}

	applied := 0
	for i := range ev.Findings {
		f := &ev.Findings[i]
		if f.Decision.Action != policy.ActionQuarantine || f.Quarantined {
			continue
		}
		reason := f.Decision.Reason
		if reason == "" {
			reason = fmt.Sprintf("flake score %.2f", f.Score)
		}
		if err := cb.quars.Apply(ctx, tgt.RepoID, f.Decision.TestID, reason, requestedBy, days); err != nil {
			return err
		}
		f.Quarantined = true
		applied++
	}

	note := fmt.Sprintf("%d test%s quarantined by %s.", applied, plural(applied), displayUser(requestedBy))
	if applied == 0 {
		note = "No tests left to quarantine."
	}
	params := renderParams(tgt, ev.Findings)
	params.Output.Summary += "\n\n" + note
	return cb.pub.publishParams(ctx, tgt, params)
}

func (cb *Callback) openIssue(ctx context.Context, tgt Target, requestedBy string) error {
	ev, err := cb.eval(ctx, tgt)
	if err != nil {
		return err
	}
	if len(ev.Findings) == 0 {
		return cb.republish(ctx, tgt, "No flaky candidates to report in an issue.")
	}

	iss, err := cb.client.CreateIssue(ctx, tgt.InstallationID, tgt.Owner, tgt.Repo, &platform.IssueParams{
		Title:  issueTitle(ev.Findings),
		Body:   issueBody(tgt, ev.Findings),
		Labels: []string{"flaky-test"},
	})
	if err != nil {
		return err
	}
	logging.Infof(ctx, "Opened tracking issue #%d for %s/%s", iss.Number, tgt.Owner, tgt.Repo)

	params := renderParams(tgt, ev.Findings)
	params.Output.Summary += fmt.Sprintf("\n\nTracking issue #%d opened by %s.", iss.Number, displayUser(requestedBy))
	return cb.pub.publishParams(ctx, tgt, params)
}

// republish refreshes the check with current findings plus a note.
func (cb *Callback) republish(ctx context.Context, tgt Target, note string) error {
	ev, err := cb.eval(ctx, tgt)
	if err != nil {
		return err
	}
	params := renderParams(tgt, ev.Findings)
	params.Output.Summary += "\n\n" + note
	return cb.pub.publishParams(ctx, tgt, params)
}

func issueTitle(findings []Finding) string {
	if len(findings) == 1 {
		return "Flaky test: " + findings[0].Decision.FullName
	}
	return fmt.Sprintf("%d flaky tests detected", len(findings))
}

// issueBody renders a bounded issue body: the same confidence-ordered
// table the check shows, capped at maxTableRows entries.
func issueBody(tgt Target, findings []Finding) string {
	params := renderParams(tgt, findings)
	return fmt.Sprintf("FlakeGuard flagged the following tests on `%s/%s` at `%.12s`.\n\n%s\nReview the analysis check run for details.",
		tgt.Owner, tgt.Repo, tgt.HeadSHA, params.Output.Text)
}

func displayUser(login string) string {
	if login == "" {
		return "a repository user"
	}
	return "@" + login
}

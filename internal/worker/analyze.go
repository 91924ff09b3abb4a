// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker

import (
	"context"
	stderrors "errors"
	"strconv"

	"go.chromium.org/luci/common/logging"

	"github.com/thc1006/flakeguard-sub004/internal/checks"
	"github.com/thc1006/flakeguard-sub004/internal/ingestion"
	"github.com/thc1006/flakeguard-sub004/internal/metrics"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/scoring"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// maxEvaluatedScores bounds how many stored scores one callback
// evaluation reads back.
const maxEvaluatedScores = 100

// findingInfo pairs one decision with the scoring evidence behind it.
type findingInfo struct {
	decision policy.Decision
	result   scoring.Result
}

// analyze scores the failed cases of the target run under the
// repository's policy, persists the scores, applies auto-quarantine
// and publishes the analysis check.
func (w *Worker) analyze(ctx context.Context, tgt checks.Target) error {
	snap := w.d.Policies.Get(ctx, tgt.Owner, tgt.Repo)
	for _, warn := range snap.Warnings {
		logging.Warningf(ctx, "Policy of %s/%s: %s", tgt.Owner, tgt.Repo, warn)
	}

	cases, err := w.d.Ingestor.FailedCasesForRun(ctx, tgt.RepoID, tgt.RunID)
	if err != nil {
		return err
	}
	infos, err := w.evaluateCases(ctx, tgt, snap.Policy, cases)
	if err != nil {
		return err
	}

	findings := make([]checks.Finding, 0, len(infos))
	for _, fi := range infos {
		metrics.Decisions.WithLabelValues(string(fi.decision.Action)).Inc()
		if fi.decision.Action == policy.ActionNone {
			continue
		}
		findings = append(findings, checks.Finding{
			Decision:        fi.decision,
			Score:           fi.result.Score,
			Confidence:      fi.result.Confidence,
			TotalRuns:       fi.result.TotalRuns,
			RecentFailures:  fi.result.Failures,
			RerunPassRate:   fi.result.Features.RerunPassRate,
			RerunsObserved:  fi.result.Features.RerunsObserved,
			LastFailedRunID: fi.result.LastFailedRunID,
		})
	}
	if err := w.markQuarantined(ctx, tgt.RepoID, findings); err != nil {
		return err
	}
	if err := w.autoQuarantine(ctx, tgt, findings); err != nil {
		return err
	}
	return w.d.Publisher.Publish(ctx, tgt, findings)
}

// evaluateCases scores each failed case against its stored history,
// persists the scores and runs the policy over the batch. Results come
// back in case order, one per case.
func (w *Worker) evaluateCases(ctx context.Context, tgt checks.Target, pol *policy.Policy, cases []storage.TestCase) ([]findingInfo, error) {
	if len(cases) == 0 {
		return nil, nil
	}
	params := scoring.Params{
		WindowSize:     pol.RollingWindowSize,
		MinOccurrences: pol.MinOccurrences,
		FlakyThreshold: pol.FlakyThreshold,
		WarnThreshold:  pol.WarnThreshold,
		Weights:        pol.ScoringWeights,
	}

	cands := make([]policy.Candidate, 0, len(cases))
	results := make(map[int64]scoring.Result, len(cases))
	for _, tc := range cases {
		history, err := w.d.Ingestor.History(ctx, tc.ID, pol.LookbackDays, pol.RollingWindowSize)
		if err != nil {
			return nil, err
		}
		res := scoring.Score(history, params)

		fs := &storage.FlakeScore{
			TestCaseID:      tc.ID,
			RepoID:          tgt.RepoID,
			Score:           res.Score,
			Confidence:      res.Confidence,
			TotalRuns:       res.TotalRuns,
			RecentFailures:  res.Failures,
			RerunPassRate:   res.Features.RerunPassRate,
			RerunsObserved:  res.Features.RerunsObserved,
			LastFailedRunID: res.LastFailedRunID,
		}
		if !res.LastFailedAt.IsZero() {
			at := res.LastFailedAt
			fs.LastFailedAt = &at
		}
		if err := w.d.Ingestor.SaveScore(ctx, fs); err != nil {
			return nil, err
		}

		results[tc.ID] = res
		cands = append(cands, policy.Candidate{
			TestID:          tc.ID,
			FullName:        tc.FullName,
			File:            tc.SourcePath,
			Score:           res.Score,
			Confidence:      res.Confidence,
			TotalRuns:       res.TotalRuns,
			RecentFailures:  res.Failures,
			RerunPassRate:   res.Features.RerunPassRate,
			LastFailedRunID: res.LastFailedRunID,
		})
	}

	ec := policy.EvalContext{
		Owner:         tgt.Owner,
		Repo:          tgt.Repo,
		LabelsPresent: w.labelsFor(ctx, tgt),
	}
	decisions := policy.Evaluate(pol, ec, cands)
	infos := make([]findingInfo, 0, len(decisions))
	for _, d := range decisions {
		infos = append(infos, findingInfo{decision: d, result: results[d.TestID]})
	}
	return infos, nil
}

// labelsFor returns the labels of the pull request whose head is the
// target commit. Pushes without a recorded pull request have none;
// label read failures degrade to none rather than failing the job.
func (w *Worker) labelsFor(ctx context.Context, tgt checks.Target) []string {
	head, err := w.d.Store.PullRequestHeadBySHA(ctx, tgt.RepoID, tgt.HeadSHA)
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		logging.Warningf(ctx, "Reading pull request head for %s: %s", tgt.HeadSHA, err)
		return nil
	}
	names, err := head.LabelNames()
	if err != nil {
		logging.Warningf(ctx, "Decoding labels of PR #%d: %s", head.PRNumber, err)
		return nil
	}
	return names
}

// markQuarantined flags the findings whose test is already under an
// active quarantine.
func (w *Worker) markQuarantined(ctx context.Context, repoID int64, findings []checks.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	active, err := w.d.Quarantines.ActiveSet(ctx, repoID)
	if err != nil {
		return err
	}
	for i := range findings {
		if _, ok := active[findings[i].Decision.TestID]; ok {
			findings[i].Quarantined = true
		}
	}
	return nil
}

// autoQuarantine applies the quarantine decisions the policy marked
// auto-applicable, skipping tests already under one.
func (w *Worker) autoQuarantine(ctx context.Context, tgt checks.Target, findings []checks.Finding) error {
	for i := range findings {
		f := &findings[i]
		if f.Quarantined || f.Decision.Metadata["autoApply"] != "true" {
			continue
		}
		days, _ := strconv.Atoi(f.Decision.Metadata["quarantineDays"])
		if err := w.d.Quarantines.Apply(ctx, tgt.RepoID, f.Decision.TestID, f.Decision.Reason, "policy", days); err != nil {
			return err
		}
		logging.Infof(ctx, "Auto-quarantined %s in %s/%s for %d days", f.Decision.FullName, tgt.Owner, tgt.Repo, days)
		f.Quarantined = true
	}
	return nil
}

// Evaluate recomputes the decision set for a commit from stored
// scores. The check-run action buttons run through it because they
// arrive long after the occurrences that produced the check were
// scored.
func (w *Worker) Evaluate(ctx context.Context, tgt checks.Target) (*checks.Evaluation, error) {
	snap := w.d.Policies.Get(ctx, tgt.Owner, tgt.Repo)
	pol := snap.Policy

	scored, err := w.d.Ingestor.RankedScores(ctx, tgt.RepoID, pol.WarnThreshold, maxEvaluatedScores)
	if err != nil {
		return nil, err
	}
	cands := make([]policy.Candidate, 0, len(scored))
	byID := make(map[int64]ingestion.ScoredCase, len(scored))
	for _, sc := range scored {
		byID[sc.TestCaseID] = sc
		cands = append(cands, policy.Candidate{
			TestID:          sc.TestCaseID,
			FullName:        sc.FullName,
			File:            sc.SourcePath,
			Score:           sc.Score,
			Confidence:      sc.Confidence,
			TotalRuns:       sc.TotalRuns,
			RecentFailures:  sc.RecentFailures,
			RerunPassRate:   sc.RerunPassRate,
			LastFailedRunID: sc.LastFailedRunID,
		})
	}

	ec := policy.EvalContext{
		Owner:         tgt.Owner,
		Repo:          tgt.Repo,
		LabelsPresent: w.labelsFor(ctx, tgt),
	}
	findings := make([]checks.Finding, 0, len(cands))
	for _, d := range policy.Evaluate(pol, ec, cands) {
		if d.Action == policy.ActionNone {
			continue
		}
		sc := byID[d.TestID]
		findings = append(findings, checks.Finding{
			Decision:        d,
			Score:           sc.Score,
			Confidence:      sc.Confidence,
			TotalRuns:       sc.TotalRuns,
			RecentFailures:  sc.RecentFailures,
			RerunPassRate:   sc.RerunPassRate,
			RerunsObserved:  sc.RerunsObserved,
			LastFailedRunID: sc.LastFailedRunID,
		})
	}
	if err := w.markQuarantined(ctx, tgt.RepoID, findings); err != nil {
		return nil, err
	}
	return &checks.Evaluation{Findings: findings, Policy: pol}, nil
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package quarantine

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"github.com/thc1006/flakeguard-sub004/internal/ingestion"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/scoring"
)

// planCandidateLimit caps how many recently failing tests one plan
// rescores.
const planCandidateLimit = 200

// Planner produces a dry-run quarantine plan: it rescores recent
// history under a given policy and reports what the policy engine
// would do. Nothing is applied.
type Planner struct {
	ing *ingestion.Ingestor
}

// NewPlanner returns a Planner reading through the given ingestor.
func NewPlanner(ing *ingestion.Ingestor) *Planner {
	return &Planner{ing: ing}
}

// PlanRequest describes one planning run.
type PlanRequest struct {
	RepoID int64
	Owner  string
	Repo   string
	// Policy overrides the repository policy for this plan; nil means
	// defaults.
	Policy *policy.Policy
	// LookbackDays bounds the rescored history; zero means the policy's
	// own lookback.
	LookbackDays int
	// IncludeAnnotations attaches the scoring evidence to each item.
	IncludeAnnotations bool
}

// Annotations is the scoring evidence behind one plan item.
type Annotations struct {
	Score           float64 `json:"score"`
	Confidence      float64 `json:"confidence"`
	TotalRuns       int     `json:"totalRuns"`
	RecentFailures  int     `json:"recentFailures"`
	RerunPassRate   float64 `json:"rerunPassRate"`
	LastFailedRunID int64   `json:"lastFailedRunId"`
}

// PlanItem is one actionable decision in a plan.
type PlanItem struct {
	Decision    policy.Decision `json:"decision"`
	Annotations *Annotations    `json:"annotations,omitempty"`
}

// Plan is the outcome of one planning run.
type Plan struct {
	RepoID       int64      `json:"repositoryId"`
	GeneratedAt  time.Time  `json:"generatedAt"`
	LookbackDays int        `json:"lookbackDays"`
	Evaluated    int        `json:"evaluated"`
	Items        []PlanItem `json:"items"`
}

// Plan rescores the repository's recently failing tests under the
// requested policy and returns the decisions that would act (warn or
// quarantine). Tests the policy leaves alone are counted but omitted.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	pol := req.Policy
	if pol == nil {
		pol = policy.Default()
	}
	lookback := req.LookbackDays
	if lookback <= 0 {
		lookback = pol.LookbackDays
	}

	cases, err := p.ing.RecentlyFailingCases(ctx, req.RepoID, lookback, planCandidateLimit)
	if err != nil {
		return nil, errors.Annotate(err, "collecting plan candidates").Err()
	}

	params := scoring.Params{
		WindowSize:     pol.RollingWindowSize,
		MinOccurrences: pol.MinOccurrences,
		FlakyThreshold: pol.FlakyThreshold,
		WarnThreshold:  pol.WarnThreshold,
		Weights:        pol.ScoringWeights,
	}

	cands := make([]policy.Candidate, 0, len(cases))
	evidence := make(map[int64]*Annotations, len(cases))
	for i := range cases {
		c := &cases[i]
		hist, err := p.ing.History(ctx, c.ID, lookback, pol.RollingWindowSize)
		if err != nil {
			return nil, errors.Annotate(err, "reading history for case %d", c.ID).Err()
		}
		res := scoring.Score(hist, params)

		file := c.File
		if file == "" {
			file = c.SourcePath
		}
		cands = append(cands, policy.Candidate{
			TestID:          c.ID,
			FullName:        c.FullName,
			File:            file,
			Score:           res.Score,
			Confidence:      res.Confidence,
			TotalRuns:       res.TotalRuns,
			RecentFailures:  res.Failures,
			RerunPassRate:   res.Features.RerunPassRate,
			LastFailedRunID: res.LastFailedRunID,
		})
		evidence[c.ID] = &Annotations{
			Score:           res.Score,
			Confidence:      res.Confidence,
			TotalRuns:       res.TotalRuns,
			RecentFailures:  res.Failures,
			RerunPassRate:   res.Features.RerunPassRate,
			LastFailedRunID: res.LastFailedRunID,
		}
	}

	decisions := policy.Evaluate(pol, policy.EvalContext{Owner: req.Owner, Repo: req.Repo}, cands)

	plan := &Plan{
		RepoID:       req.RepoID,
		GeneratedAt:  clock.Now(ctx).UTC(),
		LookbackDays: lookback,
		Evaluated:    len(decisions),
		Items:        []PlanItem{},
	}
	for _, d := range decisions {
		if d.Action == policy.ActionNone {
			continue
		}
		item := PlanItem{Decision: d}
		if req.IncludeAnnotations {
			item.Annotations = evidence[d.TestID]
		}
		plan.Items = append(plan.Items, item)
	}
	return plan, nil
}

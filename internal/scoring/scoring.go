// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scoring derives flakiness scores from test occurrence history.
// Score is a pure function: identical input produces bit-identical output.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/thc1006/flakeguard-sub004/internal/report"
)

// confidenceSaturation is the history size at which the sample-size factor
// of the confidence reaches 1.
const confidenceSaturation = 30

// Occurrence is one historical execution of a test.
type Occurrence struct {
	Status       report.Status
	RunID        int64
	HeadSHA      string
	Attempt      int
	MsgSignature string
	CreatedAt    time.Time
	DurationMs   int64
}

// Features are the per-signal inputs to the weighted score, each in [0,1].
type Features struct {
	FailSuccessRatio    float64
	RerunPassRate       float64
	Intermittency       float64
	ConsecutiveFailures float64
	MessageVariance     float64
	Clustering          float64
	// RerunsObserved is false when no failure in the history was ever
	// retried on the same commit, making RerunPassRate a floor of 0
	// rather than a measurement.
	RerunsObserved bool
}

// Weights scales each feature's contribution to the score. Values are
// non-negative and the defaults sum to 1.
type Weights struct {
	FailSuccessRatio    float64 `yaml:"fail_success_ratio"`
	RerunPassRate       float64 `yaml:"rerun_pass_rate"`
	Intermittency       float64 `yaml:"intermittency"`
	ConsecutiveFailures float64 `yaml:"consecutive_failures"`
	MessageVariance     float64 `yaml:"message_variance"`
	Clustering          float64 `yaml:"clustering"`
}

// DefaultWeights weighs direct failure evidence highest, then the
// rerun and alternation signals.
func DefaultWeights() Weights {
	return Weights{
		FailSuccessRatio:    0.30,
		RerunPassRate:       0.20,
		Intermittency:       0.20,
		ConsecutiveFailures: 0.10,
		MessageVariance:     0.10,
		Clustering:          0.10,
	}
}

// Recommendation is the scorer's advisory action label. The policy engine
// owns the binding decision.
type Recommendation string

const (
	RecommendNone       Recommendation = "none"
	RecommendWarn       Recommendation = "warn"
	RecommendQuarantine Recommendation = "quarantine"
)

// Params bound the history the scorer considers.
type Params struct {
	// WindowSize is the maximum number of most-recent occurrences scored.
	WindowSize int
	// MinOccurrences is the sample size below which the scorer abstains
	// with zero confidence.
	MinOccurrences int
	// FlakyThreshold and WarnThreshold drive the advisory recommendation.
	// A score exactly at a threshold takes the less severe label.
	FlakyThreshold float64
	WarnThreshold  float64
	Weights        Weights
}

func (p Params) withDefaults() Params {
	if p.WindowSize <= 0 {
		p.WindowSize = 100
	}
	if p.MinOccurrences <= 0 {
		p.MinOccurrences = 5
	}
	if p.FlakyThreshold == 0 {
		p.FlakyThreshold = 0.6
	}
	if p.WarnThreshold == 0 {
		p.WarnThreshold = 0.3
	}
	if p.Weights == (Weights{}) {
		p.Weights = DefaultWeights()
	}
	return p
}

// Result is the scorer verdict for one test.
type Result struct {
	Score          float64
	Confidence     float64
	Features       Features
	Recommendation Recommendation

	// TotalRuns is the number of occurrences actually scored: skipped
	// and unrecognized statuses are not counted.
	TotalRuns int
	// Failures counts failed and errored occurrences in the window.
	Failures int
	// LastFailedRunID and LastFailedAt locate the most recent failure,
	// zero values when the window holds none.
	LastFailedRunID int64
	LastFailedAt    time.Time
}

// Score evaluates the flakiness of one test from its occurrence history.
// Order of the input is irrelevant; occurrences are canonically ordered
// by (createdAt, runID, attempt) before evaluation.
func Score(history []Occurrence, p Params) Result {
	p = p.withDefaults()

	ordered := effectiveHistory(history)
	if len(ordered) > p.WindowSize {
		ordered = ordered[len(ordered)-p.WindowSize:]
	}
	n := len(ordered)

	res := Result{TotalRuns: n, Recommendation: RecommendNone}
	if n == 0 {
		return res
	}

	res.Features = computeFeatures(ordered, p.WindowSize)
	for i := n - 1; i >= 0; i-- {
		if isFailure(ordered[i].Status) {
			res.LastFailedRunID = ordered[i].RunID
			res.LastFailedAt = ordered[i].CreatedAt
			break
		}
	}
	for i := range ordered {
		if isFailure(ordered[i].Status) {
			res.Failures++
		}
	}

	w := p.Weights
	f := res.Features
	score := w.FailSuccessRatio*f.FailSuccessRatio +
		w.RerunPassRate*f.RerunPassRate +
		w.Intermittency*f.Intermittency +
		w.ConsecutiveFailures*f.ConsecutiveFailures +
		w.MessageVariance*f.MessageVariance +
		w.Clustering*f.Clustering
	res.Score = clamp01(score)

	if n < p.MinOccurrences {
		// Too small a sample to act on.
		res.Confidence = 0
		res.Recommendation = RecommendNone
		return res
	}

	res.Confidence = confidence(ordered)
	switch {
	case res.Score > p.FlakyThreshold:
		res.Recommendation = RecommendQuarantine
	case res.Score > p.WarnThreshold:
		res.Recommendation = RecommendWarn
	default:
		res.Recommendation = RecommendNone
	}
	return res
}

// effectiveHistory filters to statuses that carry pass/fail signal and
// puts them in canonical order.
func effectiveHistory(history []Occurrence) []Occurrence {
	out := make([]Occurrence, 0, len(history))
	for _, o := range history {
		switch o.Status {
		case report.StatusPassed, report.StatusFailed, report.StatusError:
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out
}

func computeFeatures(ordered []Occurrence, window int) Features {
	n := len(ordered)
	var f Features

	failures, passes := 0, 0
	signatures := map[string]struct{}{}
	for _, o := range ordered {
		if isFailure(o.Status) {
			failures++
			signatures[o.MsgSignature] = struct{}{}
		} else {
			passes++
		}
	}
	if failures+passes > 0 {
		f.FailSuccessRatio = float64(failures) / float64(failures+passes)
	}
	if failures > 0 {
		f.MessageVariance = clamp01(float64(len(signatures)) / float64(failures))
	}

	f.RerunPassRate, f.RerunsObserved = rerunPassRate(ordered)

	if n > 1 {
		transitions := 0
		for i := 1; i < n; i++ {
			if isFailure(ordered[i].Status) != isFailure(ordered[i-1].Status) {
				transitions++
			}
		}
		f.Intermittency = float64(transitions) / float64(n-1)
	}

	streak := 0
	for i := n - 1; i >= 0; i-- {
		if !isFailure(ordered[i].Status) {
			break
		}
		streak++
	}
	f.ConsecutiveFailures = clamp01(float64(streak) / float64(window))

	maxRun, run := 1, 1
	for i := 1; i < n; i++ {
		if isFailure(ordered[i].Status) == isFailure(ordered[i-1].Status) {
			run++
		} else {
			run = 1
		}
		if run > maxRun {
			maxRun = run
		}
	}
	// Long uniform stretches mean stability; alternation means flakiness.
	f.Clustering = 1 - float64(maxRun)/float64(n)

	return f
}

// rerunPassRate is the fraction of retried failures that went on to pass
// on the same commit. The bool is false when no failure was retried.
func rerunPassRate(ordered []Occurrence) (float64, bool) {
	// Group indexes by head commit, preserving canonical order.
	bySHA := map[string][]int{}
	shas := []string{}
	for i, o := range ordered {
		if _, ok := bySHA[o.HeadSHA]; !ok {
			shas = append(shas, o.HeadSHA)
		}
		bySHA[o.HeadSHA] = append(bySHA[o.HeadSHA], i)
	}

	retried, passedAfter := 0, 0
	for _, sha := range shas {
		idx := bySHA[sha]
		for pos, i := range idx {
			if !isFailure(ordered[i].Status) {
				continue
			}
			if pos == len(idx)-1 {
				continue // never retried
			}
			retried++
			for _, j := range idx[pos+1:] {
				if ordered[j].Status == report.StatusPassed {
					passedAfter++
					break
				}
			}
		}
	}
	if retried == 0 {
		return 0, false
	}
	return float64(passedAfter) / float64(retried), true
}

// confidence grows with sample size, saturating at confidenceSaturation,
// and shrinks with the dispersion of recent outcomes.
func confidence(ordered []Occurrence) float64 {
	n := len(ordered)
	recent := ordered
	if n > confidenceSaturation {
		recent = ordered[n-confidenceSaturation:]
	}
	failures := 0
	for _, o := range recent {
		if isFailure(o.Status) {
			failures++
		}
	}
	p := float64(failures) / float64(len(recent))
	sizeFactor := math.Min(float64(n)/confidenceSaturation, 1)
	// Bernoulli variance p(1-p) peaks at 0.25; scale so maximal dispersion
	// costs a quarter of the confidence.
	return clamp01(sizeFactor * (1 - p*(1-p)))
}

func isFailure(s report.Status) bool {
	return s == report.StatusFailed || s == report.StatusError
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

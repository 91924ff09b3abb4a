// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package worker runs the broker consumers. Four job kinds are served:
// ingest turns a finished workflow run into a published analysis,
// callback services check-run action buttons, sync mirrors lightweight
// platform state, and prune enforces retention. One Worker serves all
// kinds with a fixed number of loops per kind; jobs sharing a
// repository are serialized by the broker's ordering key.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/thc1006/flakeguard-sub004/internal/broker"
	"github.com/thc1006/flakeguard-sub004/internal/checks"
	"github.com/thc1006/flakeguard-sub004/internal/ingestion"
	"github.com/thc1006/flakeguard-sub004/internal/metrics"
	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/quarantine"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// Defaults for Options. Each is applied when the matching field is
// left zero.
const (
	DefaultConcurrency      = 4
	DefaultJobDeadline      = 5 * time.Minute
	DefaultRetentionDays    = 90
	DefaultMaxArtifactBytes = 100 << 20
	DefaultPollInterval     = time.Second
	DefaultSampleInterval   = 30 * time.Second
	DefaultPruneInterval    = 24 * time.Hour
)

// fatalTag marks job errors no retry can cure; settle moves tagged
// jobs straight to the dead letters.
var fatalTag = errors.BoolTag{Key: errors.NewTagKey("this job must dead-letter")}

// Options tunes the worker runtime. The zero value takes every
// default.
type Options struct {
	// Concurrency is the number of consumer loops per job kind.
	Concurrency int
	// JobDeadline bounds one job execution end to end. It must stay
	// below the broker's visibility timeout or slow jobs get
	// redelivered while still running.
	JobDeadline time.Duration
	// RetentionDays is the occurrence retention horizon used when a
	// prune payload names none.
	RetentionDays int
	// MaxArtifactBytes filters the artifact listing before download.
	MaxArtifactBytes int64
	// PollInterval separates reserve attempts on an idle queue.
	PollInterval time.Duration
	// SampleInterval separates queue depth samples.
	SampleInterval time.Duration
	// PruneInterval separates retention sweeps.
	PruneInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.JobDeadline <= 0 {
		o.JobDeadline = DefaultJobDeadline
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = DefaultRetentionDays
	}
	if o.MaxArtifactBytes <= 0 {
		o.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = DefaultSampleInterval
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = DefaultPruneInterval
	}
	return o
}

// Deps are the capabilities the job handlers run on.
type Deps struct {
	Broker      broker.Broker
	Store       *storage.Store
	Ingestor    *ingestion.Ingestor
	Quarantines *quarantine.Manager
	Client      *platform.Client
	Publisher   *checks.Publisher
	Policies    *policy.Loader
}

// Worker consumes jobs until its context ends.
type Worker struct {
	o  Options
	d  Deps
	cb *checks.Callback
}

// New wires a worker. The checks callback is bound to this worker's
// evaluator, so action buttons rescore from stored state under the
// same policy as the original analysis.
func New(d Deps, o Options) *Worker {
	w := &Worker{o: o.withDefaults(), d: d}
	w.cb = checks.NewCallback(d.Publisher, d.Quarantines, d.Client, w.Evaluate)
	return w
}

// Run starts the consumer loops, the queue depth sampler and the
// retention scheduler, then blocks until ctx is done and every loop
// has exited.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kind := range Kinds() {
		for i := 0; i < w.o.Concurrency; i++ {
			wg.Add(1)
			go func(kind string) {
				defer wg.Done()
				w.consume(ctx, kind)
			}(kind)
		}
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.sampleDepth(ctx)
	}()
	go func() {
		defer wg.Done()
		w.scheduleRetention(ctx)
	}()
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context, kind string) {
	for ctx.Err() == nil {
		job, lease, err := w.d.Broker.Reserve(ctx, kind)
		switch {
		case err == broker.ErrNoJob:
			w.idle(ctx, w.o.PollInterval)
			continue
		case err != nil:
			logging.Errorf(ctx, "Reserving %s job: %s", kind, err)
			w.idle(ctx, w.o.PollInterval)
			continue
		}
		w.process(ctx, kind, job, lease)
	}
}

// idle sleeps for roughly d, jittered so the loops of a fleet do not
// poll in lockstep.
func (w *Worker) idle(ctx context.Context, d time.Duration) {
	if span := int64(d / 2); span > 0 {
		d = d - d/4 + time.Duration(mathrand.Int63n(ctx, span+1))
	}
	clock.Sleep(ctx, d)
}

func (w *Worker) process(ctx context.Context, kind string, job *broker.Job, lease *broker.Lease) {
	logging.Infof(ctx, "Starting %s job %s (attempt %d/%d)", kind, job.ID, job.Attempt, job.MaxAttempts)
	start := clock.Now(ctx)
	jctx, cancel := clock.WithTimeout(ctx, w.o.JobDeadline)
	err := w.dispatch(jctx, kind, job)
	cancel()
	metrics.JobDuration.WithLabelValues(kind).Observe(clock.Now(ctx).Sub(start).Seconds())
	w.settle(ctx, kind, job, lease, err)
}

func (w *Worker) dispatch(ctx context.Context, kind string, job *broker.Job) error {
	switch kind {
	case KindIngest:
		return w.handleIngest(ctx, job.Payload)
	case KindCallback:
		return w.handleCallback(ctx, job.Payload)
	case KindSync:
		return w.handleSync(ctx, job.Payload)
	case KindPrune:
		return w.handlePrune(ctx, job.Payload)
	default:
		return errors.Reason("unknown job kind %q", kind).Tag(fatalTag).Err()
	}
}

// settle resolves a finished job against its lease. Fatal errors
// dead-letter, conditions no retry can cure complete with a warning,
// everything else releases the job for a backoff retry.
func (w *Worker) settle(ctx context.Context, kind string, job *broker.Job, lease *broker.Lease, err error) {
	var (
		op      func() error
		outcome string
	)
	switch {
	case err == nil:
		op = func() error { return w.d.Broker.Ack(ctx, lease) }
		outcome = "ok"
	case fatalTag.In(err):
		logging.Errorf(ctx, "Dead-lettering %s job %s: %s", kind, job.ID, err)
		op = func() error { return w.d.Broker.Kill(ctx, lease, err.Error()) }
		outcome = "killed"
	case completableCode(platform.CodeOf(err)):
		logging.Warningf(ctx, "Completing %s job %s despite: %s", kind, job.ID, err)
		op = func() error { return w.d.Broker.Ack(ctx, lease) }
		outcome = "skipped"
	default:
		logging.Warningf(ctx, "Releasing %s job %s after attempt %d/%d: %s", kind, job.ID, job.Attempt, job.MaxAttempts, err)
		op = func() error { return w.d.Broker.Fail(ctx, lease, err.Error()) }
		outcome = "retried"
	}
	if serr := op(); serr != nil {
		// A lost lease means the broker already redelivered the job;
		// the next delivery settles it.
		logging.Warningf(ctx, "Settling %s job %s: %s", kind, job.ID, serr)
	}
	metrics.JobsProcessed.WithLabelValues(kind, outcome).Inc()
}

// completableCode reports platform conditions that a redelivery cannot
// cure but that do not merit a dead letter: the job did all it could.
func completableCode(code platform.Code) bool {
	switch code {
	case platform.CodeArtifactExpired, platform.CodePermissionDenied, platform.CodeNotFound:
		return true
	}
	return false
}

// statser is the optional stats surface of the broker. The Redis
// implementation provides it.
type statser interface {
	Stats(ctx context.Context, kind string) (broker.Stats, error)
}

func (w *Worker) sampleDepth(ctx context.Context) {
	sb, ok := w.d.Broker.(statser)
	if !ok {
		return
	}
	for ctx.Err() == nil {
		for _, kind := range Kinds() {
			s, err := sb.Stats(ctx, kind)
			if err != nil {
				logging.Warningf(ctx, "Sampling %s queue depth: %s", kind, err)
				continue
			}
			metrics.QueueDepth.WithLabelValues(kind).Set(float64(s.ReadyKeys))
		}
		w.idle(ctx, w.o.SampleInterval)
	}
}

// scheduleRetention enqueues one prune job per repository each
// interval. The day-scoped idempotency key collapses sweeps scheduled
// by multiple replicas on the same day.
func (w *Worker) scheduleRetention(ctx context.Context) {
	for ctx.Err() == nil {
		w.enqueuePrunes(ctx)
		w.idle(ctx, w.o.PruneInterval)
	}
}

func (w *Worker) enqueuePrunes(ctx context.Context) {
	ids, err := w.d.Ingestor.RepositoryIDs(ctx)
	if err != nil {
		logging.Errorf(ctx, "Listing repositories for retention: %s", err)
		return
	}
	day := clock.Now(ctx).UTC().Format("2006-01-02")
	for _, id := range ids {
		payload, err := json.Marshal(&PrunePayload{RepositoryID: id, RetentionDays: w.o.RetentionDays})
		if err != nil {
			logging.Errorf(ctx, "Encoding prune payload for repo %d: %s", id, err)
			continue
		}
		_, err = w.d.Broker.Enqueue(ctx, KindPrune, payload, broker.Options{
			Priority:       broker.PriorityLow,
			IdempotencyKey: fmt.Sprintf("prune:%d:%s", id, day),
			OrderingKey:    OrderingKey(id),
		})
		if err != nil {
			logging.Errorf(ctx, "Enqueueing prune for repo %d: %s", id, err)
		}
	}
	if len(ids) > 0 {
		logging.Infof(ctx, "Scheduled retention sweep over %d repositories", len(ids))
	}
}

// OrderingKey serializes all jobs touching one repository. The intake
// uses the same key so ingests, callbacks and prunes for a repository
// never interleave.
func OrderingKey(repoID int64) string {
	return strconv.FormatInt(repoID, 10)
}

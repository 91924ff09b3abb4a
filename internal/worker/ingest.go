// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"strings"

	"github.com/bmatcuk/doublestar"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/sync/parallel"

	"github.com/thc1006/flakeguard-sub004/internal/checks"
	"github.com/thc1006/flakeguard-sub004/internal/ingestion"
	"github.com/thc1006/flakeguard-sub004/internal/metrics"
	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/report"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// artifactNameGlobs are the artifact names worth downloading. Names
// are lowercased before matching.
var artifactNameGlobs = []string{
	"test-results*",
	"junit*",
	"surefire-reports*",
	"test-reports*",
	"test-output",
	"coverage*",
}

// artifactFetchers bounds concurrent downloads within one run. The
// client's admission gate bounds the process-wide total.
const artifactFetchers = 4

// handleIngest turns one finished workflow run into stored occurrences
// and a published check. Reanalysis requests skip the artifact fetch
// and rescore the commit's last recorded run from storage.
func (w *Worker) handleIngest(ctx context.Context, payload []byte) error {
	var p IngestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.Annotate(err, "decoding ingest payload").Tag(fatalTag).Err()
	}
	if err := p.validate(); err != nil {
		return err
	}
	owner, name := splitFullName(p.RepositoryFullName)
	if owner == "" || name == "" {
		return errors.Reason("Missing required repository or installation information").Tag(fatalTag).Err()
	}

	if err := w.d.Store.UpsertRepository(ctx, &storage.Repository{
		ID:             p.RepositoryID,
		FullName:       p.RepositoryFullName,
		Owner:          owner,
		Name:           name,
		InstallationID: p.InstallationID,
	}); err != nil {
		return err
	}
	if suspended, err := w.installationSuspended(ctx, p.InstallationID); err != nil {
		return err
	} else if suspended {
		logging.Warningf(ctx, "Installation %d is suspended; dropping delivery %s for %s", p.InstallationID, p.DeliveryID, p.RepositoryFullName)
		return nil
	}

	runID := p.WorkflowRunID
	if p.Reanalyze {
		mirror, err := w.d.Publisher.CheckRunForCommit(ctx, p.RepositoryID, p.HeadSHA)
		switch {
		case stderrors.Is(err, storage.ErrNotFound):
			logging.Warningf(ctx, "No prior analysis of %s@%s; nothing to reanalyze", p.RepositoryFullName, p.HeadSHA)
			return nil
		case err != nil:
			return err
		}
		runID = mirror.RunID
	} else {
		if err := w.d.Store.RecordWorkflowRun(ctx, &storage.WorkflowRun{
			RepoID:     p.RepositoryID,
			RunID:      p.WorkflowRunID,
			HeadSHA:    p.HeadSHA,
			HeadBranch: p.HeadBranch,
			Event:      p.Event,
			Status:     p.Status,
			Conclusion: p.Conclusion,
			RunAttempt: p.RunAttempt,
		}); err != nil {
			return err
		}

		results, processed, err := w.fetchArtifacts(ctx, &p, owner, name)
		if err != nil {
			return err
		}
		failed := results.Failures + results.Errors
		logging.Infof(ctx, "Run %d of %s: processedArtifacts=%d, totalTests=%d, failedTests=%d",
			p.WorkflowRunID, p.RepositoryFullName, processed, results.Tests, failed)
		if processed == 0 {
			return nil
		}

		sum, err := w.d.Ingestor.IngestRun(ctx, ingestion.Run{
			RepoID:  p.RepositoryID,
			RunID:   p.WorkflowRunID,
			Attempt: p.RunAttempt,
			HeadSHA: p.HeadSHA,
			Branch:  p.HeadBranch,
		}, results)
		if err != nil {
			return err
		}
		logging.Infof(ctx, "Run %d of %s ingested: suites=%d, cases=%d, occurrences=%d, duplicates=%d",
			p.WorkflowRunID, p.RepositoryFullName, sum.Suites, sum.Cases, sum.Occurrences, sum.Duplicates)
	}

	return w.analyze(ctx, checks.Target{
		RepoID:         p.RepositoryID,
		InstallationID: p.InstallationID,
		Owner:          owner,
		Repo:           name,
		HeadSHA:        p.HeadSHA,
		RunID:          runID,
	})
}

// installationSuspended reports whether deliveries for the
// installation should be dropped. An installation we have never seen
// is not suspended.
func (w *Worker) installationSuspended(ctx context.Context, id int64) (bool, error) {
	switch inst, err := w.d.Store.InstallationByID(ctx, id); {
	case err == nil:
		return inst.Suspended, nil
	case stderrors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// fetchArtifacts downloads and parses every eligible artifact of the
// run. Expired or unparseable artifacts are skipped; transport
// failures bubble so the job retries. The int result counts artifacts
// that contributed suites.
func (w *Worker) fetchArtifacts(ctx context.Context, p *IngestPayload, owner, name string) (*report.TestSuites, int, error) {
	arts, err := w.d.Client.ListArtifacts(ctx, p.InstallationID, owner, name, p.WorkflowRunID, platform.PriorityNormal)
	if err != nil {
		return nil, 0, errors.Annotate(err, "listing artifacts of run %d", p.WorkflowRunID).Err()
	}

	var eligible []platform.Artifact
	for _, a := range arts {
		if eligibleArtifact(a, w.o.MaxArtifactBytes) {
			eligible = append(eligible, a)
		}
	}

	// Fetch concurrently into indexed slots; merging in listing order
	// keeps the ingested batch deterministic.
	suites := make([]*report.TestSuites, len(eligible))
	errs := make([]error, len(eligible))
	if err := parallel.WorkPool(artifactFetchers, func(work chan<- func() error) {
		for i, a := range eligible {
			i, a := i, a
			work <- func() error {
				suites[i], errs[i] = w.fetchArtifact(ctx, p, owner, name, a)
				return errs[i]
			}
		}
	}); err != nil {
		// The pool aggregates task errors; return the first one in
		// listing order so its platform code survives for settle.
		for _, e := range errs {
			if e != nil {
				return nil, 0, e
			}
		}
		return nil, 0, err
	}

	merged := &report.TestSuites{}
	processed := 0
	for _, s := range suites {
		if s == nil {
			continue
		}
		merged.Merge(s)
		processed++
	}
	return merged, processed, nil
}

// fetchArtifact downloads and parses one artifact. A nil result with a
// nil error means the artifact was skipped.
func (w *Worker) fetchArtifact(ctx context.Context, p *IngestPayload, owner, name string, a platform.Artifact) (*report.TestSuites, error) {
	var (
		suites   *report.TestSuites
		parseErr error
	)
	err := w.d.Client.DownloadArtifact(ctx, p.InstallationID, owner, name, a.ID, platform.PriorityNormal, func(r io.Reader) error {
		suites, _, parseErr = report.ParseArchive(ctx, containerName(a.Name), r)
		return nil
	})
	switch code := platform.CodeOf(err); {
	case err == nil:
	case code == platform.CodeArtifactExpired:
		logging.Warningf(ctx, "Artifact %d (%s) expired before download; skipping", a.ID, a.Name)
		return nil, nil
	case code == platform.CodeUnprocessable:
		logging.Warningf(ctx, "Artifact %d (%s) refused by the Platform; skipping: %s", a.ID, a.Name, err)
		return nil, nil
	default:
		return nil, errors.Annotate(err, "downloading artifact %d (%s)", a.ID, a.Name).Err()
	}
	if parseErr != nil {
		metrics.ParseFailures.Inc()
		logging.Warningf(ctx, "Artifact %d (%s) did not parse; skipping: %s", a.ID, a.Name, parseErr)
		return nil, nil
	}
	return suites, nil
}

// eligibleArtifact applies the listing filter: not expired, within the
// size cap, a recognizable name and a parseable container. Names
// without an extension pass the container check since the download
// endpoint serves them zipped.
func eligibleArtifact(a platform.Artifact, maxBytes int64) bool {
	if a.Expired {
		return false
	}
	if maxBytes > 0 && a.SizeInBytes > maxBytes {
		return false
	}
	lower := strings.ToLower(a.Name)
	switch {
	case strings.HasSuffix(lower, ".xml"),
		strings.HasSuffix(lower, ".zip"),
		strings.HasSuffix(lower, ".tar.gz"),
		strings.HasSuffix(lower, ".tgz"):
	case !strings.Contains(lower, "."):
	default:
		return false
	}
	for _, g := range artifactNameGlobs {
		if ok, _ := doublestar.Match(g, lower); ok {
			return true
		}
	}
	return false
}

// containerName maps an artifact name to the container name the
// archive parser expects. Extensionless names become .zip because that
// is how the download endpoint wraps them.
func containerName(name string) string {
	switch lower := strings.ToLower(name); {
	case strings.HasSuffix(lower, ".xml"),
		strings.HasSuffix(lower, ".zip"),
		strings.HasSuffix(lower, ".tar.gz"),
		strings.HasSuffix(lower, ".tgz"):
		return name
	}
	return name + ".zip"
}

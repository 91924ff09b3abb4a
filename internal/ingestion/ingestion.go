// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ingestion persists parsed test results and serves the reads
// the scorer and planner need. It exclusively owns the test_suites,
// test_cases, occurrences and flake_scores tables.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/thc1006/flakeguard-sub004/internal/metrics"
	"github.com/thc1006/flakeguard-sub004/internal/report"
	"github.com/thc1006/flakeguard-sub004/internal/scoring"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// Batch sizes for the multi-row inserts. Larger inputs are chunked.
const (
	suiteBatchSize      = 100
	caseBatchSize       = 500
	occurrenceBatchSize = 500
)

// DefaultRetentionDays bounds how long occurrences are kept.
const DefaultRetentionDays = 90

// Column budgets for failure text. Postgres TEXT has no limit; these
// keep pathological stack traces from bloating every history read.
const (
	maxMessageLen = 2048
	maxDetailLen  = 8192
)

// Ingestor runs the write and read paths for test results.
type Ingestor struct {
	db *sqlx.DB
}

// New returns an Ingestor over the given pool.
func New(db *sqlx.DB) *Ingestor {
	return &Ingestor{db: db}
}

// Run identifies the workflow run a batch of results belongs to.
type Run struct {
	RepoID  int64
	RunID   int64
	Attempt int
	HeadSHA string
	Branch  string
}

// Summary reports what one ingestion wrote.
type Summary struct {
	Suites      int
	Cases       int
	Occurrences int
	// Duplicates counts occurrences skipped because an earlier delivery
	// already recorded them.
	Duplicates int
}

// IngestRun writes one run's parsed suites in a single transaction:
// suites, then cases, then occurrences. Unique keys make the whole
// operation idempotent; re-delivering a job changes nothing.
func (ing *Ingestor) IngestRun(ctx context.Context, run Run, results *report.TestSuites) (*Summary, error) {
	sum := &Summary{}
	if results == nil || len(results.Suites) == 0 {
		return sum, nil
	}
	if run.Attempt < 1 {
		run.Attempt = 1
	}

	tx, err := ing.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Annotate(err, "beginning ingestion transaction").Tag(transient.Tag).Err()
	}
	defer tx.Rollback()

	suites := dedupeSuites(results.Suites)
	for start := 0; start < len(suites); start += suiteBatchSize {
		chunk := suites[start:minInt(start+suiteBatchSize, len(suites))]
		if err := upsertSuites(ctx, tx, run, chunk); err != nil {
			return nil, err
		}
		sum.Suites += len(chunk)
	}

	cases := collectCases(results.Suites)
	caseIDs := make(map[string]int64, len(cases))
	for start := 0; start < len(cases); start += caseBatchSize {
		chunk := cases[start:minInt(start+caseBatchSize, len(cases))]
		if err := upsertCases(ctx, tx, run.RepoID, chunk, caseIDs); err != nil {
			return nil, err
		}
		sum.Cases += len(chunk)
	}

	occs := buildOccurrences(run, cases, caseIDs)
	for start := 0; start < len(occs); start += occurrenceBatchSize {
		chunk := occs[start:minInt(start+occurrenceBatchSize, len(occs))]
		inserted, err := insertOccurrences(ctx, tx, run, chunk)
		if err != nil {
			return nil, err
		}
		sum.Occurrences += inserted
		sum.Duplicates += len(chunk) - inserted
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Annotate(err, "committing ingestion").Tag(transient.Tag).Err()
	}

	logging.Infof(ctx, "ingested run %d attempt %d: %d suites, %d cases, %d occurrences (%d duplicate)",
		run.RunID, run.Attempt, sum.Suites, sum.Cases, sum.Occurrences, sum.Duplicates)
	return sum, nil
}

func upsertSuites(ctx context.Context, tx *sqlx.Tx, run Run, chunk []report.TestSuite) error {
	const cols = 9
	args := make([]interface{}, 0, len(chunk)*cols)
	for i := range chunk {
		s := &chunk[i]
		args = append(args, run.RepoID, s.Name, run.RunID, s.Package,
			s.Tests, s.Failures, s.Errors, s.Skipped, s.DurationMs)
	}
	q := fmt.Sprintf(`
		INSERT INTO test_suites (repo_id, name, run_id, package, tests, failures, errors, skipped, duration_ms)
		VALUES %s
		ON CONFLICT (repo_id, name, run_id) DO UPDATE SET
			package = EXCLUDED.package,
			tests = EXCLUDED.tests,
			failures = EXCLUDED.failures,
			errors = EXCLUDED.errors,
			skipped = EXCLUDED.skipped,
			duration_ms = EXCLUDED.duration_ms`,
		valuesClause(len(chunk), cols))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return errors.Annotate(err, "upserting %d suites", len(chunk)).Tag(transient.Tag).Err()
	}
	return nil
}

func upsertCases(ctx context.Context, tx *sqlx.Tx, repoID int64, chunk []report.TestCase, caseIDs map[string]int64) error {
	const cols = 7
	args := make([]interface{}, 0, len(chunk)*cols)
	for i := range chunk {
		c := &chunk[i]
		args = append(args, repoID, c.FullName(), c.File, c.Suite,
			c.ClassName, c.Name, sourcePathFor(c))
	}
	// DO UPDATE rather than DO NOTHING so RETURNING yields a row for
	// existing cases too.
	q := fmt.Sprintf(`
		INSERT INTO test_cases (repo_id, full_name, file, suite, class_name, name, source_path)
		VALUES %s
		ON CONFLICT (repo_id, full_name, file, suite) DO UPDATE SET
			class_name = EXCLUDED.class_name,
			name = EXCLUDED.name,
			source_path = EXCLUDED.source_path
		RETURNING id, full_name, file, suite`,
		valuesClause(len(chunk), cols))
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return errors.Annotate(err, "upserting %d cases", len(chunk)).Tag(transient.Tag).Err()
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var fullName, file, suite string
		if err := rows.Scan(&id, &fullName, &file, &suite); err != nil {
			return errors.Annotate(err, "scanning case id").Tag(transient.Tag).Err()
		}
		caseIDs[caseKey(fullName, file, suite)] = id
	}
	if err := rows.Err(); err != nil {
		return errors.Annotate(err, "reading case ids").Tag(transient.Tag).Err()
	}
	return nil
}

type occurrenceRow struct {
	caseID     int64
	status     report.Status
	durationMs int64
	message    string
	detail     string
}

func buildOccurrences(run Run, cases []report.TestCase, caseIDs map[string]int64) []occurrenceRow {
	out := make([]occurrenceRow, 0, len(cases))
	seen := make(map[int64]struct{}, len(cases))
	for i := range cases {
		c := &cases[i]
		id, ok := caseIDs[caseKey(c.FullName(), c.File, c.Suite)]
		if !ok {
			continue
		}
		// The unique key is (test_case_id, run_id, attempt); a second
		// result for the same case in this batch would collide.
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, occurrenceRow{
			caseID:     id,
			status:     c.Status,
			durationMs: c.DurationMs,
			message:    truncate(c.FailureMessage, maxMessageLen),
			detail:     truncate(c.FailureDetail, maxDetailLen),
		})
	}
	return out
}

func insertOccurrences(ctx context.Context, tx *sqlx.Tx, run Run, chunk []occurrenceRow) (int, error) {
	const cols = 10
	args := make([]interface{}, 0, len(chunk)*cols)
	for _, o := range chunk {
		args = append(args, o.caseID, run.RepoID, run.RunID, run.Attempt,
			string(o.status), o.durationMs, o.message, o.detail, run.HeadSHA, run.Branch)
	}
	q := fmt.Sprintf(`
		INSERT INTO occurrences (test_case_id, repo_id, run_id, attempt, status, duration_ms, failure_message, failure_detail, head_sha, branch)
		VALUES %s
		ON CONFLICT (test_case_id, run_id, attempt) DO NOTHING`,
		valuesClause(len(chunk), cols))
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Annotate(err, "inserting %d occurrences", len(chunk)).Tag(transient.Tag).Err()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Annotate(err, "counting inserted occurrences").Err()
	}
	return int(n), nil
}

// History returns one test's occurrences inside the lookback window,
// newest-capped at window, ordered oldest first. Message signatures are
// derived here so the scorer can group equivalent failures.
func (ing *Ingestor) History(ctx context.Context, testCaseID int64, lookbackDays, window int) ([]scoring.Occurrence, error) {
	if lookbackDays <= 0 {
		lookbackDays = 14
	}
	if window <= 0 {
		window = 100
	}
	cutoff := clock.Now(ctx).UTC().AddDate(0, 0, -lookbackDays)

	const q = `
		SELECT status, run_id, head_sha, attempt, failure_message, duration_ms, created_at
		FROM occurrences
		WHERE test_case_id = $1 AND created_at >= $2
		ORDER BY created_at DESC, run_id DESC, attempt DESC
		LIMIT $3`
	rows, err := ing.db.QueryContext(ctx, q, testCaseID, cutoff, window)
	if err != nil {
		return nil, errors.Annotate(err, "reading history for case %d", testCaseID).Tag(transient.Tag).Err()
	}
	defer rows.Close()

	var hist []scoring.Occurrence
	for rows.Next() {
		var (
			status, headSHA, message string
			runID, durationMs        int64
			attempt                  int
			createdAt                time.Time
		)
		if err := rows.Scan(&status, &runID, &headSHA, &attempt, &message, &durationMs, &createdAt); err != nil {
			return nil, errors.Annotate(err, "scanning occurrence").Tag(transient.Tag).Err()
		}
		o := scoring.Occurrence{
			Status:     report.Status(status),
			RunID:      runID,
			HeadSHA:    headSHA,
			Attempt:    attempt,
			CreatedAt:  createdAt,
			DurationMs: durationMs,
		}
		if o.Status == report.StatusFailed || o.Status == report.StatusError {
			o.MsgSignature = messageSignature(message)
		}
		hist = append(hist, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Annotate(err, "reading history rows").Tag(transient.Tag).Err()
	}

	// The query walks newest-first to apply the window; flip to
	// chronological order for the caller.
	for i, j := 0, len(hist)-1; i < j; i, j = i+1, j-1 {
		hist[i], hist[j] = hist[j], hist[i]
	}
	return hist, nil
}

// FailedCasesForRun returns the distinct test cases with at least one
// failed or errored occurrence in the given run, in name order.
func (ing *Ingestor) FailedCasesForRun(ctx context.Context, repoID, runID int64) ([]storage.TestCase, error) {
	const q = `
		SELECT DISTINCT tc.id, tc.repo_id, tc.full_name, tc.file, tc.suite, tc.class_name, tc.name, tc.source_path, tc.created_at
		FROM test_cases tc
		JOIN occurrences o ON o.test_case_id = tc.id
		WHERE o.repo_id = $1 AND o.run_id = $2 AND o.status IN ('failed', 'error')
		ORDER BY tc.full_name`
	var cases []storage.TestCase
	if err := ing.db.SelectContext(ctx, &cases, q, repoID, runID); err != nil {
		return nil, errors.Annotate(err, "reading failed cases for run %d", runID).Tag(transient.Tag).Err()
	}
	return cases, nil
}

// RecentlyFailingCases returns the distinct test cases with a failed or
// errored occurrence inside the lookback window, most recently failing
// first, capped at limit.
func (ing *Ingestor) RecentlyFailingCases(ctx context.Context, repoID int64, lookbackDays, limit int) ([]storage.TestCase, error) {
	if lookbackDays <= 0 {
		lookbackDays = 14
	}
	if limit <= 0 {
		limit = 200
	}
	cutoff := clock.Now(ctx).UTC().AddDate(0, 0, -lookbackDays)
	const q = `
		SELECT tc.id, tc.repo_id, tc.full_name, tc.file, tc.suite, tc.class_name, tc.name, tc.source_path, tc.created_at
		FROM test_cases tc
		JOIN (
			SELECT test_case_id, max(created_at) AS last_failure
			FROM occurrences
			WHERE repo_id = $1 AND created_at >= $2 AND status IN ('failed', 'error')
			GROUP BY test_case_id
		) f ON f.test_case_id = tc.id
		ORDER BY f.last_failure DESC
		LIMIT $3`
	var cases []storage.TestCase
	if err := ing.db.SelectContext(ctx, &cases, q, repoID, cutoff, limit); err != nil {
		return nil, errors.Annotate(err, "reading recently failing cases for repo %d", repoID).Tag(transient.Tag).Err()
	}
	return cases, nil
}

// SaveScore upserts the latest scoring result for a test case.
func (ing *Ingestor) SaveScore(ctx context.Context, fs *storage.FlakeScore) error {
	const q = `
		INSERT INTO flake_scores (test_case_id, repo_id, score, confidence, total_runs, recent_failures, rerun_pass_rate, reruns_observed, last_failed_run_id, last_failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (test_case_id) DO UPDATE SET
			score = EXCLUDED.score,
			confidence = EXCLUDED.confidence,
			total_runs = EXCLUDED.total_runs,
			recent_failures = EXCLUDED.recent_failures,
			rerun_pass_rate = EXCLUDED.rerun_pass_rate,
			reruns_observed = EXCLUDED.reruns_observed,
			last_failed_run_id = EXCLUDED.last_failed_run_id,
			last_failed_at = EXCLUDED.last_failed_at,
			computed_at = now()`
	_, err := ing.db.ExecContext(ctx, q,
		fs.TestCaseID, fs.RepoID, fs.Score, fs.Confidence, fs.TotalRuns,
		fs.RecentFailures, fs.RerunPassRate, fs.RerunsObserved, fs.LastFailedRunID, fs.LastFailedAt)
	if err != nil {
		return errors.Annotate(err, "saving score for case %d", fs.TestCaseID).Tag(transient.Tag).Err()
	}
	return nil
}

// ScoredCase joins a persisted score with the test identity, shaped for
// policy evaluation.
type ScoredCase struct {
	TestCaseID      int64   `db:"test_case_id"`
	FullName        string  `db:"full_name"`
	File            string  `db:"file"`
	Suite           string  `db:"suite"`
	SourcePath      string  `db:"source_path"`
	Score           float64 `db:"score"`
	Confidence      float64 `db:"confidence"`
	TotalRuns       int     `db:"total_runs"`
	RecentFailures  int     `db:"recent_failures"`
	RerunPassRate   float64 `db:"rerun_pass_rate"`
	RerunsObserved  bool    `db:"reruns_observed"`
	LastFailedRunID int64   `db:"last_failed_run_id"`
}

// RankedScores returns a repository's scores at or above minScore,
// highest first.
func (ing *Ingestor) RankedScores(ctx context.Context, repoID int64, minScore float64, limit int) ([]ScoredCase, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT fs.test_case_id, tc.full_name, tc.file, tc.suite, tc.source_path, fs.score, fs.confidence,
		       fs.total_runs, fs.recent_failures, fs.rerun_pass_rate, fs.reruns_observed, fs.last_failed_run_id
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_case_id
		WHERE fs.repo_id = $1 AND fs.score >= $2
		ORDER BY fs.score DESC, fs.confidence DESC
		LIMIT $3`
	var out []ScoredCase
	if err := ing.db.SelectContext(ctx, &out, q, repoID, minScore, limit); err != nil {
		return nil, errors.Annotate(err, "ranking scores for repo %d", repoID).Tag(transient.Tag).Err()
	}
	return out, nil
}

// PruneOccurrences deletes one repository's occurrences older than the
// retention window and reports how many went.
func (ing *Ingestor) PruneOccurrences(ctx context.Context, repoID int64, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := clock.Now(ctx).UTC().AddDate(0, 0, -retentionDays)
	res, err := ing.db.ExecContext(ctx, `DELETE FROM occurrences WHERE repo_id = $1 AND created_at < $2`, repoID, cutoff)
	if err != nil {
		return 0, errors.Annotate(err, "pruning occurrences for repo %d", repoID).Tag(transient.Tag).Err()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Annotate(err, "counting pruned occurrences").Err()
	}
	if n > 0 {
		logging.Infof(ctx, "pruned %d occurrences older than %d days for repo %d", n, retentionDays, repoID)
	}
	metrics.OccurrencesPruned.Add(float64(n))
	return n, nil
}

// RepositoryIDs lists every repository, for retention sweeps.
func (ing *Ingestor) RepositoryIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := ing.db.SelectContext(ctx, &ids, `SELECT id FROM repositories ORDER BY id`); err != nil {
		return nil, errors.Annotate(err, "listing repositories").Tag(transient.Tag).Err()
	}
	return ids, nil
}

func caseKey(fullName, file, suite string) string {
	return fullName + "\x00" + file + "\x00" + suite
}

// sourcePathFor guesses a repository path from a dotted class name:
// "com.acme.CartTest" becomes "com/acme/CartTest.java". A parser
// supplied file path always wins. Best effort, not authoritative.
func sourcePathFor(c *report.TestCase) string {
	if c.File != "" {
		return c.File
	}
	if strings.Contains(c.ClassName, ".") {
		return strings.ReplaceAll(c.ClassName, ".", "/") + ".java"
	}
	return ""
}

var volatileFragment = regexp.MustCompile(`0x[0-9a-fA-F]+|\d+`)

// messageSignature collapses volatile fragments (counters, addresses,
// durations) and hashes the rest, so failures that differ only in
// numbers share a signature.
func messageSignature(msg string) string {
	if msg == "" {
		return ""
	}
	norm := volatileFragment.ReplaceAllString(msg, "#")
	norm = strings.Join(strings.Fields(norm), " ")
	if len(norm) > 256 {
		norm = norm[:256]
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

func dedupeSuites(suites []report.TestSuite) []report.TestSuite {
	seen := make(map[string]struct{}, len(suites))
	out := make([]report.TestSuite, 0, len(suites))
	for i := range suites {
		if _, dup := seen[suites[i].Name]; dup {
			continue
		}
		seen[suites[i].Name] = struct{}{}
		out = append(out, suites[i])
	}
	return out
}

// collectCases flattens suites into cases, keeping the first of any
// duplicate identity so a single INSERT never touches one row twice.
func collectCases(suites []report.TestSuite) []report.TestCase {
	var out []report.TestCase
	seen := map[string]struct{}{}
	for i := range suites {
		for j := range suites[i].Cases {
			c := suites[i].Cases[j]
			if c.Suite == "" {
				c.Suite = suites[i].Name
			}
			key := caseKey(c.FullName(), c.File, c.Suite)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// valuesClause renders "($1,$2),($3,$4)" shaped placeholders for a
// multi-row insert.
func valuesClause(rows, cols int) string {
	var b strings.Builder
	arg := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

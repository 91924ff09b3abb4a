// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/thc1006/flakeguard-sub004/internal/checks"
	"github.com/thc1006/flakeguard-sub004/internal/ingestion"
	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/quarantine"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
	"github.com/thc1006/flakeguard-sub004/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

const junitDoc = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="ExampleTestSuite" tests="2" failures="1">
  <testcase classname="com.example.TestClass" name="testPass" time="0.5"/>
  <testcase classname="com.example.TestClass" name="testFlaky" time="1.2">
    <failure message="Assertion failed: expected true but was false">at com.example.TestClass.testFlaky(TestClass.java:42)</failure>
  </testcase>
</testsuite>`

type workerEnv struct {
	ctx    context.Context
	mock   sqlmock.Sqlmock
	mux    *http.ServeMux
	broker *fakeBroker
	wk     *Worker
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	sdb, mock := testutil.MockDB(t)

	mux := http.NewServeMux()
	mux.Handle("/app/installations/", testutil.InstallationTokenHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	cli := platform.NewClient(ctx, platform.ClientOptions{
		BaseURL:    srv.URL,
		AppID:      99,
		PrivateKey: testutil.SigningKey,
	})

	store := storage.NewStore(sdb)
	fb := &fakeBroker{}
	wk := New(Deps{
		Broker:      fb,
		Store:       store,
		Ingestor:    ingestion.New(sdb),
		Quarantines: quarantine.NewManager(sdb),
		Client:      cli,
		Publisher:   checks.NewPublisher(sdb, cli),
		Policies:    policy.NewLoader(NewPolicySource(store, cli)),
	}, Options{})
	return &workerEnv{ctx: ctx, mock: mock, mux: mux, broker: fb, wk: wk}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("adding %s: %s", name, err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("writing %s: %s", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing archive: %s", err)
	}
	return buf.Bytes()
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encoding payload: %s", err)
	}
	return b
}

func ingestPayload() IngestPayload {
	return IngestPayload{
		DeliveryID:         "d-123",
		RepositoryID:       42,
		RepositoryFullName: "acme/shop",
		InstallationID:     7,
		WorkflowRunID:      1001,
		RunAttempt:         1,
		HeadSHA:            "abc123def456",
		HeadBranch:         "main",
		Event:              "push",
		Status:             "completed",
		Conclusion:         "failure",
	}
}

// expectRepoUpsert covers the repository mirror write every delivery
// starts with.
func expectRepoUpsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO repositories").
		WithArgs(int64(42), "acme/shop", "acme", "shop", int64(7), "main").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestHandleIngest(t *testing.T) {
	t.Parallel()

	Convey(`HandleIngest`, t, func() {
		Convey(`ingests run artifacts and publishes a clean check`, func() {
			env := newWorkerEnv(t)
			archive := buildZip(t, map[string]string{"junit.xml": junitDoc})

			env.mux.HandleFunc("/repos/acme/shop/actions/runs/1001/artifacts", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"total_count":2,"artifacts":[
					{"id":9,"name":"test-results","size_in_bytes":%d,"expired":false},
					{"id":10,"name":"binaries","size_in_bytes":4096,"expired":false}]}`, len(archive))
			})
			env.mux.HandleFunc("/repos/acme/shop/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
				w.Write(archive)
			})
			env.mux.HandleFunc("/repos/acme/shop/contents/.flakeguard.yml", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"Not Found"}`)
			})
			var created platform.CheckRunParams
			env.mux.HandleFunc("/repos/acme/shop/check-runs", func(w http.ResponseWriter, r *http.Request) {
				if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
					t.Errorf("decoding check payload: %s", err)
				}
				w.WriteHeader(http.StatusCreated)
				fmt.Fprint(w, `{"id":555}`)
			})

			now := time.Now().UTC()
			expectRepoUpsert(env.mock)
			env.mock.ExpectQuery("FROM installations").
				WithArgs(int64(7)).
				WillReturnError(sql.ErrNoRows)
			env.mock.ExpectExec("INSERT INTO workflow_runs").
				WithArgs(int64(42), int64(1001), "abc123def456", "main", "push", "completed", "failure", 1).
				WillReturnResult(sqlmock.NewResult(1, 1))

			env.mock.ExpectBegin()
			env.mock.ExpectExec("INSERT INTO test_suites").
				WillReturnResult(sqlmock.NewResult(0, 1))
			env.mock.ExpectQuery("INSERT INTO test_cases").
				WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "file", "suite"}).
					AddRow(11, "ExampleTestSuite.com.example.TestClass.testPass", "", "ExampleTestSuite").
					AddRow(12, "ExampleTestSuite.com.example.TestClass.testFlaky", "", "ExampleTestSuite"))
			env.mock.ExpectExec("INSERT INTO occurrences").
				WillReturnResult(sqlmock.NewResult(0, 2))
			env.mock.ExpectCommit()

			env.mock.ExpectQuery("FROM repositories WHERE full_name").
				WithArgs("acme/shop").
				WillReturnRows(testutil.RepositoryRows().
					AddRow(int64(42), "acme/shop", "acme", "shop", int64(7), "main", now, now))
			env.mock.ExpectQuery("JOIN occurrences").
				WithArgs(int64(42), int64(1001)).
				WillReturnRows(testutil.TestCaseRows().
					AddRow(int64(12), int64(42), "ExampleTestSuite.com.example.TestClass.testFlaky", "", "ExampleTestSuite", "com.example.TestClass", "testFlaky", "com/example/TestClass.java", now))
			env.mock.ExpectQuery("FROM occurrences").
				WithArgs(int64(12), sqlmock.AnyArg(), 100).
				WillReturnRows(testutil.OccurrenceHistoryRows().
					AddRow("failed", int64(1001), "abc123def456", 1, "Assertion failed: expected true but was false", int64(1200), now))
			env.mock.ExpectExec("INSERT INTO flake_scores").
				WithArgs(int64(12), int64(42), sqlmock.AnyArg(), sqlmock.AnyArg(), 1, 1, sqlmock.AnyArg(), false, int64(1001), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))
			env.mock.ExpectQuery("FROM pull_request_heads").
				WithArgs(int64(42), "abc123def456").
				WillReturnError(sql.ErrNoRows)

			env.mock.ExpectQuery("FROM check_runs").
				WithArgs(int64(42), "abc123def456").
				WillReturnError(sql.ErrNoRows)
			env.mock.ExpectExec("INSERT INTO check_runs").
				WithArgs(int64(42), "abc123def456", int64(555), "completed", "success", int64(1001)).
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := env.wk.handleIngest(env.ctx, mustMarshal(t, ingestPayload()))
			So(err, ShouldBeNil)

			So(created.Name, ShouldEqual, checks.CheckName)
			So(created.Conclusion, ShouldEqual, "success")
			So(created.Output, ShouldNotBeNil)
			So(created.Output.Title, ShouldEqual, "No flaky tests detected")
			So(created.Actions, ShouldBeEmpty)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`stops early when the run produced no eligible artifacts`, func() {
			env := newWorkerEnv(t)
			env.mux.HandleFunc("/repos/acme/shop/actions/runs/1001/artifacts", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"total_count":0,"artifacts":[]}`)
			})

			expectRepoUpsert(env.mock)
			env.mock.ExpectQuery("FROM installations").
				WithArgs(int64(7)).
				WillReturnError(sql.ErrNoRows)
			env.mock.ExpectExec("INSERT INTO workflow_runs").
				WithArgs(int64(42), int64(1001), "abc123def456", "main", "push", "completed", "failure", 1).
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := env.wk.handleIngest(env.ctx, mustMarshal(t, ingestPayload()))
			So(err, ShouldBeNil)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`drops deliveries of suspended installations`, func() {
			env := newWorkerEnv(t)
			now := time.Now().UTC()

			expectRepoUpsert(env.mock)
			env.mock.ExpectQuery("FROM installations").
				WithArgs(int64(7)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "account_login", "suspended", "created_at", "updated_at"}).
					AddRow(int64(7), "acme", true, now, now))

			err := env.wk.handleIngest(env.ctx, mustMarshal(t, ingestPayload()))
			So(err, ShouldBeNil)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`dead-letters malformed payloads`, func() {
			env := newWorkerEnv(t)

			err := env.wk.handleIngest(env.ctx, []byte(`{`))
			So(err, ShouldNotBeNil)
			So(fatalTag.In(err), ShouldBeTrue)

			p := ingestPayload()
			p.InstallationID = 0
			err = env.wk.handleIngest(env.ctx, mustMarshal(t, p))
			So(fatalTag.In(err), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "Missing required repository or installation information")
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`skips reanalysis when no check was ever published`, func() {
			env := newWorkerEnv(t)

			expectRepoUpsert(env.mock)
			env.mock.ExpectQuery("FROM installations").
				WithArgs(int64(7)).
				WillReturnError(sql.ErrNoRows)
			env.mock.ExpectQuery("FROM check_runs").
				WithArgs(int64(42), "abc123def456").
				WillReturnError(sql.ErrNoRows)

			p := ingestPayload()
			p.WorkflowRunID = 0
			p.Reanalyze = true
			err := env.wk.handleIngest(env.ctx, mustMarshal(t, p))
			So(err, ShouldBeNil)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`skips artifacts that expired between listing and download`, func() {
			env := newWorkerEnv(t)
			env.mux.HandleFunc("/repos/acme/shop/actions/runs/1001/artifacts", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"total_count":1,"artifacts":[{"id":9,"name":"test-results","size_in_bytes":1000,"expired":false}]}`)
			})
			env.mux.HandleFunc("/repos/acme/shop/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusGone)
				fmt.Fprint(w, `{"message":"Artifact has expired"}`)
			})

			expectRepoUpsert(env.mock)
			env.mock.ExpectQuery("FROM installations").
				WithArgs(int64(7)).
				WillReturnError(sql.ErrNoRows)
			env.mock.ExpectExec("INSERT INTO workflow_runs").
				WithArgs(int64(42), int64(1001), "abc123def456", "main", "push", "completed", "failure", 1).
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := env.wk.handleIngest(env.ctx, mustMarshal(t, ingestPayload()))
			So(err, ShouldBeNil)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`skips artifacts that fail to parse`, func() {
			env := newWorkerEnv(t)
			env.mux.HandleFunc("/repos/acme/shop/actions/runs/1001/artifacts", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"total_count":1,"artifacts":[{"id":9,"name":"test-results","size_in_bytes":1000,"expired":false}]}`)
			})
			env.mux.HandleFunc("/repos/acme/shop/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "this is not a zip file")
			})

			expectRepoUpsert(env.mock)
			env.mock.ExpectQuery("FROM installations").
				WithArgs(int64(7)).
				WillReturnError(sql.ErrNoRows)
			env.mock.ExpectExec("INSERT INTO workflow_runs").
				WithArgs(int64(42), int64(1001), "abc123def456", "main", "push", "completed", "failure", 1).
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := env.wk.handleIngest(env.ctx, mustMarshal(t, ingestPayload()))
			So(err, ShouldBeNil)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})
	})
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	tgt := checks.Target{
		RepoID:         42,
		InstallationID: 7,
		Owner:          "acme",
		Repo:           "shop",
		HeadSHA:        "abc123def456",
		RunID:          1001,
	}

	Convey(`Analyze`, t, func() {
		Convey(`auto-quarantines flaky tests under an aggressive policy`, func() {
			env := newWorkerEnv(t)
			now := time.Now().UTC()

			env.mux.HandleFunc("/repos/acme/shop/contents/.flakeguard.yml", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `flaky_threshold: 0.05
warn_threshold: 0.01
min_occurrences: 4
min_recent_failures: 2
confidence_threshold: 0
auto_quarantine_enabled: true
quarantine_duration_days: 7
`)
			})
			var created platform.CheckRunParams
			env.mux.HandleFunc("/repos/acme/shop/check-runs", func(w http.ResponseWriter, r *http.Request) {
				if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
					t.Errorf("decoding check payload: %s", err)
				}
				w.WriteHeader(http.StatusCreated)
				fmt.Fprint(w, `{"id":556}`)
			})

			env.mock.ExpectQuery("FROM repositories WHERE full_name").
				WithArgs("acme/shop").
				WillReturnRows(testutil.RepositoryRows().
					AddRow(int64(42), "acme/shop", "acme", "shop", int64(7), "main", now, now))
			env.mock.ExpectQuery("JOIN occurrences").
				WithArgs(int64(42), int64(1001)).
				WillReturnRows(testutil.TestCaseRows().
					AddRow(int64(12), int64(42), "ExampleTestSuite.com.example.TestClass.testFlaky", "", "ExampleTestSuite", "com.example.TestClass", "testFlaky", "com/example/TestClass.java", now))

			// Alternating outcomes over eight runs score far above the
			// 0.05 threshold.
			hist := testutil.OccurrenceHistoryRows()
			for i := 0; i < 8; i++ {
				// Schema declares failure_message NOT NULL DEFAULT '', so
				// passed rows carry an empty string, never NULL.
				status, msg := "passed", ""
				if i%2 == 1 {
					status, msg = "failed", "Assertion failed: expected true but was false"
				}
				hist.AddRow(status, int64(2001+i), fmt.Sprintf("sha%d", i), 1, msg, int64(1000), now.Add(time.Duration(i)*time.Minute))
			}
			env.mock.ExpectQuery("FROM occurrences").
				WithArgs(int64(12), sqlmock.AnyArg(), 100).
				WillReturnRows(hist)
			env.mock.ExpectExec("INSERT INTO flake_scores").
				WithArgs(int64(12), int64(42), sqlmock.AnyArg(), sqlmock.AnyArg(), 8, 4, sqlmock.AnyArg(), false, int64(2008), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))
			env.mock.ExpectQuery("FROM pull_request_heads").
				WithArgs(int64(42), "abc123def456").
				WillReturnError(sql.ErrNoRows)

			env.mock.ExpectQuery("FROM quarantined_tests").
				WithArgs(int64(42)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "test_case_id", "repo_id", "reason", "applied_by", "quarantined_at", "expires_at", "released_at"}))
			env.mock.ExpectExec("INSERT INTO quarantined_tests").
				WithArgs(int64(12), int64(42), sqlmock.AnyArg(), "policy", sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))

			env.mock.ExpectQuery("FROM check_runs").
				WithArgs(int64(42), "abc123def456").
				WillReturnError(sql.ErrNoRows)
			env.mock.ExpectExec("INSERT INTO check_runs").
				WithArgs(int64(42), "abc123def456", int64(556), "completed", "action_required", int64(1001)).
				WillReturnResult(sqlmock.NewResult(1, 1))

			So(env.wk.analyze(env.ctx, tgt), ShouldBeNil)

			So(created.Conclusion, ShouldEqual, "action_required")
			So(created.Output, ShouldNotBeNil)
			So(created.Output.Title, ShouldEqual, "1 flaky test detected")
			So(created.Output.Text, ShouldContainSubstring, "(quarantined)")
			So(created.Actions, ShouldHaveLength, 2)
			So(created.Actions[0].Identifier, ShouldEqual, checks.ActionRerunFailed)
			So(created.Actions[1].Identifier, ShouldEqual, checks.ActionOpenIssue)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})
	})
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package checks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/quarantine"
	"github.com/thc1006/flakeguard-sub004/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

var mirrorCols = []string{
	"id", "repo_id", "head_sha", "check_run_id", "status", "conclusion", "run_id", "created_at", "updated_at",
}

type checkEnv struct {
	ctx   context.Context
	mock  sqlmock.Sqlmock
	pub   *Publisher
	quars *quarantine.Manager
	cli   *platform.Client
	mux   *http.ServeMux
}

func newCheckEnv(t *testing.T) *checkEnv {
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
	return &checkEnv{
		ctx:   ctx,
		mock:  mock,
		pub:   NewPublisher(sdb, cli),
		quars: quarantine.NewManager(sdb),
		cli:   cli,
		mux:   mux,
	}
}

func TestPublisher(t *testing.T) {
	t.Parallel()

	tgt := Target{
		RepoID:         42,
		InstallationID: 7,
		Owner:          "acme",
		Repo:           "shop",
		HeadSHA:        "abc123def456",
		RunID:          1001,
	}

	Convey(`Publisher`, t, func() {
		Convey(`creates the check on first publish`, func() {
			env := newCheckEnv(t)
			var created platform.CheckRunParams
			env.mux.HandleFunc("/repos/acme/shop/check-runs", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
					t.Errorf("decoding check payload: %s", err)
				}
				w.WriteHeader(http.StatusCreated)
				fmt.Fprint(w, `{"id":555}`)
			})

			env.mock.ExpectQuery("FROM check_runs").
				WithArgs(int64(42), "abc123def456").
				WillReturnError(sql.ErrNoRows)
			env.mock.ExpectExec("INSERT INTO check_runs").
				WithArgs(int64(42), "abc123def456", int64(555), "completed", "action_required", int64(1001)).
				WillReturnResult(sqlmock.NewResult(1, 1))

			findings := []Finding{finding("pkg.TestB", policy.ActionQuarantine, 0.9, 8)}
			So(env.pub.Publish(env.ctx, tgt, findings), ShouldBeNil)

			So(created.Name, ShouldEqual, CheckName)
			So(created.HeadSHA, ShouldEqual, "abc123def456")
			So(created.ExternalID, ShouldEqual, "42:abc123def456")
			So(created.Conclusion, ShouldEqual, "action_required")
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`updates in place once a mirror exists`, func() {
			env := newCheckEnv(t)
			patched := false
			env.mux.HandleFunc("/repos/acme/shop/check-runs/555", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPatch {
					t.Errorf("method = %s, want PATCH", r.Method)
				}
				patched = true
				fmt.Fprint(w, `{"id":555}`)
			})

			env.mock.ExpectQuery("FROM check_runs").
				WithArgs(int64(42), "abc123def456").
				WillReturnRows(sqlmock.NewRows(mirrorCols).
					AddRow(1, 42, "abc123def456", 555, "completed", "action_required", 1001, time.Time{}, time.Time{}))
			env.mock.ExpectExec("INSERT INTO check_runs").
				WithArgs(int64(42), "abc123def456", int64(555), "completed", "success", int64(1001)).
				WillReturnResult(sqlmock.NewResult(1, 1))

			So(env.pub.Publish(env.ctx, tgt, nil), ShouldBeNil)
			So(patched, ShouldBeTrue)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`recreates the check when the upstream run vanished`, func() {
			env := newCheckEnv(t)
			env.mux.HandleFunc("/repos/acme/shop/check-runs/555", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"Not Found"}`)
			})
			env.mux.HandleFunc("/repos/acme/shop/check-runs", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				fmt.Fprint(w, `{"id":777}`)
			})

			env.mock.ExpectQuery("FROM check_runs").
				WithArgs(int64(42), "abc123def456").
				WillReturnRows(sqlmock.NewRows(mirrorCols).
					AddRow(1, 42, "abc123def456", 555, "completed", "neutral", 1001, time.Time{}, time.Time{}))
			env.mock.ExpectExec("INSERT INTO check_runs").
				WithArgs(int64(42), "abc123def456", int64(777), "completed", "success", int64(1001)).
				WillReturnResult(sqlmock.NewResult(1, 1))

			So(env.pub.Publish(env.ctx, tgt, nil), ShouldBeNil)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})
	})
}

func TestCallback(t *testing.T) {
	t.Parallel()

	tgt := Target{
		RepoID:         42,
		InstallationID: 7,
		Owner:          "acme",
		Repo:           "shop",
		HeadSHA:        "abc123def456",
	}

	mirrorRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(mirrorCols).
			AddRow(1, 42, "abc123def456", 555, "completed", "action_required", 1001, time.Time{}, time.Time{})
	}

	Convey(`Callback`, t, func() {
		Convey(`rerun_failed requeues the mirrored run and notes it`, func() {
			env := newCheckEnv(t)
			rerunHit := false
			env.mux.HandleFunc("/repos/acme/shop/actions/runs/1001/rerun-failed-jobs", func(w http.ResponseWriter, r *http.Request) {
				rerunHit = true
				w.WriteHeader(http.StatusCreated)
			})
			var patched platform.CheckRunParams
			env.mux.HandleFunc("/repos/acme/shop/check-runs/555", func(w http.ResponseWriter, r *http.Request) {
				json.NewDecoder(r.Body).Decode(&patched)
				fmt.Fprint(w, `{"id":555}`)
			})

			// One mirror read resolves the run id, a second backs the
			// republish.
			env.mock.ExpectQuery("FROM check_runs").WithArgs(int64(42), "abc123def456").WillReturnRows(mirrorRow())
			env.mock.ExpectQuery("FROM check_runs").WithArgs(int64(42), "abc123def456").WillReturnRows(mirrorRow())
			env.mock.ExpectExec("INSERT INTO check_runs").
				WithArgs(int64(42), "abc123def456", int64(555), "completed", "neutral", int64(0)).
				WillReturnResult(sqlmock.NewResult(1, 1))

			eval := func(ctx context.Context, tgt Target) (*Evaluation, error) {
				return &Evaluation{
					Findings: []Finding{finding("pkg.TestA", policy.ActionWarn, 0.8, 3)},
					Policy:   policy.Default(),
				}, nil
			}
			cb := NewCallback(env.pub, env.quars, env.cli, eval)

			So(cb.Handle(env.ctx, tgt, ActionRerunFailed, "octo"), ShouldBeNil)
			So(rerunHit, ShouldBeTrue)
			So(patched.Output.Summary, ShouldContainSubstring, "re-queued at the request of @octo")
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`quarantine applies decisions and republishes the marks`, func() {
			env := newCheckEnv(t)
			var patched platform.CheckRunParams
			env.mux.HandleFunc("/repos/acme/shop/check-runs/555", func(w http.ResponseWriter, r *http.Request) {
				json.NewDecoder(r.Body).Decode(&patched)
				fmt.Fprint(w, `{"id":555}`)
			})

			env.mock.ExpectExec("INSERT INTO quarantined_tests").
				WithArgs(int64(11), int64(42), "intermittent failures", "octo", sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))
			env.mock.ExpectQuery("FROM check_runs").WithArgs(int64(42), "abc123def456").WillReturnRows(mirrorRow())
			env.mock.ExpectExec("INSERT INTO check_runs").
				WithArgs(int64(42), "abc123def456", int64(555), "completed", "action_required", int64(0)).
				WillReturnResult(sqlmock.NewResult(1, 1))

			flaky := finding("pkg.TestB", policy.ActionQuarantine, 0.9, 8)
			flaky.Decision.TestID = 11
			eval := func(ctx context.Context, tgt Target) (*Evaluation, error) {
				return &Evaluation{Findings: []Finding{flaky}, Policy: policy.Default()}, nil
			}
			cb := NewCallback(env.pub, env.quars, env.cli, eval)

			So(cb.Handle(env.ctx, tgt, ActionQuarantine, "octo"), ShouldBeNil)
			So(patched.Output.Summary, ShouldContainSubstring, "1 test quarantined by @octo.")
			So(patched.Output.Text, ShouldContainSubstring, "(quarantined)")
			// The applied quarantine no longer offers its button.
			So(len(patched.Actions), ShouldEqual, 2)
			So(patched.Actions[0].Identifier, ShouldEqual, ActionRerunFailed)
			So(patched.Actions[1].Identifier, ShouldEqual, ActionOpenIssue)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`open_issue files one bounded issue and notes the number`, func() {
			env := newCheckEnv(t)
			var issue platform.IssueParams
			env.mux.HandleFunc("/repos/acme/shop/issues", func(w http.ResponseWriter, r *http.Request) {
				json.NewDecoder(r.Body).Decode(&issue)
				w.WriteHeader(http.StatusCreated)
				fmt.Fprint(w, `{"number":12,"html_url":"https://example.com/acme/shop/issues/12"}`)
			})
			var patched platform.CheckRunParams
			env.mux.HandleFunc("/repos/acme/shop/check-runs/555", func(w http.ResponseWriter, r *http.Request) {
				json.NewDecoder(r.Body).Decode(&patched)
				fmt.Fprint(w, `{"id":555}`)
			})

			env.mock.ExpectQuery("FROM check_runs").WithArgs(int64(42), "abc123def456").WillReturnRows(mirrorRow())
			env.mock.ExpectExec("INSERT INTO check_runs").
				WithArgs(int64(42), "abc123def456", int64(555), "completed", "action_required", int64(0)).
				WillReturnResult(sqlmock.NewResult(1, 1))

			eval := func(ctx context.Context, tgt Target) (*Evaluation, error) {
				return &Evaluation{
					Findings: []Finding{
						finding("pkg.TestA", policy.ActionWarn, 0.8, 3),
						finding("pkg.TestB", policy.ActionQuarantine, 0.9, 8),
					},
					Policy: policy.Default(),
				}, nil
			}
			cb := NewCallback(env.pub, env.quars, env.cli, eval)

			So(cb.Handle(env.ctx, tgt, ActionOpenIssue, "octo"), ShouldBeNil)
			So(issue.Title, ShouldEqual, "2 flaky tests detected")
			So(issue.Labels, ShouldResemble, []string{"flaky-test"})
			So(issue.Body, ShouldContainSubstring, "| Test |")
			So(issue.Body, ShouldContainSubstring, "acme/shop")
			So(patched.Output.Summary, ShouldContainSubstring, "Tracking issue #12 opened by @octo.")
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey(`unknown identifiers are dropped`, func() {
			env := newCheckEnv(t)
			cb := NewCallback(env.pub, env.quars, env.cli, func(ctx context.Context, tgt Target) (*Evaluation, error) {
				t.Error("eval should not run for unknown identifiers")
				return nil, nil
			})
			So(cb.Handle(env.ctx, tgt, "detonate", "octo"), ShouldBeNil)
			So(env.mock.ExpectationsWereMet(), ShouldBeNil)
		})
	})
}

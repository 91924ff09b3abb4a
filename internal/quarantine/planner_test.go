// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package quarantine

import (
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"go.chromium.org/luci/common/clock/testclock"

	"github.com/thc1006/flakeguard-sub004/internal/ingestion"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

// flakyHistory builds 15 runs where the test failed and then passed on
// rerun of the same commit: strong alternation plus a perfect rerun
// pass rate.
func flakyHistory(base time.Time) *sqlmock.Rows {
	rows := testutil.OccurrenceHistoryRows()
	for i := 14; i >= 0; i-- {
		runID := int64(1000 + i)
		sha := fmt.Sprintf("sha%02d", i)
		t0 := base.Add(time.Duration(i) * time.Minute)
		rows.AddRow("passed", runID, sha, 2, "", int64(40), t0.Add(30*time.Second))
		rows.AddRow("failed", runID, sha, 1, fmt.Sprintf("boom %d", i), int64(900), t0)
	}
	return rows
}

// stableHistory builds one old failure followed by five passes.
func stableHistory(base time.Time) *sqlmock.Rows {
	rows := testutil.OccurrenceHistoryRows()
	for i := 5; i >= 1; i-- {
		rows.AddRow("passed", int64(2000+i), fmt.Sprintf("ok%d", i), 1, "", int64(50), base.Add(time.Duration(i)*time.Minute))
	}
	rows.AddRow("failed", int64(2000), "oldsha", 1, "oops", int64(70), base)
	return rows
}

func TestPlan(t *testing.T) {
	t.Parallel()

	Convey(`Plan`, t, func() {
		ctx := testutil.TestingContext()
		db, mock := testutil.MockDB(t)
		planner := NewPlanner(ingestion.New(db))

		base := testclock.TestRecentTimeUTC.Add(-2 * time.Hour)

		Convey(`rescoring separates flaky from settled tests`, func() {
			cutoff := testclock.TestRecentTimeUTC.AddDate(0, 0, -14)

			mock.ExpectQuery("FROM test_cases tc").
				WithArgs(int64(42), cutoff, 200).
				WillReturnRows(testutil.TestCaseRows().
					AddRow(int64(11), int64(42), "com.acme.CartTest.testCheckout", "", "com.acme.CartTest", "com.acme.CartTest", "testCheckout", "com/acme/CartTest.java", base).
					AddRow(int64(12), int64(42), "com.acme.CartTest.testAddItem", "", "com.acme.CartTest", "com.acme.CartTest", "testAddItem", "com/acme/CartTest.java", base))
			mock.ExpectQuery("FROM occurrences").
				WithArgs(int64(11), cutoff, 100).
				WillReturnRows(flakyHistory(base))
			mock.ExpectQuery("FROM occurrences").
				WithArgs(int64(12), cutoff, 100).
				WillReturnRows(stableHistory(base))

			plan, err := planner.Plan(ctx, PlanRequest{
				RepoID:             42,
				Owner:              "acme",
				Repo:               "widgets",
				IncludeAnnotations: true,
			})
			So(err, ShouldBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)

			So(plan.RepoID, ShouldEqual, 42)
			So(plan.GeneratedAt, ShouldResemble, testclock.TestRecentTimeUTC)
			So(plan.LookbackDays, ShouldEqual, 14)
			So(plan.Evaluated, ShouldEqual, 2)
			So(len(plan.Items), ShouldEqual, 1)

			item := plan.Items[0]
			So(item.Decision.TestID, ShouldEqual, 11)
			So(item.Decision.Action, ShouldEqual, policy.ActionQuarantine)
			So(item.Decision.Priority, ShouldEqual, policy.PriorityHigh)
			So(item.Annotations, ShouldNotBeNil)
			So(item.Annotations.TotalRuns, ShouldEqual, 30)
			So(item.Annotations.RecentFailures, ShouldEqual, 15)
			So(item.Annotations.RerunPassRate, ShouldEqual, 1.0)
		})

		Convey(`a stricter policy and custom lookback change the outcome`, func() {
			cutoff := testclock.TestRecentTimeUTC.AddDate(0, 0, -30)

			mock.ExpectQuery("FROM test_cases tc").
				WithArgs(int64(42), cutoff, 200).
				WillReturnRows(testutil.TestCaseRows().
					AddRow(int64(11), int64(42), "com.acme.CartTest.testCheckout", "", "com.acme.CartTest", "com.acme.CartTest", "testCheckout", "com/acme/CartTest.java", base))
			mock.ExpectQuery("FROM occurrences").
				WithArgs(int64(11), cutoff, 100).
				WillReturnRows(flakyHistory(base))

			strict := policy.Default()
			strict.WarnThreshold = 0.7
			strict.FlakyThreshold = 0.9

			plan, err := planner.Plan(ctx, PlanRequest{
				RepoID:       42,
				Owner:        "acme",
				Repo:         "widgets",
				Policy:       strict,
				LookbackDays: 30,
			})
			So(err, ShouldBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)

			So(plan.LookbackDays, ShouldEqual, 30)
			So(plan.Evaluated, ShouldEqual, 1)
			So(plan.Items, ShouldBeEmpty)
		})

		Convey(`annotations stay off by default`, func() {
			cutoff := testclock.TestRecentTimeUTC.AddDate(0, 0, -14)

			mock.ExpectQuery("FROM test_cases tc").
				WithArgs(int64(42), cutoff, 200).
				WillReturnRows(testutil.TestCaseRows().
					AddRow(int64(11), int64(42), "com.acme.CartTest.testCheckout", "", "com.acme.CartTest", "com.acme.CartTest", "testCheckout", "com/acme/CartTest.java", base))
			mock.ExpectQuery("FROM occurrences").
				WithArgs(int64(11), cutoff, 100).
				WillReturnRows(flakyHistory(base))

			plan, err := planner.Plan(ctx, PlanRequest{RepoID: 42, Owner: "acme", Repo: "widgets"})
			So(err, ShouldBeNil)
			So(len(plan.Items), ShouldEqual, 1)
			So(plan.Items[0].Annotations, ShouldBeNil)
		})
	})
}

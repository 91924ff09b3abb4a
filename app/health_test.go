// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// getJSON fetches path and decodes the body into out, returning the
// status code.
func (e *appEnv) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	res, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("fetching %s: %s", path, err)
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decoding %s: %s", path, err)
	}
	return res.StatusCode
}

// detailedReport mirrors the detailed health body with the per-check
// payloads left raw for typed decoding.
type detailedReport struct {
	Status string                     `json:"status"`
	Checks map[string]json.RawMessage `json:"checks"`
}

func (r *detailedReport) dependency(t *testing.T, name string) dependencyHealth {
	t.Helper()
	var out dependencyHealth
	if err := json.Unmarshal(r.Checks[name], &out); err != nil {
		t.Fatalf("decoding %s check: %s", name, err)
	}
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	Convey(`Health`, t, func() {
		Convey(`liveness needs no dependencies`, func() {
			env := newAppEnv(t)

			var out map[string]string
			So(env.getJSON(t, "/health", &out), ShouldEqual, http.StatusOK)
			So(out["status"], ShouldEqual, "ok")
		})

		Convey(`detailed reports healthy dependencies`, func() {
			env := newAppEnv(t)
			env.mock.ExpectPing()

			var out detailedReport
			So(env.getJSON(t, "/health/detailed", &out), ShouldEqual, http.StatusOK)
			So(out.Status, ShouldEqual, "ok")
			So(out.dependency(t, "database").Status, ShouldEqual, "ok")
			So(out.dependency(t, "queue").Status, ShouldEqual, "ok")

			var gh platformHealth
			So(json.Unmarshal(out.Checks["github"], &gh), ShouldBeNil)
			So(gh.Status, ShouldEqual, "ok")
			So(gh.BreakerState, ShouldEqual, "closed")

			var mem memoryHealth
			So(json.Unmarshal(out.Checks["memory"], &mem), ShouldBeNil)
			So(mem.Status, ShouldEqual, "ok")
			So(mem.NumGoroutine, ShouldBeGreaterThan, 0)
		})

		Convey(`detailed degrades when the queue is down`, func() {
			env := newAppEnv(t)
			env.mock.ExpectPing()
			env.broker.setPingErr(errors.New("connection refused"))

			var out detailedReport
			So(env.getJSON(t, "/health/detailed", &out), ShouldEqual, http.StatusOK)
			So(out.Status, ShouldEqual, "degraded")
			queue := out.dependency(t, "queue")
			So(queue.Status, ShouldEqual, "failing")
			So(queue.Error, ShouldContainSubstring, "connection refused")
			So(out.dependency(t, "database").Status, ShouldEqual, "ok")
		})

		Convey(`detailed degrades when the database is down`, func() {
			env := newAppEnv(t)
			env.mock.ExpectPing().WillReturnError(errors.New("database offline"))

			var out detailedReport
			So(env.getJSON(t, "/health/detailed", &out), ShouldEqual, http.StatusOK)
			So(out.Status, ShouldEqual, "degraded")
			db := out.dependency(t, "database")
			So(db.Status, ShouldEqual, "failing")
			So(db.Error, ShouldContainSubstring, "database offline")
		})

		Convey(`readiness waits for startup to finish`, func() {
			env := newAppEnv(t)

			var out struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			So(env.getJSON(t, "/health/ready", &out), ShouldEqual, http.StatusServiceUnavailable)
			So(out.Status, ShouldEqual, "starting")

			env.h.SetReady(true)
			env.mock.ExpectPing()
			So(env.getJSON(t, "/health/ready", &out), ShouldEqual, http.StatusOK)
			So(out.Status, ShouldEqual, "ready")
			So(out.Checks["database"], ShouldEqual, "ok")
			So(out.Checks["queue"], ShouldEqual, "ok")
		})

		Convey(`readiness drops when a dependency fails`, func() {
			env := newAppEnv(t)
			env.h.SetReady(true)
			env.mock.ExpectPing()
			env.broker.setPingErr(errors.New("redis gone"))

			var out struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			So(env.getJSON(t, "/health/ready", &out), ShouldEqual, http.StatusServiceUnavailable)
			So(out.Status, ShouldEqual, "unavailable")
			So(out.Checks["queue"], ShouldEqual, "failing")
			So(out.Checks["database"], ShouldEqual, "ok")
		})
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	Convey(`metrics export delivery counters`, t, func() {
		env := newAppEnv(t)
		body := marshalEvent(t, workflowRunEvent("completed", "success"))
		res := env.deliver(t, "workflow_run", "delivery-metrics", body)
		res.Body.Close()

		mres, err := http.Get(env.srv.URL + "/metrics")
		So(err, ShouldBeNil)
		defer mres.Body.Close()
		So(mres.StatusCode, ShouldEqual, http.StatusOK)

		raw, err := io.ReadAll(mres.Body)
		So(err, ShouldBeNil)
		So(string(raw), ShouldContainSubstring, "flakeguard_webhook_deliveries_total")
	})
}

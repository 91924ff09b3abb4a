// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"
	"time"

	"github.com/thc1006/flakeguard-sub004/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func testPrivateKeyPEM() string {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(testutil.SigningKey),
	}
	return string(pem.EncodeToMemory(block))
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FLAKEGUARD_APP_ID", "12345")
	t.Setenv("FLAKEGUARD_PRIVATE_KEY", testPrivateKeyPEM())
	t.Setenv("FLAKEGUARD_WEBHOOK_SECRET", "hunter2")
	t.Setenv("FLAKEGUARD_BROKER_URL", "redis://localhost:6379/0")
	t.Setenv("FLAKEGUARD_DATABASE_URL", "postgres://localhost/flakeguard")
	// t.Setenv calls inside Convey branches persist across sibling
	// branches; reset the optional variables so each branch starts from
	// the defaults.
	t.Setenv("FLAKEGUARD_PRIVATE_KEY_PATH", "")
	t.Setenv("FLAKEGUARD_HTTP_ADDR", "")
	t.Setenv("FLAKEGUARD_WORKER_CONCURRENCY", "")
	t.Setenv("FLAKEGUARD_JOB_DEADLINE", "")
	t.Setenv("FLAKEGUARD_AUDIT_SAMPLE_RATE", "")
}

func TestLoad(t *testing.T) {
	Convey(`Load`, t, func() {
		setRequiredEnv(t)

		Convey(`minimal environment yields defaults`, func() {
			cfg, err := Load()
			So(err, ShouldBeNil)
			So(cfg.AppID, ShouldEqual, 12345)
			So(cfg.PrivateKey, ShouldNotBeNil)
			So(cfg.HTTPAddr, ShouldEqual, DefaultHTTPAddr)
			So(cfg.APIBaseURL, ShouldEqual, DefaultAPIBaseURL)
			So(cfg.WorkerConcurrency, ShouldEqual, DefaultWorkerConcurrency)
			So(cfg.MaxArtifactBytes, ShouldEqual, int64(DefaultMaxArtifactBytes))
			So(cfg.JobDeadline, ShouldEqual, DefaultJobDeadline)
			So(cfg.RequestTimeout, ShouldEqual, DefaultRequestTimeout)
			So(cfg.RetentionDays, ShouldEqual, DefaultRetentionDays)
			So(cfg.AuditSampleRate, ShouldEqual, 0.0)
		})

		Convey(`overrides are honored`, func() {
			t.Setenv("FLAKEGUARD_HTTP_ADDR", ":9999")
			t.Setenv("FLAKEGUARD_WORKER_CONCURRENCY", "8")
			t.Setenv("FLAKEGUARD_JOB_DEADLINE", "2m")
			t.Setenv("FLAKEGUARD_AUDIT_SAMPLE_RATE", "0.25")

			cfg, err := Load()
			So(err, ShouldBeNil)
			So(cfg.HTTPAddr, ShouldEqual, ":9999")
			So(cfg.WorkerConcurrency, ShouldEqual, 8)
			So(cfg.JobDeadline, ShouldEqual, 2*time.Minute)
			So(cfg.AuditSampleRate, ShouldEqual, 0.25)
		})

		Convey(`missing app ID`, func() {
			t.Setenv("FLAKEGUARD_APP_ID", "")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "FLAKEGUARD_APP_ID")
		})

		Convey(`non-numeric app ID`, func() {
			t.Setenv("FLAKEGUARD_APP_ID", "not-a-number")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "positive integer")
		})

		Convey(`missing webhook secret`, func() {
			t.Setenv("FLAKEGUARD_WEBHOOK_SECRET", "")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "FLAKEGUARD_WEBHOOK_SECRET")
		})

		Convey(`missing broker URL`, func() {
			t.Setenv("FLAKEGUARD_BROKER_URL", "")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "FLAKEGUARD_BROKER_URL")
		})

		Convey(`missing database URL`, func() {
			t.Setenv("FLAKEGUARD_DATABASE_URL", "")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "FLAKEGUARD_DATABASE_URL")
		})

		Convey(`garbage private key`, func() {
			t.Setenv("FLAKEGUARD_PRIVATE_KEY", "not a pem block")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "parsing RSA private key")
		})

		Convey(`private key from file`, func() {
			path := t.TempDir() + "/key.pem"
			So(os.WriteFile(path, []byte(testPrivateKeyPEM()), 0600), ShouldBeNil)
			t.Setenv("FLAKEGUARD_PRIVATE_KEY", "")
			t.Setenv("FLAKEGUARD_PRIVATE_KEY_PATH", path)

			cfg, err := Load()
			So(err, ShouldBeNil)
			So(cfg.PrivateKey, ShouldNotBeNil)
		})

		Convey(`neither key source set`, func() {
			t.Setenv("FLAKEGUARD_PRIVATE_KEY", "")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "FLAKEGUARD_PRIVATE_KEY")
		})

		Convey(`out of range concurrency`, func() {
			t.Setenv("FLAKEGUARD_WORKER_CONCURRENCY", "1000")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "must be within")
		})

		Convey(`negative job deadline`, func() {
			t.Setenv("FLAKEGUARD_JOB_DEADLINE", "-5s")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "must be positive")
		})

		Convey(`sample rate above one`, func() {
			t.Setenv("FLAKEGUARD_AUDIT_SAMPLE_RATE", "1.5")
			_, err := Load()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "within [0, 1]")
		})
	})
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config loads FlakeGuard process configuration from the
// environment. Per-repository analysis policy is separate and lives in
// internal/policy.
package config

import (
	"crypto/rsa"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.chromium.org/luci/common/errors"
)

// Default tuning values. Each can be overridden by the corresponding
// environment variable.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultAPIBaseURL        = "https://api.github.com"
	DefaultWorkerConcurrency = 4
	DefaultMaxArtifactBytes  = 100 << 20 // 100 MiB
	DefaultJobDeadline       = 5 * time.Minute
	DefaultRequestTimeout    = 30 * time.Second
	DefaultRetentionDays     = 90
)

// Config carries everything the process needs to start. All fields are
// immutable after Load.
type Config struct {
	// AppID is the Platform application identifier used to mint app JWTs.
	AppID int64
	// PrivateKey is the application's RS256 signing key.
	PrivateKey *rsa.PrivateKey
	// WebhookSecret is the pre-shared secret for inbound signature checks.
	WebhookSecret string
	// ClientID and ClientSecret identify the app for OAuth exchanges.
	ClientID     string
	ClientSecret string

	// BrokerURL is the Redis URL backing the job queue.
	BrokerURL string
	// DatabaseURL is the Postgres DSN for the relational store.
	DatabaseURL string

	// HTTPAddr is the listen address of the inbound HTTP surface.
	HTTPAddr string
	// APIBaseURL is the Platform REST endpoint. Overridable for testing
	// and for self-hosted Platform installs.
	APIBaseURL string

	// WorkerConcurrency is the number of concurrent workers per job kind.
	WorkerConcurrency int
	// MaxArtifactBytes bounds a single artifact download.
	MaxArtifactBytes int64
	// JobDeadline bounds one job execution end to end.
	JobDeadline time.Duration
	// RequestTimeout bounds one outbound Platform request.
	RequestTimeout time.Duration
	// RetentionDays is how long occurrence rows are kept before pruning.
	RetentionDays int
	// AuditSampleRate samples successful Platform calls into the audit
	// log, in [0, 1]. Zero disables audit logging of successes.
	AuditSampleRate float64
}

// Load reads configuration from the environment and validates it.
// A non-nil error means the process must exit with a config failure.
func Load() (*Config, error) {
	cfg := &Config{
		WebhookSecret: os.Getenv("FLAKEGUARD_WEBHOOK_SECRET"),
		ClientID:      os.Getenv("FLAKEGUARD_CLIENT_ID"),
		ClientSecret:  os.Getenv("FLAKEGUARD_CLIENT_SECRET"),
		BrokerURL:     os.Getenv("FLAKEGUARD_BROKER_URL"),
		DatabaseURL:   os.Getenv("FLAKEGUARD_DATABASE_URL"),
		HTTPAddr:      envOr("FLAKEGUARD_HTTP_ADDR", DefaultHTTPAddr),
		APIBaseURL:    envOr("FLAKEGUARD_API_BASE_URL", DefaultAPIBaseURL),
	}

	appID := os.Getenv("FLAKEGUARD_APP_ID")
	if appID == "" {
		return nil, errors.Reason("FLAKEGUARD_APP_ID is required").Err()
	}
	id, err := strconv.ParseInt(appID, 10, 64)
	if err != nil || id <= 0 {
		return nil, errors.Reason("FLAKEGUARD_APP_ID %q is not a positive integer", appID).Err()
	}
	cfg.AppID = id

	key, err := loadPrivateKey()
	if err != nil {
		return nil, err
	}
	cfg.PrivateKey = key

	switch {
	case cfg.WebhookSecret == "":
		return nil, errors.Reason("FLAKEGUARD_WEBHOOK_SECRET is required").Err()
	case cfg.BrokerURL == "":
		return nil, errors.Reason("FLAKEGUARD_BROKER_URL is required").Err()
	case cfg.DatabaseURL == "":
		return nil, errors.Reason("FLAKEGUARD_DATABASE_URL is required").Err()
	}

	cfg.WorkerConcurrency, err = envInt("FLAKEGUARD_WORKER_CONCURRENCY", DefaultWorkerConcurrency, 1, 64)
	if err != nil {
		return nil, err
	}
	maxBytes, err := envInt("FLAKEGUARD_MAX_ARTIFACT_BYTES", DefaultMaxArtifactBytes, 1, 1<<40)
	if err != nil {
		return nil, err
	}
	cfg.MaxArtifactBytes = int64(maxBytes)
	cfg.RetentionDays, err = envInt("FLAKEGUARD_RETENTION_DAYS", DefaultRetentionDays, 1, 3650)
	if err != nil {
		return nil, err
	}
	cfg.JobDeadline, err = envDuration("FLAKEGUARD_JOB_DEADLINE", DefaultJobDeadline)
	if err != nil {
		return nil, err
	}
	cfg.RequestTimeout, err = envDuration("FLAKEGUARD_REQUEST_TIMEOUT", DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	cfg.AuditSampleRate, err = envFloat("FLAKEGUARD_AUDIT_SAMPLE_RATE", 0)
	if err != nil {
		return nil, err
	}
	if cfg.AuditSampleRate < 0 || cfg.AuditSampleRate > 1 {
		return nil, errors.Reason("FLAKEGUARD_AUDIT_SAMPLE_RATE must be within [0, 1]").Err()
	}
	return cfg, nil
}

// loadPrivateKey reads the signing key from FLAKEGUARD_PRIVATE_KEY (inline
// PEM) or FLAKEGUARD_PRIVATE_KEY_PATH, in that order.
func loadPrivateKey() (*rsa.PrivateKey, error) {
	pem := []byte(os.Getenv("FLAKEGUARD_PRIVATE_KEY"))
	if len(pem) == 0 {
		path := os.Getenv("FLAKEGUARD_PRIVATE_KEY_PATH")
		if path == "" {
			return nil, errors.Reason("one of FLAKEGUARD_PRIVATE_KEY or FLAKEGUARD_PRIVATE_KEY_PATH is required").Err()
		}
		var err error
		pem, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotate(err, "reading private key from %s", path).Err()
		}
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, errors.Annotate(err, "parsing RSA private key").Err()
	}
	return key, nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def, min, max int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Reason("%s %q is not an integer", name, v).Err()
	}
	if n < min || n > max {
		return 0, errors.Reason("%s must be within [%d, %d], got %d", name, min, max, n).Err()
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Reason("%s %q is not a duration", name, v).Err()
	}
	if d <= 0 {
		return 0, errors.Reason("%s must be positive", name).Err()
	}
	return d, nil
}

func envFloat(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Reason("%s %q is not a number", name, v).Err()
	}
	return f, nil
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package app holds FlakeGuard's inbound HTTP surface: the webhook
// intake, the admin quarantine API, the health endpoints and the
// Prometheus exposition.
package app

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"github.com/thc1006/flakeguard-sub004/internal/broker"
	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/quarantine"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

// dedupeWindow is how many recent delivery identifiers the intake
// remembers for duplicate suppression.
const dedupeWindow = 4096

// Pinger reports whether one dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries the capabilities the handlers depend on.
type Deps struct {
	// WebhookSecret verifies inbound delivery signatures.
	WebhookSecret string
	// Broker accepts the jobs the intake produces.
	Broker broker.Broker
	// QueuePing is the broker's connectivity probe, surfaced by the
	// health endpoints.
	QueuePing Pinger
	// Store resolves repositories and answers the database probe.
	Store *storage.Store
	// Planner serves the admin quarantine-plan API.
	Planner *quarantine.Planner
	// Client contributes breaker and rate-limit state to the health
	// endpoints.
	Client *platform.Client
}

// Handlers is the inbound HTTP surface. One instance serves the whole
// process and is safe for concurrent use.
type Handlers struct {
	d      Deps
	recent *dedupe
	ready  atomic.Bool
}

// New assembles the handlers.
func New(d Deps) *Handlers {
	return &Handlers{d: d, recent: newDedupe(dedupeWindow)}
}

// SetReady flips the readiness probe. main calls it once startup
// checks pass, and again with false on shutdown.
func (h *Handlers) SetReady(ready bool) {
	h.ready.Store(ready)
}

// RegisterRoutes installs every inbound route on r.
func (h *Handlers) RegisterRoutes(r *router.Router, mw router.MiddlewareChain) {
	r.POST("/github/webhook", mw, h.Webhook)
	r.POST("/v1/quarantine/plan", mw, h.QuarantinePlan)
	r.GET("/v1/quarantine/policy", mw, h.QuarantinePolicy)
	r.GET("/health", mw, h.Health)
	r.GET("/health/detailed", mw, h.HealthDetailed)
	r.GET("/health/ready", mw, h.HealthReady)
	r.GET("/metrics", mw, metricsHandler())
}

func metricsHandler() router.Handler {
	exposition := promhttp.Handler()
	return func(ctx *router.Context) {
		exposition.ServeHTTP(ctx.Writer, ctx.Request)
	}
}

// respondWithJSON writes v as the response body. Encoding failures are
// only logged; the status line is already committed by then.
func respondWithJSON(ctx *router.Context, status int, v interface{}) {
	ctx.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	ctx.Writer.WriteHeader(status)
	if err := json.NewEncoder(ctx.Writer).Encode(v); err != nil {
		logging.Warningf(ctx.Context, "Encoding response: %s", err)
	}
}

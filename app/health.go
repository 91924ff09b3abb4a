// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package app

import (
	"net/http"
	"runtime"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/server/router"
)

// healthCheckTimeout bounds each dependency probe.
const healthCheckTimeout = 2 * time.Second

// dependencyHealth reports one probed dependency.
type dependencyHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// platformHealth is a snapshot of the outbound client's circuit and
// rate-limit state. No probe call is made; health polls must not spend
// API quota.
type platformHealth struct {
	Status             string `json:"status"`
	BreakerState       string `json:"breakerState"`
	RateLimitRemaining int    `json:"rateLimitRemaining"`
}

// memoryHealth reports process memory pressure.
type memoryHealth struct {
	Status       string `json:"status"`
	HeapAllocMiB uint64 `json:"heapAllocMiB"`
	HeapSysMiB   uint64 `json:"heapSysMiB"`
	NumGoroutine int    `json:"numGoroutine"`
}

// healthResponse is the detailed health document.
type healthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// Health serves GET /health: pure liveness, no dependency calls.
func (h *Handlers) Health(ctx *router.Context) {
	respondWithJSON(ctx, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthDetailed serves GET /health/detailed: dependency probes plus
// client and memory state. It always answers 200; the body carries the
// verdict.
func (h *Handlers) HealthDetailed(ctx *router.Context) {
	cctx, cancel := clock.WithTimeout(ctx.Context, healthCheckTimeout)
	defer cancel()

	res := &healthResponse{Status: "ok", Checks: map[string]interface{}{}}
	degraded := false

	db := dependencyHealth{Status: "ok"}
	if err := h.d.Store.Ping(cctx); err != nil {
		db = dependencyHealth{Status: "failing", Error: err.Error()}
		degraded = true
	}
	res.Checks["database"] = db

	queue := dependencyHealth{Status: "ok"}
	if err := h.d.QueuePing.Ping(cctx); err != nil {
		queue = dependencyHealth{Status: "failing", Error: err.Error()}
		degraded = true
	}
	res.Checks["queue"] = queue

	breaker := h.d.Client.BreakerState()
	_, remaining, _ := h.d.Client.RateLimit()
	gh := platformHealth{Status: "ok", BreakerState: breaker, RateLimitRemaining: remaining}
	if breaker == "open" {
		gh.Status = "failing"
		degraded = true
	}
	res.Checks["github"] = gh

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	res.Checks["memory"] = memoryHealth{
		Status:       "ok",
		HeapAllocMiB: ms.HeapAlloc >> 20,
		HeapSysMiB:   ms.HeapSys >> 20,
		NumGoroutine: runtime.NumGoroutine(),
	}

	if degraded {
		res.Status = "degraded"
	}
	respondWithJSON(ctx, http.StatusOK, res)
}

// HealthReady serves GET /health/ready: 200 only once startup has
// completed and the hard dependencies answer.
func (h *Handlers) HealthReady(ctx *router.Context) {
	if !h.ready.Load() {
		respondWithJSON(ctx, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	cctx, cancel := clock.WithTimeout(ctx.Context, healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"database": "ok", "queue": "ok"}
	ready := true
	if err := h.d.Store.Ping(cctx); err != nil {
		checks["database"] = "failing"
		ready = false
	}
	if err := h.d.QueuePing.Ping(cctx); err != nil {
		checks["queue"] = "failing"
		ready = false
	}
	status := http.StatusOK
	verdict := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		verdict = "unavailable"
	}
	respondWithJSON(ctx, status, map[string]interface{}{"status": verdict, "checks": checks})
}

// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics declares the Prometheus instruments shared by the
// FlakeGuard pipeline. All instruments are registered on the default
// registry and exposed by the /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flakeguard_webhook_deliveries_total",
	Help: "counter of inbound webhook deliveries by event kind and outcome",
}, []string{"event", "outcome"})

var JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flakeguard_jobs_total",
	Help: "counter of broker jobs by kind and outcome",
}, []string{"kind", "outcome"})

var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "flakeguard_job_duration_seconds",
	Help:    "histogram of job execution time by kind",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"kind"})

var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "flakeguard_queue_depth",
	Help: "gauge of ready jobs per kind as last observed by the workers",
}, []string{"kind"})

var PlatformRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flakeguard_platform_requests_total",
	Help: "counter of outbound Platform API calls by endpoint class and outcome",
}, []string{"endpoint", "outcome"})

var PlatformRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "flakeguard_platform_request_duration_seconds",
	Help:    "histogram of outbound Platform API latency by endpoint class",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
}, []string{"endpoint"})

var RateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "flakeguard_platform_rate_limit_remaining",
	Help: "gauge of the primary rate limit remaining as last reported by the Platform",
})

var BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flakeguard_platform_breaker_transitions_total",
	Help: "counter of circuit breaker state transitions",
}, []string{"from", "to"})

var SuitesParsed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flakeguard_suites_parsed_total",
	Help: "counter of test suites extracted from report artifacts",
})

var CasesParsed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flakeguard_cases_parsed_total",
	Help: "counter of test cases extracted from report artifacts",
})

var ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flakeguard_parse_failures_total",
	Help: "counter of report files skipped because they failed to parse",
})

var Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flakeguard_decisions_total",
	Help: "counter of policy decisions by action",
}, []string{"action"})

var CheckRunsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flakeguard_check_runs_published_total",
	Help: "counter of analysis check runs created or updated",
}, []string{"op"})

var OccurrencesPruned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flakeguard_occurrences_pruned_total",
	Help: "counter of occurrence rows deleted by retention",
})

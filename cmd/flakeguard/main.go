// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command flakeguard runs the FlakeGuard service: the webhook intake
// and admin HTTP surface plus the broker consumers that ingest test
// results, score them, and publish check runs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/server/router"

	"github.com/thc1006/flakeguard-sub004/app"
	"github.com/thc1006/flakeguard-sub004/internal/broker"
	"github.com/thc1006/flakeguard-sub004/internal/checks"
	"github.com/thc1006/flakeguard-sub004/internal/config"
	"github.com/thc1006/flakeguard-sub004/internal/ingestion"
	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/quarantine"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
	"github.com/thc1006/flakeguard-sub004/internal/worker"
)

// Exit codes. Configuration problems are operator errors; dependency
// probes failing usually mean the deployment came up in the wrong
// order and a restart will cure it.
const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 15 * time.Second
)

func main() {
	mathrand.SeedRandomly()
	os.Exit(run())
}

func run() int {
	ctx := gologger.StdConfig.Use(context.Background())

	if err := godotenv.Load(); err == nil {
		logging.Infof(ctx, "Loaded environment overrides from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Errorf(ctx, "Configuration: %s", err)
		return exitConfig
	}

	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Errorf(ctx, "Database: %s", err)
		return exitDependency
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		logging.Errorf(ctx, "Migrating database: %s", err)
		return exitDependency
	}

	ropts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		logging.Errorf(ctx, "FLAKEGUARD_BROKER_URL: %s", err)
		return exitConfig
	}
	rdb := redis.NewClient(ropts)
	defer rdb.Close()
	queue := broker.NewRedisBroker(rdb, broker.DefaultVisibilityTimeout)
	if err := queue.Ping(ctx); err != nil {
		logging.Errorf(ctx, "Broker: %s", err)
		return exitDependency
	}

	client := platform.NewClient(ctx, platform.ClientOptions{
		BaseURL:          cfg.APIBaseURL,
		AppID:            cfg.AppID,
		PrivateKey:       cfg.PrivateKey,
		RequestTimeout:   cfg.RequestTimeout,
		MaxArtifactBytes: cfg.MaxArtifactBytes,
		AuditSampleRate:  cfg.AuditSampleRate,
	})

	store := storage.NewStore(db)
	ingestor := ingestion.New(db)

	wk := worker.New(worker.Deps{
		Broker:      queue,
		Store:       store,
		Ingestor:    ingestor,
		Quarantines: quarantine.NewManager(db),
		Client:      client,
		Publisher:   checks.NewPublisher(db, client),
		Policies:    policy.NewLoader(worker.NewPolicySource(store, client)),
	}, worker.Options{
		Concurrency:      cfg.WorkerConcurrency,
		JobDeadline:      cfg.JobDeadline,
		RetentionDays:    cfg.RetentionDays,
		MaxArtifactBytes: cfg.MaxArtifactBytes,
	})

	handlers := app.New(app.Deps{
		WebhookSecret: cfg.WebhookSecret,
		Broker:        queue,
		QueuePing:     queue,
		Store:         store,
		Planner:       quarantine.NewPlanner(ingestor),
		Client:        client,
	})

	// Every request runs on the process context, which carries the
	// logger. Draining is the HTTP server's job, so requests do not
	// inherit the worker cancellation.
	r := router.New()
	handlers.RegisterRoutes(r, router.NewMiddlewareChain(func(c *router.Context, next router.Handler) {
		c.Context = ctx
		next(c)
	}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	wctx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wk.Run(wctx)
	}()

	errc := make(chan error, 1)
	go func() {
		logging.Infof(ctx, "Serving on %s", cfg.HTTPAddr)
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errc <- err
	}()

	handlers.SetReady(true)
	logging.Infof(ctx, "FlakeGuard up: app %d, %d workers per job kind", cfg.AppID, cfg.WorkerConcurrency)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	exit := exitOK
	select {
	case sig := <-sigc:
		logging.Infof(ctx, "Caught %s, shutting down", sig)
	case err := <-errc:
		if err != nil {
			logging.Errorf(ctx, "HTTP server: %s", err)
			exit = exitConfig
		}
	}

	handlers.SetReady(false)
	sctx, cancel := clock.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logging.Warningf(ctx, "Draining HTTP server: %s", err)
	}
	stopWorkers()
	wg.Wait()
	logging.Infof(ctx, "FlakeGuard stopped")
	return exit
}

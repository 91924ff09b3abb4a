// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package storage owns the relational store: connection bootstrap,
// schema migrations, and the shared entities (repositories,
// installations, workflow runs, pull request heads) that several
// subsystems read and write. Test-result tables are written by the
// ingestion package and read by scoring and publishing.
package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Connection pool shape. The service runs a small fixed worker pool,
// so a modest ceiling is plenty.
const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Open connects to Postgres, configures the pool, and verifies the
// connection.
func Open(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, errors.Annotate(err, "opening database").Err()
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "pinging database").Tag(transient.Tag).Err()
	}
	return db, nil
}

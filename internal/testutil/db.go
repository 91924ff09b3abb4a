// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testutil

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// MockDB returns an sqlx handle over a scriptable sqlmock connection,
// plus the mock for recording expectations. The connection is closed when
// the test finishes.
func MockDB(tb testing.TB) (*sqlx.DB, sqlmock.Sqlmock) {
	tb.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		tb.Fatalf("opening sqlmock: %s", err)
	}
	tb.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

// MockPingableDB is MockDB with ping monitoring enabled, for tests that
// script ExpectPing.
func MockPingableDB(tb testing.TB) (*sqlx.DB, sqlmock.Sqlmock) {
	tb.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		tb.Fatalf("opening sqlmock: %s", err)
	}
	tb.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

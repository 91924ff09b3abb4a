// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testutil

import (
	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// The column sets below mirror the SELECT lists in internal/ingestion and
// internal/storage, so scripted rows scan into the same structs the
// production queries fill.

// RepositoryRows returns an empty row set with the repositories columns.
func RepositoryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "full_name", "owner", "name", "installation_id", "default_branch", "created_at", "updated_at",
	})
}

// TestCaseRows returns an empty row set with the test_cases columns.
func TestCaseRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "repo_id", "full_name", "file", "suite", "class_name", "name", "source_path", "created_at",
	})
}

// OccurrenceHistoryRows returns an empty row set with the columns of an
// occurrence history read.
func OccurrenceHistoryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"status", "run_id", "head_sha", "attempt", "failure_message", "duration_ms", "created_at",
	})
}

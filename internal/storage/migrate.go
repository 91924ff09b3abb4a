// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package storage

import (
	"context"
	"embed"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"go.chromium.org/luci/common/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies any pending schema migrations. Migrations are
// embedded in the binary, so deployments need no external files.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Annotate(err, "setting migration dialect").Err()
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return errors.Annotate(err, "applying migrations").Err()
	}
	return nil
}

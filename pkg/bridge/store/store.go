// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists the room and account directory on top of
// go.mau.fi/util/dbutil, supporting SQLite and Postgres like the
// upstream NeDB/Postgres split.
package store

import (
	"context"
	"embed"
	"errors"

	"go.mau.fi/util/dbutil"
)

// ErrIntegrity is returned when a lookup that must match at most one row
// matches several. The store is never mutated on this path; the
// condition needs operator attention.
var ErrIntegrity = errors.New("store integrity error: multiple rows for unique key")

// UpgradeTable holds the schema migrations for the bridge database.
var UpgradeTable dbutil.UpgradeTable

//go:embed upgrades/*.sql
var upgrades embed.FS

func init() {
	UpgradeTable.RegisterFS(upgrades)
}

// SQLStore is the dbutil-backed implementation of the bridge directory.
type SQLStore struct {
	db *dbutil.Database
}

// NewSQLStore wraps an open database. Call Upgrade before first use.
func NewSQLStore(db *dbutil.Database) *SQLStore {
	db.UpgradeTable = UpgradeTable
	return &SQLStore{db: db}
}

// Upgrade applies pending schema migrations.
func (s *SQLStore) Upgrade(ctx context.Context) error {
	return s.db.Upgrade(ctx)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

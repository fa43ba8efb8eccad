// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

const (
	getRoomByMXIDQuery     = `SELECT mxid, type, remote_id, data FROM room WHERE mxid=$1`
	getRoomByRemoteIDQuery = `SELECT mxid, type, remote_id, data FROM room WHERE remote_id=$1`
	getRoomsByTypeQuery    = `SELECT mxid, type, remote_id, data FROM room WHERE type=$1`
	upsertRoomQuery        = `
		INSERT INTO room (mxid, type, remote_id, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (mxid) DO UPDATE SET type=excluded.type, remote_id=excluded.remote_id, data=excluded.data
	`
	deleteRoomQuery = `DELETE FROM room WHERE mxid=$1`
)

func scanRoom(row dbutilScannable) (*RoomEntry, error) {
	var entry RoomEntry
	var data []byte
	err := row.Scan(&entry.MXID, &entry.Type, &entry.RemoteID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, &entry.Data); err != nil {
		return nil, fmt.Errorf("failed to parse room data for %s: %w", entry.MXID, err)
	}
	return &entry, nil
}

// dbutilScannable is satisfied by *sql.Row and *sql.Rows.
type dbutilScannable interface {
	Scan(dest ...any) error
}

// GetRoomByMXID loads the entry for a Matrix room. A missing entry
// returns (nil, nil): the room is unclassified.
func (s *SQLStore) GetRoomByMXID(ctx context.Context, mxid id.RoomID) (*RoomEntry, error) {
	return scanRoom(s.db.QueryRow(ctx, getRoomByMXIDQuery, mxid))
}

// GetRoomByRemoteID looks up a room by its canonical remote key.
// Exactly zero or one match is expected; more returns ErrIntegrity.
func (s *SQLStore) GetRoomByRemoteID(ctx context.Context, remoteID string) (*RoomEntry, error) {
	rows, err := s.db.Query(ctx, getRoomByRemoteIDQuery, remoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entry *RoomEntry
	for rows.Next() {
		if entry != nil {
			return nil, fmt.Errorf("%w: remote id %s", ErrIntegrity, remoteID)
		}
		entry, err = scanRoom(rows)
		if err != nil {
			return nil, err
		}
	}
	return entry, rows.Err()
}

// GetRoomsByType lists all rooms of one classification.
func (s *SQLStore) GetRoomsByType(ctx context.Context, typ RoomType) ([]*RoomEntry, error) {
	rows, err := s.db.Query(ctx, getRoomsByTypeQuery, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*RoomEntry
	for rows.Next() {
		entry, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// StoreRoom persists a room classification. The remote id must be the
// canonical key for the entry's data; RemoteIDForEntry derives it.
func (s *SQLStore) StoreRoom(ctx context.Context, mxid id.RoomID, typ RoomType, remoteID string, data RemoteData) (*RoomEntry, error) {
	entry := &RoomEntry{MXID: mxid, Type: typ, RemoteID: remoteID, Data: data}
	if err := ValidateEntry(entry); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(&entry.Data)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx, upsertRoomQuery, entry.MXID, entry.Type, entry.RemoteID, raw)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RemoveRoom deletes a room entry. Removing a missing room is not an
// error.
func (s *SQLStore) RemoveRoom(ctx context.Context, mxid id.RoomID) error {
	_, err := s.db.Exec(ctx, deleteRoomQuery, mxid)
	return err
}

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

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getLinksQuery = `
		SELECT mxid, protocol_id, username, enabled, extra FROM account_link
		WHERE mxid=$1 AND protocol_id=$2
	`
	getLinksByRemoteQuery = `
		SELECT mxid, protocol_id, username, enabled, extra FROM account_link
		WHERE protocol_id=$1 AND username=$2
	`
	upsertLinkQuery = `
		INSERT INTO account_link (mxid, protocol_id, username, enabled, extra)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mxid, protocol_id, username)
		DO UPDATE SET enabled=excluded.enabled, extra=excluded.extra
	`
)

func scanLink(row dbutilScannable) (*AccountLink, error) {
	var link AccountLink
	var extra sql.NullString
	err := row.Scan(&link.MXID, &link.ProtocolID, &link.Username, &link.Enabled, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if extra.Valid && extra.String != "" {
		if err = json.Unmarshal([]byte(extra.String), &link.Extra); err != nil {
			return nil, fmt.Errorf("failed to parse link extra data: %w", err)
		}
	}
	return &link, nil
}

func scanLinks(rows dbutil.Rows) ([]*AccountLink, error) {
	defer rows.Close()
	var links []*AccountLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// GetAccountLinks lists the accounts a Matrix user has linked for one
// protocol.
func (s *SQLStore) GetAccountLinks(ctx context.Context, userID id.UserID, protocolID string) ([]*AccountLink, error) {
	rows, err := s.db.Query(ctx, getLinksQuery, userID, protocolID)
	if err != nil {
		return nil, err
	}
	return scanLinks(rows)
}

// GetAccountLinksByRemote resolves which Matrix users own a backend
// account. Inbound routing requires exactly one owner.
func (s *SQLStore) GetAccountLinksByRemote(ctx context.Context, protocolID, username string) ([]*AccountLink, error) {
	rows, err := s.db.Query(ctx, getLinksByRemoteQuery, protocolID, username)
	if err != nil {
		return nil, err
	}
	return scanLinks(rows)
}

// StoreAccountLink persists a user-to-account mapping.
func (s *SQLStore) StoreAccountLink(ctx context.Context, link *AccountLink) error {
	var extra any
	if len(link.Extra) > 0 {
		raw, err := json.Marshal(link.Extra)
		if err != nil {
			return err
		}
		extra = string(raw)
	}
	_, err := s.db.Exec(ctx, upsertLinkQuery, link.MXID, link.ProtocolID, link.Username, link.Enabled, extra)
	return err
}

// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"encoding/base64"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// secretProperties are join property keys that must never be persisted
// or used as part of a lookup key.
var secretProperties = []string{"password"}

// SanitizeProperties returns a copy of props with secret keys stripped.
// The input map is not modified.
func SanitizeProperties(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	clean := make(map[string]string, len(props))
	for k, v := range props {
		clean[k] = v
	}
	for _, secret := range secretProperties {
		delete(clean, secret)
	}
	return clean
}

// KeyIM computes the canonical remote id of a direct-message room.
// One room exists per (owner, protocol, recipient).
func KeyIM(owner id.UserID, protocolID, recipient string) string {
	return encodeKey(fmt.Sprintf("%s:%s:%s", owner, protocolID, recipient))
}

// KeyGroup computes the canonical remote id of a group room. One
// non-plumbed room exists per (protocol, remote room name).
func KeyGroup(protocolID, roomName string) string {
	return encodeKey(fmt.Sprintf("%s:%s", protocolID, roomName))
}

// KeyPlumbed computes the remote id of a plumbed group room. Plumbed
// rooms are keyed by the Matrix room as well, so a remote conversation
// can be plumbed into a room even when a portal already exists.
func KeyPlumbed(mxid id.RoomID, protocolID, roomName string) string {
	return encodeKey(fmt.Sprintf("plumbed:%s:%s:%s", mxid, protocolID, roomName))
}

// KeyAdmin computes the remote id of a user admin room.
func KeyAdmin(owner id.UserID) string {
	return "UADMIN-" + string(owner)
}

// encodeKey matches the upstream store format of base64-encoded keys so
// existing databases keep working.
func encodeKey(raw string) string {
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// RemoteIDForEntry derives the canonical remote id from an entry's
// variant data.
func RemoteIDForEntry(entry *RoomEntry) (string, error) {
	switch {
	case entry.Data.Admin != nil:
		return KeyAdmin(entry.Data.Admin.MatrixUser), nil
	case entry.Data.DM != nil:
		dm := entry.Data.DM
		return KeyIM(dm.MatrixUser, dm.ProtocolID, dm.Recipient), nil
	case entry.Data.Group != nil:
		g := entry.Data.Group
		if g.Plumbed {
			return KeyPlumbed(entry.MXID, g.ProtocolID, g.RoomName), nil
		}
		return KeyGroup(g.ProtocolID, g.RoomName), nil
	}
	return "", fmt.Errorf("room entry %s has no remote data", entry.MXID)
}

// ValidateEntry checks the variant data matches the declared type.
func ValidateEntry(entry *RoomEntry) error {
	var want, got string
	switch entry.Type {
	case RoomTypeAdmin:
		want = "admin"
		if entry.Data.Admin == nil {
			got = describeVariant(&entry.Data)
		}
	case RoomTypeIM:
		want = "dm"
		if entry.Data.DM == nil {
			got = describeVariant(&entry.Data)
		}
	case RoomTypeGroup:
		want = "group"
		if entry.Data.Group == nil {
			got = describeVariant(&entry.Data)
		}
	default:
		return fmt.Errorf("unknown room type %q", entry.Type)
	}
	if got != "" {
		return fmt.Errorf("room type %q requires %s data, have %s", entry.Type, want, got)
	}
	return nil
}

func describeVariant(rd *RemoteData) string {
	var set []string
	if rd.DM != nil {
		set = append(set, "dm")
	}
	if rd.Group != nil {
		set = append(set, "group")
	}
	if rd.Admin != nil {
		set = append(set, "admin")
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, "+")
}

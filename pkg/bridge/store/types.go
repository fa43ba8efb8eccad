// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"maunium.net/go/mautrix/id"
)

// RoomType classifies a bridged Matrix room.
type RoomType string

const (
	// RoomTypeAdmin is a private control channel between one Matrix user
	// and the bridge bot.
	RoomTypeAdmin RoomType = "user-admin"
	// RoomTypeIM is a 1:1 conversation with a single remote user.
	RoomTypeIM RoomType = "im"
	// RoomTypeGroup is a bridged group conversation.
	RoomTypeGroup RoomType = "group"
)

// DirectMessageData is the remote record of an IM room.
type DirectMessageData struct {
	// MatrixUser is the local user who owns this conversation.
	MatrixUser id.UserID `json:"matrix_user"`
	ProtocolID string    `json:"protocol_id"`
	// Recipient is the remote handle messages are sent to.
	Recipient string `json:"recipient"`
}

// GroupChatData is the remote record of a group room.
type GroupChatData struct {
	ProtocolID string `json:"protocol_id"`
	RoomName   string `json:"room_name"`
	// Properties are the sanitized join parameters for re-joining.
	// Secrets are stripped before persisting.
	Properties map[string]string `json:"properties,omitempty"`
	// Gateway marks rooms relayed through the multi-account gateway
	// instead of one dedicated account.
	Gateway bool `json:"gateway,omitempty"`
	// Plumbed marks pre-existing rooms retrofitted via the plumbing
	// command; they are exempt from the one-room-per-remote-name rule.
	Plumbed bool `json:"plumbed,omitempty"`
}

// AdminRoomData is the remote record of an admin room.
type AdminRoomData struct {
	MatrixUser id.UserID `json:"matrix_user"`
}

// RemoteData is the tagged variant carried by a RoomEntry. Exactly one
// branch is set, matching the entry's type.
type RemoteData struct {
	DM    *DirectMessageData `json:"dm,omitempty"`
	Group *GroupChatData     `json:"group,omitempty"`
	Admin *AdminRoomData     `json:"admin,omitempty"`
}

// ProtocolID returns the protocol of whichever branch is set, or "" for
// admin rooms.
func (rd *RemoteData) ProtocolID() string {
	switch {
	case rd == nil:
		return ""
	case rd.DM != nil:
		return rd.DM.ProtocolID
	case rd.Group != nil:
		return rd.Group.ProtocolID
	}
	return ""
}

// RoomEntry maps one Matrix room to its remote-network counterpart.
type RoomEntry struct {
	MXID id.RoomID
	Type RoomType
	// RemoteID is the canonical key for the remote side, unique across
	// the store. See the Key* helpers.
	RemoteID string
	Data     RemoteData
}

// AccountLink maps a Matrix user to one of their backend accounts.
type AccountLink struct {
	MXID       id.UserID
	ProtocolID string
	Username   string
	Enabled    bool
	// Extra holds protocol-specific registration data.
	Extra map[string]string
}

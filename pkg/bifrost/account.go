// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bifrost

import "context"

// Account is a live handle to one connected (or connecting) backend
// account. Send operations are fire-and-forget at the protocol level;
// errors report local failures only, never remote delivery.
type Account interface {
	Name() string
	Protocol() Protocol
	// RemoteID uniquely identifies this account across protocols,
	// conventionally "<protocol id>://<username>".
	RemoteID() string
	Connected() bool
	IsEnabled() bool
	SetEnabled(ctx context.Context, enabled bool) error

	SendIM(ctx context.Context, recipient, body string) error
	SendChat(ctx context.Context, roomName, body string) error

	// JoinChat joins a group conversation. The context carries the join
	// deadline; on expiry the join fails and is never retried.
	JoinChat(ctx context.Context, properties map[string]string) (*ConversationEvent, error)
	RejectChat(ctx context.Context, properties map[string]string) error
	IsInRoom(roomName string) bool
	// NickInRoom resolves this account's display nickname from the live
	// roster of a joined conversation.
	NickInRoom(roomName string) (string, bool)
	// SetRoomJoinProperties remembers join parameters for a room so the
	// backend can rejoin after a reconnect.
	SetRoomJoinProperties(roomName string, properties map[string]string)

	// ChatParameters lists the ordered join parameters this account's
	// protocol requires.
	ChatParameters() []ChatParameter
	// CreateNew provisions the account on the remote network. Only valid
	// when the protocol reports CanCreateNew.
	CreateNew(ctx context.Context, password string) error
}

// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bifrost

// AccountRef identifies an account in backend events without carrying a
// live handle.
type AccountRef struct {
	Username   string
	ProtocolID string
}

// Event is implemented by every event the backend can emit. The bridge's
// remote loop dispatches on the concrete type.
type Event interface {
	isEvent()
}

// ReceivedIMMessage is a direct message from a remote user to one of the
// backend accounts.
type ReceivedIMMessage struct {
	Account AccountRef
	// Sender is the remote handle of the message author.
	Sender  string
	Message string
}

// ReceivedChatMessage is a group conversation message seen by one of the
// backend accounts. Every local account joined to the conversation
// receives its own copy.
type ReceivedChatMessage struct {
	Account AccountRef
	// Conversation is the remote room name.
	Conversation string
	Sender       string
	Message      string
}

// ChatInvite is an invitation for a backend account to join a remote
// group conversation.
type ChatInvite struct {
	Account  AccountRef
	Sender   string
	RoomName string
	// Message is an optional invite body.
	Message string
	// JoinProperties are the parameters needed to accept the invite.
	JoinProperties map[string]string
}

// AccountSignedOn fires when an account finishes connecting. Deferred
// joins registered against the account are resolved by this event.
type AccountSignedOn struct {
	Account AccountRef
}

// ConversationEvent is the result of a successful group join.
type ConversationEvent struct {
	Account AccountRef
	// Conversation is the canonical remote room name reported by the
	// protocol, which may differ from what was requested.
	Conversation string
}

func (ReceivedIMMessage) isEvent()   {}
func (ReceivedChatMessage) isEvent() {}
func (ChatInvite) isEvent()          {}
func (AccountSignedOn) isEvent()     {}

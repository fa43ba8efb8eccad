// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bifrost

// Protocol describes one remote chat protocol exposed by the backend.
type Protocol struct {
	// ID is the backend-internal identifier, e.g. "prpl-jabber".
	ID string
	// Name is the human-readable protocol name, e.g. "XMPP".
	Name    string
	Summary string
	// CanCreateNew reports whether the backend can provision brand new
	// accounts for this protocol (accounts add).
	CanCreateNew bool
	// CanAddExisting reports whether pre-existing backend accounts can be
	// linked to a Matrix user (accounts add-existing).
	CanAddExisting bool
}

// ChatParameter is one join parameter a protocol needs to enter a group
// conversation, in the order the protocol expects them.
type ChatParameter struct {
	// Identifier is the property key, e.g. "room" or "server".
	Identifier string
	// Label is the human-readable prompt shown in parameter help.
	Label    string
	Required bool
}

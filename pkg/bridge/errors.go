// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import "errors"

// Failure taxonomy. All of these are caught at the router; none crash
// the process. User-visible ones become notices in the originating room
// when there is one, otherwise they are log-only.
var (
	// ErrClassification: the room cannot be resolved to an entry the
	// event requires. The event is dropped.
	ErrClassification = errors.New("room could not be classified")
	// ErrResolution: no usable remote account for the sender. The event
	// is dropped, or the sender kicked on group joins.
	ErrResolution = errors.New("no usable remote account")
	// ErrJoin: a remote join failed or timed out. Reported as a notice,
	// never retried.
	ErrJoin = errors.New("remote join failed")
	// ErrParameter: malformed command arguments. Usage is reported
	// inline and nothing is mutated.
	ErrParameter = errors.New("malformed command parameters")
)

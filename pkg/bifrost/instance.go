// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bifrost

import (
	"context"
	"errors"
	"fmt"
)

// ErrAccountNotFound is returned by GetAccount when the backend has no
// live account object for the given identity.
var ErrAccountNotFound = errors.New("account not found in backend")

// Instance is a running multi-protocol backend.
type Instance interface {
	Start(ctx context.Context) error
	Stop()

	// Events is the stream of remote-network events. The channel is
	// closed when the instance stops.
	Events() <-chan Event

	// GetAccount resolves a live account handle. The owner is the Matrix
	// user the account is linked to; backends that scope accounts per
	// user use it to disambiguate.
	GetAccount(username, protocolID, owner string) (Account, error)
	// CreateAccount instantiates a new, not yet provisioned account.
	CreateAccount(username string, protocol Protocol) (Account, error)

	FindProtocol(nameOrID string) (Protocol, bool)
	Protocols() []Protocol

	// NeedsDedupe reports whether this backend echoes sent group messages
	// back to their origin, requiring fingerprint suppression.
	NeedsDedupe() bool
}

// Constructor builds a backend instance from its raw YAML config section.
type Constructor func(rawConfig map[string]any) (Instance, error)

// Backends is the registry of compiled-in backend implementations,
// keyed by backend name. Implementations register from init.
var Backends = map[string]Constructor{}

// NewInstance constructs the named backend.
func NewInstance(name string, rawConfig map[string]any) (Instance, error) {
	ctor, ok := Backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not compiled into this binary", name)
	}
	return ctor(rawConfig)
}

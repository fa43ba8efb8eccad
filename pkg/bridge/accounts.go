// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
)

// AutoRegistration provisions backend accounts for Matrix users who
// have none. It is the only path that may create an AccountLink on
// behalf of account resolution.
type AutoRegistration interface {
	IsSupported(protocolID string) bool
	RegisterUser(ctx context.Context, protocolID string, userID id.UserID) (bifrost.Account, error)
}

// GetAccountForMxid resolves the live backend account a Matrix user
// uses for one protocol. Without a persisted link it falls back to
// autoregistration; isNew reports that path was taken.
func (br *Bridge) GetAccountForMxid(ctx context.Context, userID id.UserID, protocolID string) (acct bifrost.Account, isNew bool, err error) {
	links, err := br.Store.GetAccountLinks(ctx, userID, protocolID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up account links: %w", err)
	}
	if len(links) == 0 {
		br.Log.Info().
			Str("user_id", userID.String()).
			Str("protocol_id", protocolID).
			Msg("No linked account, attempting autoregistration")
		if br.AutoReg == nil {
			return nil, false, fmt.Errorf("%w: autoregistration of accounts not supported", ErrResolution)
		}
		if !br.AutoReg.IsSupported(protocolID) {
			return nil, false, fmt.Errorf("%w: %s cannot be autoregistered", ErrResolution, protocolID)
		}
		acct, err = br.AutoReg.RegisterUser(ctx, protocolID, userID)
		if err != nil {
			return nil, false, fmt.Errorf("%w: autoregistration failed: %v", ErrResolution, err)
		}
		return acct, true, nil
	}
	// Multiple links per protocol exist; the first one is used until
	// per-room account selection is implemented.
	link := links[0]
	acct, err = br.Backend.GetAccount(link.Username, protocolID, string(userID))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s/%s: %v", ErrResolution, protocolID, link.Username, err)
	}
	if !acct.IsEnabled() {
		return nil, false, fmt.Errorf("%w: account %s is disabled", ErrResolution, link.Username)
	}
	return acct, false, nil
}

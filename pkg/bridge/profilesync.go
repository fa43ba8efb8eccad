// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// profileRefreshInterval rate-limits ghost profile updates: remote
// contacts rarely rename, and every inbound IM would otherwise hit the
// profile API.
const profileRefreshInterval = 15 * time.Minute

// profileSync keeps ghost displaynames roughly in sync with their
// remote identities.
type profileSync struct {
	log zerolog.Logger

	mu      sync.Mutex
	updated map[id.UserID]time.Time
	now     func() time.Time
}

func newProfileSync(log zerolog.Logger) *profileSync {
	return &profileSync{
		log:     log.With().Str("component", "profile_sync").Logger(),
		updated: make(map[id.UserID]time.Time),
		now:     time.Now,
	}
}

// Update sets the ghost's displayname if it has not been refreshed
// recently. Failures are log-only: profiles are cosmetic.
func (ps *profileSync) Update(ctx context.Context, intent Intent, displayname string) {
	if displayname == "" {
		return
	}
	ghost := intent.UserID()
	ps.mu.Lock()
	last, ok := ps.updated[ghost]
	if ok && ps.now().Sub(last) < profileRefreshInterval {
		ps.mu.Unlock()
		return
	}
	ps.updated[ghost] = ps.now()
	ps.mu.Unlock()

	if err := intent.SetDisplayName(ctx, displayname); err != nil {
		ps.log.Debug().Err(err).
			Str("ghost", ghost.String()).
			Msg("Failed to update ghost displayname")
	}
}

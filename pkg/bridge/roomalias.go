// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
)

// pendingAliasTTL bounds how long an unconsumed alias request survives.
// Requests the homeserver never follows up on are pruned instead of
// leaking forever.
const pendingAliasTTL = time.Hour

type compiledPortal struct {
	regex      *regexp.Regexp
	protocol   bifrost.Protocol
	properties map[string]string
}

// AliasMatch is the outcome of resolving an alias localpart against the
// configured portals.
type AliasMatch struct {
	Protocol   bifrost.Protocol
	Properties map[string]string
}

type pendingAliasRequest struct {
	match   AliasMatch
	created time.Time
}

// RoomAliasSet resolves room alias localparts to remote conversations
// and tracks alias requests awaiting their room-created callback.
type RoomAliasSet struct {
	log     zerolog.Logger
	portals []compiledPortal

	mu sync.Mutex
	// pending is keyed by the full requested alias and consumed exactly
	// once by the following room-created callback.
	pending map[string]pendingAliasRequest
	now     func() time.Time
}

func NewRoomAliasSet(log zerolog.Logger, portals []PortalConfig, backend bifrost.Instance) (*RoomAliasSet, error) {
	ras := &RoomAliasSet{
		log:     log.With().Str("component", "room_aliases").Logger(),
		pending: make(map[string]pendingAliasRequest),
		now:     time.Now,
	}
	for i, portal := range portals {
		if !portal.Enabled {
			continue
		}
		proto, ok := backend.FindProtocol(portal.Protocol)
		if !ok {
			ras.log.Warn().
				Str("protocol", portal.Protocol).
				Msg("Portal references a protocol the backend does not provide, skipping")
			continue
		}
		re, err := regexp.Compile(portal.Regex)
		if err != nil {
			return nil, fmt.Errorf("portals[%d]: %w", i, err)
		}
		ras.portals = append(ras.portals, compiledPortal{
			regex:      re,
			protocol:   proto,
			properties: portal.Properties,
		})
	}
	return ras, nil
}

// Resolve matches an alias localpart against the portal patterns and
// expands the property templates with the capture groups.
func (ras *RoomAliasSet) Resolve(localpart string) (*AliasMatch, bool) {
	for _, portal := range ras.portals {
		match := portal.regex.FindStringSubmatchIndex(localpart)
		if match == nil {
			continue
		}
		props := make(map[string]string, len(portal.properties))
		for key, tmpl := range portal.properties {
			props[key] = string(portal.regex.ExpandString(nil, tmpl, localpart, match))
		}
		return &AliasMatch{Protocol: portal.protocol, Properties: props}, true
	}
	return nil, false
}

// RegisterPending records an alias request awaiting room creation.
// Expired requests are pruned on every registration.
func (ras *RoomAliasSet) RegisterPending(alias string, match AliasMatch) {
	ras.mu.Lock()
	defer ras.mu.Unlock()
	cutoff := ras.now().Add(-pendingAliasTTL)
	for key, req := range ras.pending {
		if req.created.Before(cutoff) {
			ras.log.Warn().Str("alias", key).Msg("Pruning expired pending alias request")
			delete(ras.pending, key)
		}
	}
	ras.pending[alias] = pendingAliasRequest{match: match, created: ras.now()}
}

// ConsumePending pops the request registered for an alias, if any.
func (ras *RoomAliasSet) ConsumePending(alias string) (*AliasMatch, bool) {
	ras.mu.Lock()
	defer ras.mu.Unlock()
	req, ok := ras.pending[alias]
	if !ok {
		return nil, false
	}
	delete(ras.pending, alias)
	if ras.now().Sub(req.created) > pendingAliasTTL {
		return nil, false
	}
	return &req.match, true
}

// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestAliasSet(t *testing.T) *RoomAliasSet {
	t.Helper()
	backend := newFakeInstance()
	ras, err := NewRoomAliasSet(zerolog.Nop(), []PortalConfig{
		{
			Enabled:    true,
			Protocol:   ProtocolXMPP,
			Regex:      `^xmpp_(.+)_(.+)$`,
			Properties: map[string]string{"room": "$1", "server": "$2"},
		},
		{
			// Disabled portals never match.
			Enabled:    false,
			Protocol:   ProtocolXMPP,
			Regex:      `^always_(.+)$`,
			Properties: map[string]string{"room": "$1"},
		},
	}, backend)
	if err != nil {
		t.Fatalf("NewRoomAliasSet: %v", err)
	}
	return ras
}

func TestAliasResolveExpandsCaptures(t *testing.T) {
	t.Parallel()
	ras := newTestAliasSet(t)

	match, ok := ras.Resolve("xmpp_dev_muc.example.org")
	if !ok {
		t.Fatal("localpart should match")
	}
	if match.Protocol.ID != ProtocolXMPP {
		t.Errorf("protocol: got %s", match.Protocol.ID)
	}
	if match.Properties["room"] != "dev" || match.Properties["server"] != "muc.example.org" {
		t.Errorf("properties: %v", match.Properties)
	}
}

func TestAliasResolveMisses(t *testing.T) {
	t.Parallel()
	ras := newTestAliasSet(t)
	if _, ok := ras.Resolve("irc_channel"); ok {
		t.Error("non-matching localpart should miss")
	}
	if _, ok := ras.Resolve("always_dev"); ok {
		t.Error("disabled portal must not match")
	}
}

func TestAliasSetInvalidRegexRejected(t *testing.T) {
	t.Parallel()
	_, err := NewRoomAliasSet(zerolog.Nop(), []PortalConfig{
		{Enabled: true, Protocol: ProtocolXMPP, Regex: `^broken[$`},
	}, newFakeInstance())
	if err == nil {
		t.Error("invalid regex must fail construction")
	}
}

func TestPendingAliasConsumedOnce(t *testing.T) {
	t.Parallel()
	ras := newTestAliasSet(t)
	match := AliasMatch{Protocol: testProtoXMPP, Properties: map[string]string{"room": "dev"}}

	ras.RegisterPending("#xmpp_dev_muc:example.org", match)
	got, ok := ras.ConsumePending("#xmpp_dev_muc:example.org")
	if !ok || got.Properties["room"] != "dev" {
		t.Fatalf("consume: got %v, %t", got, ok)
	}
	if _, ok = ras.ConsumePending("#xmpp_dev_muc:example.org"); ok {
		t.Error("pending request must be consumed exactly once")
	}
}

func TestPendingAliasExpires(t *testing.T) {
	t.Parallel()
	ras := newTestAliasSet(t)
	now := time.Now()
	ras.now = func() time.Time { return now }

	ras.RegisterPending("#stale:example.org", AliasMatch{Protocol: testProtoXMPP})
	now = now.Add(pendingAliasTTL + time.Minute)
	if _, ok := ras.ConsumePending("#stale:example.org"); ok {
		t.Error("expired request must not be consumable")
	}

	// Registration prunes expired leftovers.
	ras.RegisterPending("#old:example.org", AliasMatch{Protocol: testProtoXMPP})
	now = now.Add(pendingAliasTTL + time.Minute)
	ras.RegisterPending("#fresh:example.org", AliasMatch{Protocol: testProtoXMPP})
	ras.mu.Lock()
	if _, ok := ras.pending["#old:example.org"]; ok {
		t.Error("expired request should be pruned on registration")
	}
	ras.mu.Unlock()
}

// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"encoding/base64"
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestSanitizePropertiesStripsSecrets(t *testing.T) {
	t.Parallel()
	props := map[string]string{
		"room":     "dev",
		"server":   "muc.example.org",
		"password": "hunter2",
	}
	clean := SanitizeProperties(props)
	if _, ok := clean["password"]; ok {
		t.Error("password must be stripped")
	}
	if clean["room"] != "dev" || clean["server"] != "muc.example.org" {
		t.Errorf("non-secret properties must survive: %v", clean)
	}
	// The input is untouched.
	if props["password"] != "hunter2" {
		t.Error("input map must not be modified")
	}
	if SanitizeProperties(nil) != nil {
		t.Error("nil stays nil")
	}
}

func TestKeyFormats(t *testing.T) {
	t.Parallel()
	owner := id.UserID("@alice:example.org")

	im := KeyIM(owner, "prpl-jabber", "bob@remote.org")
	if decoded, err := base64.StdEncoding.DecodeString(im); err != nil {
		t.Fatalf("KeyIM is not base64: %v", err)
	} else if string(decoded) != "@alice:example.org:prpl-jabber:bob@remote.org" {
		t.Errorf("KeyIM decodes to %q", decoded)
	}

	group := KeyGroup("prpl-jabber", "dev@muc.example.org")
	if decoded, _ := base64.StdEncoding.DecodeString(group); string(decoded) != "prpl-jabber:dev@muc.example.org" {
		t.Errorf("KeyGroup decodes to %q", decoded)
	}

	if admin := KeyAdmin(owner); admin != "UADMIN-@alice:example.org" {
		t.Errorf("KeyAdmin: got %q", admin)
	}
}

func TestKeysIgnoreSecretsAndDifferByIdentity(t *testing.T) {
	t.Parallel()
	a := KeyGroup("prpl-jabber", "dev@muc.example.org")
	b := KeyGroup("prpl-jabber", "ops@muc.example.org")
	c := KeyGroup("prpl-irc", "dev@muc.example.org")
	if a == b || a == c || b == c {
		t.Error("distinct conversations must produce distinct keys")
	}
}

func TestKeyPlumbedIncludesRoom(t *testing.T) {
	t.Parallel()
	k1 := KeyPlumbed("!one:example.org", "prpl-jabber", "dev@muc.example.org")
	k2 := KeyPlumbed("!two:example.org", "prpl-jabber", "dev@muc.example.org")
	if k1 == k2 {
		t.Error("plumbed keys must differ per Matrix room")
	}
	if k1 == KeyGroup("prpl-jabber", "dev@muc.example.org") {
		t.Error("plumbed keys must not collide with portal keys")
	}
}

func TestRemoteIDForEntryMatchesKeyHelpers(t *testing.T) {
	t.Parallel()
	owner := id.UserID("@alice:example.org")
	tests := []struct {
		name  string
		entry RoomEntry
		want  string
	}{
		{
			name: "dm",
			entry: RoomEntry{
				MXID: "!im:example.org",
				Type: RoomTypeIM,
				Data: RemoteData{DM: &DirectMessageData{MatrixUser: owner, ProtocolID: "prpl-jabber", Recipient: "bob@remote.org"}},
			},
			want: KeyIM(owner, "prpl-jabber", "bob@remote.org"),
		},
		{
			name: "group",
			entry: RoomEntry{
				MXID: "!group:example.org",
				Type: RoomTypeGroup,
				Data: RemoteData{Group: &GroupChatData{ProtocolID: "prpl-jabber", RoomName: "dev@muc.example.org"}},
			},
			want: KeyGroup("prpl-jabber", "dev@muc.example.org"),
		},
		{
			name: "plumbed group",
			entry: RoomEntry{
				MXID: "!plumbed:example.org",
				Type: RoomTypeGroup,
				Data: RemoteData{Group: &GroupChatData{ProtocolID: "prpl-jabber", RoomName: "dev@muc.example.org", Plumbed: true}},
			},
			want: KeyPlumbed("!plumbed:example.org", "prpl-jabber", "dev@muc.example.org"),
		},
		{
			name: "admin",
			entry: RoomEntry{
				MXID: "!admin:example.org",
				Type: RoomTypeAdmin,
				Data: RemoteData{Admin: &AdminRoomData{MatrixUser: owner}},
			},
			want: KeyAdmin(owner),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := RemoteIDForEntry(&tt.entry)
			if err != nil {
				t.Fatalf("RemoteIDForEntry: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateEntryRejectsMismatchedVariant(t *testing.T) {
	t.Parallel()
	entry := &RoomEntry{
		MXID: "!bad:example.org",
		Type: RoomTypeIM,
		Data: RemoteData{Group: &GroupChatData{ProtocolID: "prpl-jabber", RoomName: "dev"}},
	}
	if err := ValidateEntry(entry); err == nil {
		t.Error("IM entry with group data must be rejected")
	}
	entry.Type = "bogus"
	if err := ValidateEntry(entry); err == nil {
		t.Error("unknown room type must be rejected")
	}
}

func TestRemoteDataProtocolID(t *testing.T) {
	t.Parallel()
	var nilData *RemoteData
	if nilData.ProtocolID() != "" {
		t.Error("nil data has no protocol")
	}
	dm := RemoteData{DM: &DirectMessageData{ProtocolID: "prpl-jabber"}}
	if dm.ProtocolID() != "prpl-jabber" {
		t.Errorf("dm: got %q", dm.ProtocolID())
	}
	admin := RemoteData{Admin: &AdminRoomData{MatrixUser: "@alice:example.org"}}
	if admin.ProtocolID() != "" {
		t.Error("admin rooms have no protocol")
	}
}

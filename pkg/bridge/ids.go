// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
)

// RemoteAccountID builds the cross-protocol identity of a remote user or
// account, e.g. "prpl-jabber://alice@example.org".
func RemoteAccountID(protocolID, username string) string {
	return fmt.Sprintf("%s://%s", protocolID, strings.ToLower(username))
}

// shortProtocolName reduces a protocol id to the token used in ghost
// localparts: "prpl-jabber" -> "jabber".
func shortProtocolName(protocolID string) string {
	name := strings.TrimPrefix(protocolID, "prpl-")
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// encodeGhostUsername makes a remote handle safe for a Matrix localpart.
// Allowed characters pass through lowercased; everything else becomes
// =xx hex escapes, with '=' itself escaped first.
func encodeGhostUsername(username string) string {
	var b strings.Builder
	for _, c := range []byte(strings.ToLower(username)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02x", c)
		}
	}
	return b.String()
}

// decodeGhostUsername reverses encodeGhostUsername.
func decodeGhostUsername(encoded string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c != '=' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(encoded) {
			return "", fmt.Errorf("truncated escape in ghost username %q", encoded)
		}
		var decoded byte
		if _, err := fmt.Sscanf(encoded[i+1:i+3], "%02x", &decoded); err != nil {
			return "", fmt.Errorf("bad escape in ghost username %q: %w", encoded, err)
		}
		b.WriteByte(decoded)
		i += 2
	}
	return b.String(), nil
}

// GhostMXID derives the Matrix user id of the ghost representing a
// remote user.
func (br *Bridge) GhostMXID(protocolID, username string) id.UserID {
	localpart := br.Config.Bridge.UserPrefix + shortProtocolName(protocolID) + "_" + encodeGhostUsername(username)
	return id.NewUserID(localpart, br.Config.Homeserver.Domain)
}

// IsGhost reports whether a Matrix user id belongs to this bridge's
// ghost namespace.
func (br *Bridge) IsGhost(userID id.UserID) bool {
	localpart, domain, err := userID.Parse()
	if err != nil || domain != br.Config.Homeserver.Domain {
		return false
	}
	return strings.HasPrefix(localpart, br.Config.Bridge.UserPrefix)
}

// ParseGhostMXID recovers the remote identity encoded in a ghost user
// id. The protocol segment is matched against the backend's protocols.
func (br *Bridge) ParseGhostMXID(userID id.UserID) (username string, protocol bifrost.Protocol, err error) {
	localpart, domain, parseErr := userID.Parse()
	if parseErr != nil {
		return "", bifrost.Protocol{}, parseErr
	}
	if domain != br.Config.Homeserver.Domain || !strings.HasPrefix(localpart, br.Config.Bridge.UserPrefix) {
		return "", bifrost.Protocol{}, fmt.Errorf("%s is not a ghost of this bridge", userID)
	}
	rest := strings.TrimPrefix(localpart, br.Config.Bridge.UserPrefix)
	protoName, encoded, found := strings.Cut(rest, "_")
	if !found {
		return "", bifrost.Protocol{}, fmt.Errorf("ghost localpart %q has no protocol separator", localpart)
	}
	for _, proto := range br.Backend.Protocols() {
		if shortProtocolName(proto.ID) == protoName {
			username, err = decodeGhostUsername(encoded)
			return username, proto, err
		}
	}
	return "", bifrost.Protocol{}, fmt.Errorf("no protocol matches ghost segment %q", protoName)
}

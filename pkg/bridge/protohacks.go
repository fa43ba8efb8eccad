// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"maunium.net/go/mautrix/id"
)

// Well-known protocol ids the bridge has to special-case.
const (
	ProtocolXMPP = "prpl-jabber"
	ProtocolIRC  = "prpl-irc"
)

// AddJoinProps fills in join properties the user should not have to
// supply themselves, like the XMPP MUC handle. The displayname is used
// when available, falling back to the sender's localpart.
func AddJoinProps(protocolID string, props map[string]string, sender id.UserID, displayname string) {
	if props == nil {
		return
	}
	switch protocolID {
	case ProtocolXMPP, ProtocolIRC:
		if props["handle"] != "" {
			return
		}
		if displayname != "" {
			props["handle"] = displayname
			return
		}
		if localpart, _, err := sender.Parse(); err == nil {
			props["handle"] = localpart
		}
	}
}

// RoomNameFromProps derives the canonical remote room name from join
// properties, per protocol.
func RoomNameFromProps(protocolID string, props map[string]string) string {
	switch protocolID {
	case ProtocolXMPP:
		if props["room"] != "" && props["server"] != "" {
			return props["room"] + "@" + props["server"]
		}
		return props["room"]
	case ProtocolIRC:
		return props["channel"]
	default:
		if props["room"] != "" {
			return props["room"]
		}
		return props["channel"]
	}
}

// ChatSenderID is the fingerprint identity of our own participant in a
// group conversation, used to recognize echoed-back messages. XMPP MUCs
// address participants as room/nick.
func ChatSenderID(protocolID, roomName, nick string) string {
	switch protocolID {
	case ProtocolXMPP:
		return roomName + "/" + nick
	default:
		return nick
	}
}

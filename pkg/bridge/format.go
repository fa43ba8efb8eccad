// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// EventToBody flattens a Matrix message event into the plain text body
// sent to the remote network. Remote protocols here have no rich
// formatting of their own, so formatted_body is ignored.
func EventToBody(evt *event.Event) string {
	content := evt.Content.AsMessage()
	if content == nil {
		return ""
	}
	switch content.MsgType {
	case event.MsgEmote:
		return "/me " + content.Body
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		// Send the filename plus a resolvable URL when one exists.
		if content.URL != "" {
			return content.Body + ": " + string(content.URL)
		}
		return content.Body
	default:
		return content.Body
	}
}

// MarkdownNotice renders a markdown body into an m.notice content.
func MarkdownNotice(body string) *event.MessageEventContent {
	content := format.RenderMarkdown(body, true, false)
	content.MsgType = event.MsgNotice
	return &content
}

// TextMessage builds a plain m.text content for inbound remote messages.
func TextMessage(body string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
}

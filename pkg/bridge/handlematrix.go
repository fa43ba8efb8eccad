// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bridge/store"
)

// plumbingPrefix starts every in-room plumbing command.
const plumbingPrefix = "!purple"

const adminGreeting = `Hello! This is the bridge bot for communicating with remote chat networks.
To begin, say ` + "`protocols`" + ` to see a list of protocols.
You can then connect your account to one of these protocols via ` + "`accounts add $PROTOCOL ...opts`" + `.
Say ` + "`help`" + ` for more commands.
`

// HandleMatrixEvent classifies and routes one event from the
// homeserver. Failures are logged and the event dropped: delivery is
// at-most-once and replay must originate upstream.
func (br *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == br.Matrix.BotUserID() {
		return
	}
	// Events may arrive with unparsed content depending on transport.
	_ = evt.Content.ParseRaw(evt.Type)

	log := br.Log.With().
		Str("event_id", evt.ID.String()).
		Str("event_type", evt.Type.String()).
		Str("sender", evt.Sender.String()).
		Str("room_id", evt.RoomID.String()).
		Str("correlation_id", uuid.NewString()).
		Logger()
	ctx = log.WithContext(ctx)

	entry, err := br.Store.GetRoomByMXID(ctx, evt.RoomID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load room entry, dropping event")
		return
	}

	member := memberContent(evt)

	// Any join may be membership machinery resolving a join already in
	// flight; hint the dedup engine so a redundant remote self-join can
	// be skipped.
	if member != nil && member.Membership == event.MembershipJoin {
		br.Dedup.WaitForJoinResolve(evt.RoomID, evt.Sender)
	}

	if entry == nil && member != nil && member.Membership == event.MembershipInvite {
		invitee := id.UserID(evt.GetStateKey())
		switch {
		case invitee == br.Matrix.BotUserID():
			if err := br.handleInviteForBot(ctx, evt); err != nil {
				log.Error().Err(err).Msg("Failed to handle invite for bot")
			}
			return
		case member.IsDirect && br.IsGhost(invitee):
			if err := br.handleDirectInvite(ctx, evt, invitee); err != nil {
				log.Error().Err(err).Msg("Failed to handle direct chat invite")
			}
			return
		}
	}

	if entry == nil && evt.Type == event.EventMessage {
		content := evt.Content.AsMessage()
		if content != nil && content.MsgType == event.MsgText && strings.HasPrefix(content.Body, plumbingPrefix) {
			if br.Config.Provisioning.EnablePlumbing {
				br.handlePlumbingCommand(ctx, evt, strings.Fields(content.Body))
			}
			return
		}
	}

	if entry != nil && entry.Type == store.RoomTypeAdmin {
		br.handleAdminRoomEvent(ctx, entry, evt, member)
		return
	}

	if err = classify(entry); err != nil {
		log.Debug().Err(err).Msg("Dropping event")
		return
	}

	if member != nil && entry.Type == store.RoomTypeGroup {
		if br.IsGhost(evt.Sender) {
			// Remote users' Matrix membership is bridge bookkeeping.
			return
		}
		if member.Membership == event.MembershipJoin || member.Membership == event.MembershipLeave {
			br.handleGroupMembership(ctx, entry, evt, member)
			return
		}
	}

	if evt.StateKey != nil && entry.Type == store.RoomTypeGroup {
		br.handleStateEvent(ctx, entry, evt)
		return
	}

	if evt.Type != event.EventMessage {
		return
	}

	switch entry.Type {
	case store.RoomTypeIM:
		br.handleIMMessage(ctx, entry, evt)
	case store.RoomTypeGroup:
		br.handleGroupMessage(ctx, entry, evt)
	}
}

// classify checks that a room entry can carry protocol traffic. Admin
// rooms are handled before this point; everything else must resolve to
// an entry with a protocol.
func classify(entry *store.RoomEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: room has no entry", ErrClassification)
	}
	if entry.Data.ProtocolID() == "" {
		return fmt.Errorf("%w: entry for %s has no protocol", ErrClassification, entry.MXID)
	}
	return nil
}

// memberContent returns the parsed membership content for m.room.member
// events, or nil for everything else.
func memberContent(evt *event.Event) *event.MemberEventContent {
	if evt.Type != event.StateMember {
		return nil
	}
	return evt.Content.AsMember()
}

// handleInviteForBot bootstraps an admin room, or keeps the bot joined
// as a plumbable candidate when the room is not a 1:1.
func (br *Bridge) handleInviteForBot(ctx context.Context, evt *event.Event) error {
	log := zerolog.Ctx(ctx)
	log.Info().Msg("Got invite for bridge bot")
	bot := br.Matrix.Bot()
	if err := bot.EnsureJoined(ctx, evt.RoomID); err != nil {
		return err
	}
	members, err := br.Matrix.JoinedMembers(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if len(members) > 2 {
		// Stay joined without classifying. The room may be plumbed
		// later, once plumbing is enabled and someone asks.
		log.Info().
			Int("members", len(members)).
			Bool("plumbing_enabled", br.Config.Provisioning.EnablePlumbing).
			Msg("Room is not a 1:1, staying joined as a plumbable candidate")
		return nil
	}
	_, err = br.Store.StoreRoom(ctx, evt.RoomID, store.RoomTypeAdmin, store.KeyAdmin(evt.Sender), store.RemoteData{
		Admin: &store.AdminRoomData{MatrixUser: evt.Sender},
	})
	if err != nil {
		return err
	}
	log.Info().Msg("Created new 1:1 admin room")
	br.sendNotice(ctx, evt.RoomID, adminGreeting)
	return nil
}

// replayFetchLimit bounds how many events are examined when replaying
// messages sent between a direct-chat invite and the ghost's join.
const replayFetchLimit = 50

// handleDirectInvite accepts a direct-chat invite addressed to a ghost,
// persists the DirectMessage room, and replays messages that arrived
// before the ghost joined through the normal IM path.
func (br *Bridge) handleDirectInvite(ctx context.Context, evt *event.Event, invitee id.UserID) error {
	log := zerolog.Ctx(ctx)
	username, proto, err := br.ParseGhostMXID(invitee)
	if err != nil {
		return err
	}
	log.Debug().
		Str("ghost", invitee.String()).
		Str("username", username).
		Str("protocol_id", proto.ID).
		Msg("Got request to open direct chat")

	ghost := br.Matrix.Ghost(invitee)
	if err = ghost.EnsureJoined(ctx, evt.RoomID); err != nil {
		return err
	}
	entry, err := br.Store.StoreRoom(ctx, evt.RoomID, store.RoomTypeIM, store.KeyIM(evt.Sender, proto.ID, username), store.RemoteData{
		DM: &store.DirectMessageData{
			MatrixUser: evt.Sender,
			ProtocolID: proto.ID,
			Recipient:  username,
		},
	})
	if err != nil {
		return err
	}

	// Anything said between the invite and our join was missed; pull it
	// back and push it through the same message path.
	history, err := br.Matrix.MessagesBefore(ctx, evt.RoomID, "", replayFetchLimit)
	if err != nil {
		log.Warn().Err(err).Msg("Could not fetch messages from before the ghost joined")
		return nil
	}
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Type != event.EventMessage || br.IsGhost(msg.Sender) || msg.Sender == br.Matrix.BotUserID() {
			continue
		}
		_ = msg.Content.ParseRaw(msg.Type)
		log.Debug().Str("replayed_event_id", msg.ID.String()).Msg("Replaying message from before join")
		br.handleIMMessage(ctx, entry, msg)
	}
	return nil
}

// handleAdminRoomEvent processes command lines and teardown in a user
// admin room.
func (br *Bridge) handleAdminRoomEvent(ctx context.Context, entry *store.RoomEntry, evt *event.Event, member *event.MemberEventContent) {
	log := zerolog.Ctx(ctx)
	if evt.Type == event.EventMessage {
		content := evt.Content.AsMessage()
		if content == nil || content.MsgType != event.MsgText {
			return
		}
		br.handleCommand(ctx, evt, strings.Fields(strings.TrimSpace(content.Body)))
		return
	}
	owner := entry.Data.Admin
	if member != nil && member.Membership == event.MembershipLeave && owner != nil && id.UserID(evt.GetStateKey()) == owner.MatrixUser {
		if err := br.Store.RemoveRoom(ctx, evt.RoomID); err != nil {
			log.Error().Err(err).Msg("Failed to remove admin room entry")
			return
		}
		if err := br.Matrix.Bot().LeaveRoom(ctx, evt.RoomID); err != nil {
			log.Warn().Err(err).Msg("Failed to leave admin room")
		}
		log.Info().Msg("Left and removed admin room because the user left")
	}
}

// handleIMMessage bridges a Matrix message into a 1:1 remote
// conversation. Fire-and-forget: no acknowledgement is awaited.
func (br *Bridge) handleIMMessage(ctx context.Context, entry *store.RoomEntry, evt *event.Event) {
	log := zerolog.Ctx(ctx)
	dm := entry.Data.DM
	if dm == nil {
		log.Warn().Msg("IM room entry has no direct message data")
		return
	}
	acct, _, err := br.GetAccountForMxid(ctx, evt.Sender, dm.ProtocolID)
	if err != nil {
		log.Error().Err(err).Msg("Could not resolve account for IM, dropping")
		return
	}
	body := EventToBody(evt)
	if body == "" {
		return
	}
	log.Debug().Str("recipient", dm.Recipient).Msg("Sending IM")
	if err = acct.SendIM(ctx, dm.Recipient, body); err != nil {
		log.Error().Err(err).Str("recipient", dm.Recipient).Msg("Failed to send IM")
	}
}

// handleGroupMessage bridges a Matrix message into a remote group
// conversation, joining the sender's account first if needed.
func (br *Bridge) handleGroupMessage(ctx context.Context, entry *store.RoomEntry, evt *event.Event) {
	log := zerolog.Ctx(ctx)
	group := entry.Data.Group
	if group == nil {
		log.Warn().Msg("Group room entry has no group data")
		return
	}
	body := EventToBody(evt)
	if body == "" {
		return
	}

	if group.Gateway {
		if br.Gateway == nil {
			log.Warn().Msg("Room is gateway-flagged but no gateway is configured")
			return
		}
		if err := br.Gateway.SendMessage(ctx, group.RoomName, evt.Sender, body, entry); err != nil {
			log.Error().Err(err).Msg("Gateway rejected message")
		}
		return
	}

	acct, _, err := br.GetAccountForMxid(ctx, evt.Sender, group.ProtocolID)
	if err != nil {
		log.Error().Err(err).Msg("Could not resolve account for group message, dropping")
		return
	}
	if !acct.IsInRoom(group.RoomName) {
		log.Debug().Str("room_name", group.RoomName).Msg("Sender spoke in a room they are not in remotely, joining them")
		props := copyProperties(group.Properties)
		AddJoinProps(group.ProtocolID, props, evt.Sender, br.displayname(ctx, evt.Sender))
		if err = br.Join.JoinOrDefer(ctx, acct, group.RoomName, props); err != nil {
			log.Error().Err(err).Msg("Could not join sender to remote conversation")
			br.sendNotice(ctx, evt.RoomID, "Failed to join remote conversation: "+err.Error())
			return
		}
	}

	nick, ok := acct.NickInRoom(group.RoomName)
	if !ok {
		nick = acct.Name()
	}
	if br.Backend.NeedsDedupe() {
		sender := RemoteAccountID(group.ProtocolID, ChatSenderID(group.ProtocolID, group.RoomName, nick))
		br.Dedup.InsertMessage(group.RoomName, sender, body)
	}
	if err = acct.SendChat(ctx, group.RoomName, body); err != nil {
		log.Error().Err(err).Str("room_name", group.RoomName).Msg("Failed to send group message")
	}
}

// handleGroupMembership mirrors a local user's join or leave into the
// remote conversation.
func (br *Bridge) handleGroupMembership(ctx context.Context, entry *store.RoomEntry, evt *event.Event, member *event.MemberEventContent) {
	log := zerolog.Ctx(ctx)
	group := entry.Data.Group
	if group == nil {
		log.Warn().Msg("Group room entry has no group data")
		return
	}
	log.Info().
		Str("membership", string(member.Membership)).
		Str("room_name", group.RoomName).
		Msg("Handling group membership change")

	if group.Gateway {
		if br.Gateway == nil {
			log.Warn().Msg("Room is gateway-flagged but no gateway is configured")
			return
		}
		displayname := member.Displayname
		if displayname == "" {
			displayname = br.displayname(ctx, evt.Sender)
		}
		err := br.Gateway.SendMembership(ctx, group.RoomName, evt.Sender, displayname, member.Membership, entry)
		if err != nil {
			log.Error().Err(err).Msg("Gateway rejected membership change")
		}
		return
	}

	acct, _, err := br.GetAccountForMxid(ctx, evt.Sender, group.ProtocolID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve account for membership change")
		if member.Membership == event.MembershipJoin {
			// Kick them if we cannot join them.
			kickErr := br.Matrix.Bot().Kick(ctx, evt.RoomID, evt.Sender, "Could not find a compatible remote account.")
			if kickErr != nil {
				log.Warn().Err(kickErr).Msg("Failed to kick unresolvable user")
			}
		}
		return
	}

	props := copyProperties(group.Properties)
	switch member.Membership {
	case event.MembershipJoin:
		if br.Dedup.ConsumeJoinHint(evt.RoomID, evt.Sender) && acct.IsInRoom(group.RoomName) {
			log.Debug().Msg("Join already resolving, skipping remote self-join")
		} else {
			AddJoinProps(group.ProtocolID, props, evt.Sender, br.displayname(ctx, evt.Sender))
			if err = br.Join.JoinOrDefer(ctx, acct, group.RoomName, props); err != nil {
				log.Error().Err(err).Msg("Could not join account to remote conversation")
				br.sendNotice(ctx, evt.RoomID, "Failed to join remote conversation: "+err.Error())
				return
			}
		}
		br.Dedup.ElectChosenOne(group.RoomName, acct.RemoteID())
		br.Dedup.IncrementRoomUsers(group.RoomName)
	case event.MembershipLeave:
		if err = acct.RejectChat(ctx, props); err != nil {
			log.Warn().Err(err).Msg("Failed to leave remote conversation")
		}
		br.Dedup.RemoveChosenOne(group.RoomName, acct.RemoteID())
		br.Dedup.DecrementRoomUsers(group.RoomName)
	}
}

// handleStateEvent forwards state changes of gateway rooms; everything
// else is unsupported.
func (br *Bridge) handleStateEvent(ctx context.Context, entry *store.RoomEntry, evt *event.Event) {
	log := zerolog.Ctx(ctx)
	group := entry.Data.Group
	if group == nil || !group.Gateway {
		log.Debug().Msg("State propagation is only supported for gateway rooms")
		return
	}
	if br.Gateway == nil {
		log.Warn().Msg("Room is gateway-flagged but no gateway is configured")
		return
	}
	if err := br.Gateway.SendStateEvent(ctx, group.RoomName, evt.Sender, evt, entry); err != nil {
		log.Error().Err(err).Msg("Gateway rejected state event")
	}
}

// displayname fetches a user's profile displayname, returning "" on any
// failure.
func (br *Bridge) displayname(ctx context.Context, userID id.UserID) string {
	profile, err := br.Matrix.Profile(ctx, userID)
	if err != nil || profile == nil {
		return ""
	}
	return profile.DisplayName
}

func copyProperties(props map[string]string) map[string]string {
	copied := make(map[string]string, len(props))
	for k, v := range props {
		copied[k] = v
	}
	return copied
}

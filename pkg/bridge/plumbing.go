// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bridge/store"
)

// handlePlumbingCommand connects an existing Matrix room to a remote
// group conversation. Plumbed rooms keep their history and members and
// are exempt from the one-room-per-conversation rule, so the persisted
// key embeds the room ID.
func (br *Bridge) handlePlumbingCommand(ctx context.Context, evt *event.Event, args []string) {
	log := zerolog.Ctx(ctx)
	if len(args) < 2 || args[1] != "bridge" {
		br.sendNotice(ctx, evt.RoomID, "Usage: `!purple bridge $PROTOCOL ...opts`")
		return
	}
	pl, err := br.Matrix.PowerLevels(ctx, evt.RoomID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch power levels for plumbing request")
		br.sendNotice(ctx, evt.RoomID, "Could not verify your power level, refusing to bridge.")
		return
	}
	if pl.GetUserLevel(evt.Sender) < br.Config.Provisioning.RequiredUserPL {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("You need at least power level %d to bridge this room.", br.Config.Provisioning.RequiredUserPL))
		return
	}

	cmdArgs := args[2:]
	if len(cmdArgs) == 0 {
		br.sendNotice(ctx, evt.RoomID, "Usage: `!purple bridge $PROTOCOL ...opts`")
		return
	}
	proto, ok := br.Backend.FindProtocol(cmdArgs[0])
	if !ok {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Protocol %q was not found.", cmdArgs[0]))
		return
	}
	acct, _, err := br.GetAccountForMxid(ctx, evt.Sender, proto.ID)
	if err != nil {
		log.Error().Err(err).Msg("Could not resolve account for plumbing request")
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("You have no usable account on %s.", proto.Name))
		return
	}
	params, help, err := JoinParameters(acct, cmdArgs, "!purple bridge")
	if err != nil {
		br.sendNotice(ctx, evt.RoomID, err.Error())
		return
	}
	if help != "" {
		br.sendNotice(ctx, evt.RoomID, help)
		return
	}
	AddJoinProps(proto.ID, params, evt.Sender, br.displayname(ctx, evt.Sender))

	// Plumbing needs the canonical conversation name, so join
	// synchronously rather than going through the negotiator.
	joinCtx, cancel := context.WithTimeout(ctx, br.Config.Bridge.JoinTimeout())
	conv, err := acct.JoinChat(joinCtx, params)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Plumbing join failed")
		br.sendNotice(ctx, evt.RoomID, "Failed to join the remote conversation: "+err.Error())
		return
	}
	roomName := conv.Conversation
	if roomName == "" {
		roomName = RoomNameFromProps(proto.ID, params)
	}
	acct.SetRoomJoinProperties(roomName, params)

	sanitized := store.SanitizeProperties(params)
	_, err = br.Store.StoreRoom(ctx, evt.RoomID, store.RoomTypeGroup, store.KeyPlumbed(evt.RoomID, proto.ID, roomName), store.RemoteData{
		Group: &store.GroupChatData{
			ProtocolID: proto.ID,
			RoomName:   roomName,
			Properties: sanitized,
			Plumbed:    true,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist plumbed room")
		br.sendNotice(ctx, evt.RoomID, "Failed to save the bridged room: "+err.Error())
		return
	}
	log.Info().
		Str("room_name", roomName).
		Str("protocol_id", proto.ID).
		Msg("Plumbed room into remote conversation")
	br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("This room is now bridged to `%s` on %s.", roomName, proto.Name))

	br.joinExistingMembers(ctx, evt.RoomID, proto.ID, roomName, params)
}

// joinExistingMembers joins every current non-ghost member of a freshly
// plumbed room to the remote conversation, best effort.
func (br *Bridge) joinExistingMembers(ctx context.Context, roomID id.RoomID, protocolID, roomName string, params map[string]string) {
	log := zerolog.Ctx(ctx)
	members, err := br.Matrix.JoinedMembers(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Msg("Could not list members of plumbed room")
		return
	}
	for _, member := range members {
		if member == br.Matrix.BotUserID() || br.IsGhost(member) {
			continue
		}
		acct, _, err := br.GetAccountForMxid(ctx, member, protocolID)
		if err != nil {
			log.Debug().Err(err).Str("member", member.String()).Msg("Skipping member without a usable account")
			continue
		}
		if acct.IsInRoom(roomName) {
			continue
		}
		props := copyProperties(params)
		AddJoinProps(protocolID, props, member, br.displayname(ctx, member))
		if err = br.Join.JoinOrDefer(ctx, acct, roomName, props); err != nil {
			log.Warn().Err(err).Str("member", member.String()).Msg("Failed to join existing member to remote conversation")
		}
	}
}

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
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
	"github.com/aiku/mautrix-bifrost/pkg/bridge/store"
)

// remoteLoop drains the backend event stream until the bridge stops or
// the stream closes.
func (br *Bridge) remoteLoop(ctx context.Context) {
	for {
		select {
		case <-br.stopChan:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-br.Backend.Events():
			if !ok {
				br.Log.Info().Msg("Backend event stream closed")
				return
			}
			br.handleRemoteEvent(ctx, evt)
		}
	}
}

func (br *Bridge) handleRemoteEvent(ctx context.Context, evt bifrost.Event) {
	log := br.Log.With().
		Str("correlation_id", uuid.NewString()).
		Type("remote_event", evt).
		Logger()
	ctx = log.WithContext(ctx)
	switch data := evt.(type) {
	case bifrost.ReceivedIMMessage:
		br.handleRemoteIM(ctx, data)
	case bifrost.ReceivedChatMessage:
		br.handleRemoteChat(ctx, data)
	case bifrost.ChatInvite:
		br.handleRemoteChatInvite(ctx, data)
	case bifrost.AccountSignedOn:
		br.Join.OnAccountSignedOn(ctx, data)
	default:
		log.Trace().Msg("Ignoring unhandled remote event")
	}
}

// ownerForAccount maps a backend account reference back to the Matrix
// user that owns it. More than one match is a directory integrity
// violation and aborts the operation rather than guessing.
func (br *Bridge) ownerForAccount(ctx context.Context, ref bifrost.AccountRef) (id.UserID, error) {
	links, err := br.Store.GetAccountLinksByRemote(ctx, ref.ProtocolID, ref.Username)
	if err != nil {
		return "", err
	}
	switch len(links) {
	case 0:
		return "", fmt.Errorf("no Matrix user owns account %s on %s", ref.Username, ref.ProtocolID)
	case 1:
		return links[0].MXID, nil
	default:
		return "", fmt.Errorf("%w: %d Matrix users own account %s on %s",
			store.ErrIntegrity, len(links), ref.Username, ref.ProtocolID)
	}
}

// handleRemoteIM delivers a direct message into its 1:1 room, creating
// the room on first contact.
func (br *Bridge) handleRemoteIM(ctx context.Context, data bifrost.ReceivedIMMessage) {
	log := zerolog.Ctx(ctx)
	owner, err := br.ownerForAccount(ctx, data.Account)
	if err != nil {
		log.Error().Err(err).Msg("Cannot route inbound IM")
		return
	}
	proto, ok := br.Backend.FindProtocol(data.Account.ProtocolID)
	if !ok {
		log.Warn().Str("protocol_id", data.Account.ProtocolID).Msg("Inbound IM for unknown protocol")
		return
	}
	ghost := br.Matrix.Ghost(br.GhostMXID(proto.ID, data.Sender))
	remoteID := store.KeyIM(owner, proto.ID, data.Sender)
	entry, err := br.findOrCreateRoom(ctx, remoteID, func(ctx context.Context) (*store.RoomEntry, error) {
		roomID, err := ghost.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Visibility: "private",
			Name:       data.Sender,
			IsDirect:   true,
			Invite:     []id.UserID{owner},
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("new_room_id", roomID.String()).Msg("Created direct chat room")
		return br.Store.StoreRoom(ctx, roomID, store.RoomTypeIM, remoteID, store.RemoteData{
			DM: &store.DirectMessageData{
				MatrixUser: owner,
				ProtocolID: proto.ID,
				Recipient:  data.Sender,
			},
		})
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to find or create direct chat room")
		return
	}
	br.profiles.Update(ctx, ghost, data.Sender)
	if _, err = ghost.SendMessage(ctx, entry.MXID, TextMessage(data.Message)); err != nil {
		log.Error().Err(err).Msg("Failed to deliver inbound IM")
	}
}

// handleRemoteChat delivers a group message. Backends that echo sent
// messages back are de-echoed through the fingerprint store, and rooms
// with several local members only relay through the chosen account.
func (br *Bridge) handleRemoteChat(ctx context.Context, data bifrost.ReceivedChatMessage) {
	log := zerolog.Ctx(ctx)
	proto, ok := br.Backend.FindProtocol(data.Account.ProtocolID)
	if !ok {
		log.Warn().Str("protocol_id", data.Account.ProtocolID).Msg("Inbound chat message for unknown protocol")
		return
	}
	if br.Backend.NeedsDedupe() {
		sender := RemoteAccountID(proto.ID, data.Sender)
		if br.Dedup.CheckAndRemove(data.Conversation, sender, data.Message) {
			log.Debug().Str("conversation", data.Conversation).Msg("Suppressed echoed own message")
			return
		}
	}
	// Each joined local account receives its own copy; only the chosen
	// account's copy reaches Matrix.
	accountID := RemoteAccountID(proto.ID, data.Account.Username)
	if chosen := br.Dedup.ElectChosenOne(data.Conversation, accountID); chosen != accountID {
		log.Trace().
			Str("conversation", data.Conversation).
			Str("chosen", chosen).
			Msg("Dropping duplicate copy from non-chosen account")
		return
	}

	ghost := br.Matrix.Ghost(br.GhostMXID(proto.ID, chatSenderNick(proto.ID, data.Sender)))
	remoteID := store.KeyGroup(proto.ID, data.Conversation)
	entry, err := br.findOrCreateRoom(ctx, remoteID, func(ctx context.Context) (*store.RoomEntry, error) {
		roomID, err := ghost.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Visibility: "private",
			Name:       data.Conversation,
		})
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("new_room_id", roomID.String()).
			Str("conversation", data.Conversation).
			Msg("Created group chat room")
		return br.Store.StoreRoom(ctx, roomID, store.RoomTypeGroup, remoteID, store.RemoteData{
			Group: &store.GroupChatData{
				ProtocolID: proto.ID,
				RoomName:   data.Conversation,
			},
		})
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to find or create group chat room")
		return
	}
	br.profiles.Update(ctx, ghost, chatSenderNick(proto.ID, data.Sender))
	if _, err = ghost.SendMessage(ctx, entry.MXID, TextMessage(data.Message)); err != nil {
		log.Error().Err(err).Msg("Failed to deliver inbound group message")
	}
}

// chatSenderNick extracts the bare nick from a protocol-qualified group
// sender, e.g. "room@server/nick" on XMPP.
func chatSenderNick(protocolID, sender string) string {
	if protocolID == ProtocolXMPP {
		if _, nick, found := strings.Cut(sender, "/"); found {
			return nick
		}
	}
	return sender
}

// handleRemoteChatInvite surfaces a remote group invite as a Matrix
// room the invited account's owner is invited into.
func (br *Bridge) handleRemoteChatInvite(ctx context.Context, data bifrost.ChatInvite) {
	log := zerolog.Ctx(ctx)
	owner, err := br.ownerForAccount(ctx, data.Account)
	if err != nil {
		log.Error().Err(err).Msg("Cannot route chat invite")
		return
	}
	proto, ok := br.Backend.FindProtocol(data.Account.ProtocolID)
	if !ok {
		log.Warn().Str("protocol_id", data.Account.ProtocolID).Msg("Chat invite for unknown protocol")
		return
	}
	roomName := data.RoomName
	if roomName == "" {
		roomName = RoomNameFromProps(proto.ID, data.JoinProperties)
	}
	if roomName == "" {
		log.Warn().Msg("Chat invite carries no resolvable room name, dropping")
		return
	}
	ghost := br.Matrix.Ghost(br.GhostMXID(proto.ID, chatSenderNick(proto.ID, data.Sender)))
	remoteID := store.KeyGroup(proto.ID, roomName)
	entry, err := br.findOrCreateRoom(ctx, remoteID, func(ctx context.Context) (*store.RoomEntry, error) {
		roomID, err := ghost.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Visibility: "private",
			Name:       roomName,
			Invite:     []id.UserID{owner},
		})
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("new_room_id", roomID.String()).
			Str("conversation", roomName).
			Msg("Created room for remote chat invite")
		return br.Store.StoreRoom(ctx, roomID, store.RoomTypeGroup, remoteID, store.RemoteData{
			Group: &store.GroupChatData{
				ProtocolID: proto.ID,
				RoomName:   roomName,
				Properties: store.SanitizeProperties(data.JoinProperties),
			},
		})
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to find or create room for chat invite")
		return
	}
	if err = br.Matrix.Bot().InviteUser(ctx, entry.MXID, owner); err != nil {
		log.Debug().Err(err).Msg("Could not invite owner to existing invite room")
	}
	if data.Message != "" {
		if _, err = ghost.SendMessage(ctx, entry.MXID, TextMessage(data.Message)); err != nil {
			log.Warn().Err(err).Msg("Failed to deliver invite message")
		}
	}
}

// findOrCreateRoom resolves the room for a canonical remote key,
// creating it if absent. Concurrent calls for the same key collapse
// into one creation; the database uniqueness constraint backstops the
// race across processes.
func (br *Bridge) findOrCreateRoom(ctx context.Context, remoteID string, create func(ctx context.Context) (*store.RoomEntry, error)) (*store.RoomEntry, error) {
	result, err, _ := br.roomCreate.Do(remoteID, func() (any, error) {
		entry, err := br.Store.GetRoomByRemoteID(ctx, remoteID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		return create(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.RoomEntry), nil
}

// HandleUserQuery tells the homeserver whether a queried user is one of
// our ghosts. Registration happens lazily on first intent use.
func (br *Bridge) HandleUserQuery(ctx context.Context, userID id.UserID) bool {
	_, _, err := br.ParseGhostMXID(userID)
	return err == nil
}

// HandleAliasQuery materializes a portal room for an alias matching a
// configured pattern. Returns whether the alias now exists.
func (br *Bridge) HandleAliasQuery(ctx context.Context, alias string) bool {
	log := br.Log.With().
		Str("alias", alias).
		Str("correlation_id", uuid.NewString()).
		Logger()
	ctx = log.WithContext(ctx)

	localpart := strings.TrimPrefix(alias, "#")
	if localpart, _, _ = strings.Cut(localpart, ":"); localpart == "" {
		return false
	}
	match, ok := br.Aliases.Resolve(localpart)
	if !ok {
		return false
	}
	roomName := RoomNameFromProps(match.Protocol.ID, match.Properties)
	if roomName == "" {
		log.Warn().Msg("Alias matched a portal but the properties yield no room name")
		return false
	}
	br.Aliases.RegisterPending(alias, *match)
	remoteID := store.KeyGroup(match.Protocol.ID, roomName)
	_, err := br.findOrCreateRoom(ctx, remoteID, func(ctx context.Context) (*store.RoomEntry, error) {
		pending, ok := br.Aliases.ConsumePending(alias)
		if !ok {
			return nil, fmt.Errorf("alias request for %s expired before creation", alias)
		}
		roomID, err := br.Matrix.Bot().CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Visibility:    "public",
			RoomAliasName: localpart,
			Name:          roomName,
		})
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("new_room_id", roomID.String()).
			Str("conversation", roomName).
			Msg("Created portal room from alias query")
		return br.Store.StoreRoom(ctx, roomID, store.RoomTypeGroup, remoteID, store.RemoteData{
			Group: &store.GroupChatData{
				ProtocolID: match.Protocol.ID,
				RoomName:   roomName,
				Properties: store.SanitizeProperties(pending.Properties),
			},
		})
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to materialize portal room for alias")
		return false
	}
	return true
}

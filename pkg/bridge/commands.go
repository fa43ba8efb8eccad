// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
	"github.com/aiku/mautrix-bifrost/pkg/bridge/store"
)

const commandHelp = `Commands:

- ` + "`protocols`" + ` List available protocols
- ` + "`protocol $PROTOCOL`" + ` Show details about a protocol
- ` + "`accounts`" + ` List registered accounts
- ` + "`accounts add $PROTOCOL $USERNAME $PASSWORD`" + ` Create a new account on a remote network
- ` + "`accounts add-existing $PROTOCOL $USERNAME`" + ` Link an already provisioned account
- ` + "`accounts enable|disable $PROTOCOL $USERNAME`" + ` Toggle an account
- ` + "`join $PROTOCOL ...opts`" + ` Join a group conversation
- ` + "`help`" + ` This help text
`

// handleCommand executes one admin room command line. Unknown verbs are
// ignored silently so that casual chat in the room does not produce
// error spam.
func (br *Bridge) handleCommand(ctx context.Context, evt *event.Event, args []string) {
	if len(args) == 0 {
		return
	}
	log := zerolog.Ctx(ctx)
	log.Debug().Str("command", args[0]).Msg("Handling admin room command")
	switch args[0] {
	case "protocols":
		br.cmdProtocols(ctx, evt)
	case "protocol":
		br.cmdProtocol(ctx, evt, args)
	case "accounts":
		br.cmdAccounts(ctx, evt, args)
	case "join":
		br.cmdJoin(ctx, evt, args)
	case "help":
		br.sendNotice(ctx, evt.RoomID, commandHelp)
	default:
		log.Debug().Str("command", args[0]).Msg("Ignoring unknown command")
	}
}

func (br *Bridge) cmdProtocols(ctx context.Context, evt *event.Event) {
	protocols := br.Backend.Protocols()
	if len(protocols) == 0 {
		br.sendNotice(ctx, evt.RoomID, "The backend supports no protocols.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Available protocols:\n\n")
	for _, proto := range protocols {
		fmt.Fprintf(&sb, "- `%s` %s - %s\n", proto.ID, proto.Name, proto.Summary)
	}
	br.sendNotice(ctx, evt.RoomID, sb.String())
}

func (br *Bridge) cmdProtocol(ctx context.Context, evt *event.Event, args []string) {
	if len(args) < 2 {
		br.sendNotice(ctx, evt.RoomID, "Usage: `protocol $PROTOCOL`")
		return
	}
	proto, ok := br.Backend.FindProtocol(args[1])
	if !ok {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Protocol %q was not found.", args[1]))
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s** (`%s`)\n\n%s\n\n", proto.Name, proto.ID, proto.Summary)
	fmt.Fprintf(&sb, "- Can register new accounts: %t\n", proto.CanCreateNew)
	fmt.Fprintf(&sb, "- Can link existing accounts: %t\n", proto.CanAddExisting)
	br.sendNotice(ctx, evt.RoomID, sb.String())
}

func (br *Bridge) cmdAccounts(ctx context.Context, evt *event.Event, args []string) {
	if len(args) == 1 {
		br.cmdAccountList(ctx, evt)
		return
	}
	switch args[1] {
	case "add":
		br.cmdAccountAdd(ctx, evt, args[2:])
	case "add-existing":
		br.cmdAccountAddExisting(ctx, evt, args[2:])
	case "enable":
		br.cmdAccountToggle(ctx, evt, args[2:], true)
	case "disable":
		br.cmdAccountToggle(ctx, evt, args[2:], false)
	default:
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Unknown `accounts` subcommand %q. Say `help` for usage.", args[1]))
	}
}

func (br *Bridge) cmdAccountList(ctx context.Context, evt *event.Event) {
	log := zerolog.Ctx(ctx)
	var sb strings.Builder
	found := 0
	for _, proto := range br.Backend.Protocols() {
		links, err := br.Store.GetAccountLinks(ctx, evt.Sender, proto.ID)
		if err != nil {
			log.Error().Err(err).Str("protocol_id", proto.ID).Msg("Failed to list account links")
			continue
		}
		for _, link := range links {
			status := "offline"
			if acct, err := br.Backend.GetAccount(link.Username, link.ProtocolID, evt.Sender.String()); err == nil && acct.Connected() {
				status = "connected"
			}
			enabled := "disabled"
			if link.Enabled {
				enabled = "enabled"
			}
			fmt.Fprintf(&sb, "- `%s` (%s) [%s, %s]\n", link.Username, proto.Name, enabled, status)
			found++
		}
	}
	if found == 0 {
		br.sendNotice(ctx, evt.RoomID, "You have no accounts. Add one with `accounts add $PROTOCOL ...opts`.")
		return
	}
	br.sendNotice(ctx, evt.RoomID, "Your accounts:\n\n"+sb.String())
}

func (br *Bridge) cmdAccountAdd(ctx context.Context, evt *event.Event, args []string) {
	log := zerolog.Ctx(ctx)
	if len(args) < 3 {
		br.sendNotice(ctx, evt.RoomID, "Usage: `accounts add $PROTOCOL $USERNAME $PASSWORD`")
		return
	}
	proto, ok := br.Backend.FindProtocol(args[0])
	if !ok {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Protocol %q was not found.", args[0]))
		return
	}
	if !proto.CanCreateNew {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Protocol %s does not support creating new accounts. Try `accounts add-existing`.", proto.Name))
		return
	}
	username := args[1]
	acct, err := br.Backend.CreateAccount(username, proto)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create account")
		br.sendNotice(ctx, evt.RoomID, "Failed to create account: "+err.Error())
		return
	}
	if err = acct.CreateNew(ctx, args[2]); err != nil {
		log.Error().Err(err).Msg("Failed to register account on the remote network")
		br.sendNotice(ctx, evt.RoomID, "Failed to register account: "+err.Error())
		return
	}
	err = br.Store.StoreAccountLink(ctx, &store.AccountLink{
		MXID:       evt.Sender,
		ProtocolID: proto.ID,
		Username:   username,
		Enabled:    true,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to store account link")
		br.sendNotice(ctx, evt.RoomID, "Failed to save account: "+err.Error())
		return
	}
	br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Created new account `%s` on %s.", username, proto.Name))
}

func (br *Bridge) cmdAccountAddExisting(ctx context.Context, evt *event.Event, args []string) {
	log := zerolog.Ctx(ctx)
	if len(args) < 2 {
		br.sendNotice(ctx, evt.RoomID, "Usage: `accounts add-existing $PROTOCOL $USERNAME`")
		return
	}
	proto, ok := br.Backend.FindProtocol(args[0])
	if !ok {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Protocol %q was not found.", args[0]))
		return
	}
	if !proto.CanAddExisting {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Protocol %s does not support linking existing accounts.", proto.Name))
		return
	}
	username := args[1]
	if _, err := br.Backend.GetAccount(username, proto.ID, evt.Sender.String()); err != nil {
		if !errors.Is(err, bifrost.ErrAccountNotFound) {
			log.Error().Err(err).Msg("Failed to look up existing account")
			br.sendNotice(ctx, evt.RoomID, "Failed to look up account: "+err.Error())
			return
		}
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("The backend knows no account `%s` on %s.", username, proto.Name))
		return
	}
	err := br.Store.StoreAccountLink(ctx, &store.AccountLink{
		MXID:       evt.Sender,
		ProtocolID: proto.ID,
		Username:   username,
		Enabled:    true,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to store account link")
		br.sendNotice(ctx, evt.RoomID, "Failed to save account: "+err.Error())
		return
	}
	br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Linked existing account `%s` on %s.", username, proto.Name))
}

func (br *Bridge) cmdAccountToggle(ctx context.Context, evt *event.Event, args []string, enabled bool) {
	log := zerolog.Ctx(ctx)
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	if len(args) < 2 {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Usage: `accounts %s $PROTOCOL $USERNAME`", verb))
		return
	}
	proto, ok := br.Backend.FindProtocol(args[0])
	if !ok {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Protocol %q was not found.", args[0]))
		return
	}
	acct, err := br.Backend.GetAccount(args[1], proto.ID, evt.Sender.String())
	if err != nil {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Account `%s` was not found on %s.", args[1], proto.Name))
		return
	}
	if err = acct.SetEnabled(ctx, enabled); err != nil {
		log.Error().Err(err).Msg("Failed to toggle account")
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Failed to %s account: %s", verb, err.Error()))
		return
	}
	err = br.Store.StoreAccountLink(ctx, &store.AccountLink{
		MXID:       evt.Sender,
		ProtocolID: proto.ID,
		Username:   args[1],
		Enabled:    enabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to update account link")
	}
	br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Account `%s` is now %sd.", args[1], verb))
}

// cmdJoin joins the sender's account to a group conversation. The room
// on the Matrix side appears once the backend reports the conversation.
func (br *Bridge) cmdJoin(ctx context.Context, evt *event.Event, args []string) {
	log := zerolog.Ctx(ctx)
	if len(args) < 2 {
		br.sendNotice(ctx, evt.RoomID, "Usage: `join $PROTOCOL ...opts`")
		return
	}
	proto, ok := br.Backend.FindProtocol(args[1])
	if !ok {
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("Protocol %q was not found.", args[1]))
		return
	}
	acct, _, err := br.GetAccountForMxid(ctx, evt.Sender, proto.ID)
	if err != nil {
		log.Error().Err(err).Msg("Could not resolve account for join command")
		br.sendNotice(ctx, evt.RoomID, fmt.Sprintf("You have no usable account on %s. Add one with `accounts add`.", proto.Name))
		return
	}
	params, help, err := JoinParameters(acct, args[1:], "join")
	if err != nil {
		br.sendNotice(ctx, evt.RoomID, err.Error())
		return
	}
	if help != "" {
		br.sendNotice(ctx, evt.RoomID, help)
		return
	}
	AddJoinProps(proto.ID, params, evt.Sender, br.displayname(ctx, evt.Sender))
	roomName := RoomNameFromProps(proto.ID, params)
	if err = br.Join.JoinOrDefer(ctx, acct, roomName, params); err != nil {
		log.Error().Err(err).Str("room_name", roomName).Msg("Join command failed")
		br.sendNotice(ctx, evt.RoomID, "Failed to join: "+err.Error())
		return
	}
	log.Info().Str("room_name", roomName).Msg("Joined remote conversation via admin command")
}

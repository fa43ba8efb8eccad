// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Intent performs Matrix operations as one specific user, either the
// bridge bot or a ghost.
type Intent interface {
	UserID() id.UserID
	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	SetDisplayName(ctx context.Context, name string) error
}

// MatrixAPI is the chat-transport capability the bridge components are
// injected with. Tests substitute an in-memory fake; production wraps
// the appservice intent machinery.
type MatrixAPI interface {
	BotUserID() id.UserID
	Bot() Intent
	Ghost(userID id.UserID) Intent

	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error)
	// MessagesBefore fetches up to limit message events that happened
	// before the given pagination token, newest first.
	MessagesBefore(ctx context.Context, roomID id.RoomID, token string, limit int) ([]*event.Event, error)
	Profile(ctx context.Context, userID id.UserID) (*mautrix.RespUserProfile, error)
}

// AppServiceMatrix adapts a mautrix appservice to MatrixAPI.
type AppServiceMatrix struct {
	as *appservice.AppService
}

var _ MatrixAPI = (*AppServiceMatrix)(nil)

func NewAppServiceMatrix(as *appservice.AppService) *AppServiceMatrix {
	return &AppServiceMatrix{as: as}
}

func (m *AppServiceMatrix) BotUserID() id.UserID {
	return m.as.BotMXID()
}

func (m *AppServiceMatrix) Bot() Intent {
	return &asIntent{intent: m.as.BotIntent()}
}

func (m *AppServiceMatrix) Ghost(userID id.UserID) Intent {
	return &asIntent{intent: m.as.Intent(userID)}
}

func (m *AppServiceMatrix) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := m.as.BotIntent().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (m *AppServiceMatrix) PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	var pl event.PowerLevelsEventContent
	err := m.as.BotIntent().StateEvent(ctx, roomID, event.StatePowerLevels, "", &pl)
	if err != nil {
		return nil, err
	}
	return &pl, nil
}

func (m *AppServiceMatrix) MessagesBefore(ctx context.Context, roomID id.RoomID, token string, limit int) ([]*event.Event, error) {
	resp, err := m.as.BotIntent().Messages(ctx, roomID, token, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, err
	}
	return resp.Chunk, nil
}

func (m *AppServiceMatrix) Profile(ctx context.Context, userID id.UserID) (*mautrix.RespUserProfile, error) {
	return m.as.BotIntent().GetProfile(ctx, userID)
}

// asIntent wraps an appservice intent behind the narrow Intent surface.
type asIntent struct {
	intent *appservice.IntentAPI
}

var _ Intent = (*asIntent)(nil)

func (i *asIntent) UserID() id.UserID {
	return i.intent.UserID
}

func (i *asIntent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	return i.intent.EnsureJoined(ctx, roomID)
}

func (i *asIntent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := i.intent.LeaveRoom(ctx, roomID)
	return err
}

func (i *asIntent) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *asIntent) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := i.intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (i *asIntent) Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := i.intent.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	return err
}

func (i *asIntent) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := i.intent.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (i *asIntent) SetDisplayName(ctx context.Context, name string) error {
	return i.intent.SetDisplayName(ctx, name)
}

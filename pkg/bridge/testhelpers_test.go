// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
	"github.com/aiku/mautrix-bifrost/pkg/bridge/store"
)

const testDomain = "example.org"

var testProtoXMPP = bifrost.Protocol{
	ID:             ProtocolXMPP,
	Name:           "XMPP",
	Summary:        "Jabber/XMPP",
	CanCreateNew:   true,
	CanAddExisting: true,
}

// sentMessage records one intent-level message send.
type sentMessage struct {
	RoomID  id.RoomID
	Content *event.MessageEventContent
}

// fakeIntent records Matrix operations performed as one user.
type fakeIntent struct {
	userID id.UserID
	matrix *fakeMatrix

	mu          sync.Mutex
	joined      []id.RoomID
	left        []id.RoomID
	messages    []sentMessage
	invites     map[id.RoomID][]id.UserID
	kicks       map[id.RoomID][]id.UserID
	created     []*mautrix.ReqCreateRoom
	displayname string
}

func newFakeIntent(userID id.UserID, matrix *fakeMatrix) *fakeIntent {
	return &fakeIntent{
		userID:  userID,
		matrix:  matrix,
		invites: make(map[id.RoomID][]id.UserID),
		kicks:   make(map[id.RoomID][]id.UserID),
	}
}

func (fi *fakeIntent) UserID() id.UserID {
	return fi.userID
}

func (fi *fakeIntent) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.joined = append(fi.joined, roomID)
	return nil
}

func (fi *fakeIntent) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.left = append(fi.left, roomID)
	return nil
}

func (fi *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.messages = append(fi.messages, sentMessage{RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$fake-%d", len(fi.messages))), nil
}

func (fi *fakeIntent) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.invites[roomID] = append(fi.invites[roomID], userID)
	return nil
}

func (fi *fakeIntent) Kick(_ context.Context, roomID id.RoomID, userID id.UserID, _ string) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.kicks[roomID] = append(fi.kicks[roomID], userID)
	return nil
}

func (fi *fakeIntent) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	fi.mu.Lock()
	fi.created = append(fi.created, req)
	fi.mu.Unlock()
	return fi.matrix.nextRoomID(), nil
}

func (fi *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.displayname = name
	return nil
}

func (fi *fakeIntent) Messages() []sentMessage {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	cp := make([]sentMessage, len(fi.messages))
	copy(cp, fi.messages)
	return cp
}

func (fi *fakeIntent) Notices() []string {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	var bodies []string
	for _, msg := range fi.messages {
		if msg.Content.MsgType == event.MsgNotice {
			bodies = append(bodies, msg.Content.Body)
		}
	}
	return bodies
}

// fakeMatrix is an in-memory MatrixAPI with per-user recording intents.
type fakeMatrix struct {
	botID id.UserID

	mu       sync.Mutex
	bot      *fakeIntent
	ghosts   map[id.UserID]*fakeIntent
	members  map[id.RoomID][]id.UserID
	levels   map[id.RoomID]*event.PowerLevelsEventContent
	history  map[id.RoomID][]*event.Event
	profiles map[id.UserID]string
	roomSeq  int
}

func newFakeMatrix() *fakeMatrix {
	fm := &fakeMatrix{
		botID:    id.NewUserID("_bifrost_bot", testDomain),
		ghosts:   make(map[id.UserID]*fakeIntent),
		members:  make(map[id.RoomID][]id.UserID),
		levels:   make(map[id.RoomID]*event.PowerLevelsEventContent),
		history:  make(map[id.RoomID][]*event.Event),
		profiles: make(map[id.UserID]string),
	}
	fm.bot = newFakeIntent(fm.botID, fm)
	return fm
}

func (fm *fakeMatrix) nextRoomID() id.RoomID {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.roomSeq++
	return id.RoomID(fmt.Sprintf("!created-%d:%s", fm.roomSeq, testDomain))
}

func (fm *fakeMatrix) BotUserID() id.UserID {
	return fm.botID
}

func (fm *fakeMatrix) Bot() Intent {
	return fm.bot
}

func (fm *fakeMatrix) Ghost(userID id.UserID) Intent {
	return fm.ghost(userID)
}

func (fm *fakeMatrix) ghost(userID id.UserID) *fakeIntent {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fi, ok := fm.ghosts[userID]
	if !ok {
		fi = newFakeIntent(userID, fm)
		fm.ghosts[userID] = fi
	}
	return fi
}

func (fm *fakeMatrix) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.members[roomID], nil
}

func (fm *fakeMatrix) PowerLevels(_ context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	pl, ok := fm.levels[roomID]
	if !ok {
		return &event.PowerLevelsEventContent{}, nil
	}
	return pl, nil
}

func (fm *fakeMatrix) MessagesBefore(_ context.Context, roomID id.RoomID, _ string, limit int) ([]*event.Event, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	events := fm.history[roomID]
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (fm *fakeMatrix) Profile(_ context.Context, userID id.UserID) (*mautrix.RespUserProfile, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	name, ok := fm.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("no profile for %s", userID)
	}
	return &mautrix.RespUserProfile{DisplayName: name}, nil
}

// memStore is an in-memory Store with the same lookup semantics as the
// SQL implementation.
type memStore struct {
	mu    sync.Mutex
	rooms map[id.RoomID]*store.RoomEntry
	links []*store.AccountLink
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[id.RoomID]*store.RoomEntry)}
}

func (ms *memStore) GetRoomByMXID(_ context.Context, mxid id.RoomID) (*store.RoomEntry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.rooms[mxid], nil
}

func (ms *memStore) GetRoomByRemoteID(_ context.Context, remoteID string) (*store.RoomEntry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var found *store.RoomEntry
	for _, entry := range ms.rooms {
		if entry.RemoteID == remoteID {
			if found != nil {
				return nil, fmt.Errorf("%w: remote id %s maps to multiple rooms", store.ErrIntegrity, remoteID)
			}
			found = entry
		}
	}
	return found, nil
}

func (ms *memStore) StoreRoom(_ context.Context, mxid id.RoomID, typ store.RoomType, remoteID string, data store.RemoteData) (*store.RoomEntry, error) {
	entry := &store.RoomEntry{MXID: mxid, Type: typ, RemoteID: remoteID, Data: data}
	if err := store.ValidateEntry(entry); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for other, existing := range ms.rooms {
		if existing.RemoteID == remoteID && other != mxid {
			return nil, fmt.Errorf("remote id %s already taken by %s", remoteID, other)
		}
	}
	ms.rooms[mxid] = entry
	return entry, nil
}

func (ms *memStore) RemoveRoom(_ context.Context, mxid id.RoomID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.rooms, mxid)
	return nil
}

func (ms *memStore) GetAccountLinks(_ context.Context, userID id.UserID, protocolID string) ([]*store.AccountLink, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*store.AccountLink
	for _, link := range ms.links {
		if link.MXID == userID && link.ProtocolID == protocolID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (ms *memStore) GetAccountLinksByRemote(_ context.Context, protocolID, username string) ([]*store.AccountLink, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*store.AccountLink
	for _, link := range ms.links {
		if link.ProtocolID == protocolID && link.Username == username {
			out = append(out, link)
		}
	}
	return out, nil
}

func (ms *memStore) StoreAccountLink(_ context.Context, link *store.AccountLink) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, existing := range ms.links {
		if existing.MXID == link.MXID && existing.ProtocolID == link.ProtocolID && existing.Username == link.Username {
			ms.links[i] = link
			return nil
		}
	}
	ms.links = append(ms.links, link)
	return nil
}

func (ms *memStore) roomCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.rooms)
}

// fakeAccount is a scriptable backend account.
type fakeAccount struct {
	name      string
	proto     bifrost.Protocol
	connected bool
	enabled   bool

	params   []bifrost.ChatParameter
	joinErr  error
	joinConv string

	mu        sync.Mutex
	ims       []string
	chats     []string
	joins     []map[string]string
	rejects   []map[string]string
	inRooms   map[string]bool
	nicks     map[string]string
	roomProps map[string]map[string]string
}

func newFakeAccount(name string, proto bifrost.Protocol) *fakeAccount {
	return &fakeAccount{
		name:      name,
		proto:     proto,
		connected: true,
		enabled:   true,
		inRooms:   make(map[string]bool),
		nicks:     make(map[string]string),
		roomProps: make(map[string]map[string]string),
	}
}

func (fa *fakeAccount) Name() string               { return fa.name }
func (fa *fakeAccount) Protocol() bifrost.Protocol { return fa.proto }
func (fa *fakeAccount) RemoteID() string           { return RemoteAccountID(fa.proto.ID, fa.name) }
func (fa *fakeAccount) Connected() bool            { return fa.connected }
func (fa *fakeAccount) IsEnabled() bool            { return fa.enabled }

func (fa *fakeAccount) SetEnabled(_ context.Context, enabled bool) error {
	fa.enabled = enabled
	return nil
}

func (fa *fakeAccount) SendIM(_ context.Context, recipient, body string) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.ims = append(fa.ims, recipient+": "+body)
	return nil
}

func (fa *fakeAccount) SendChat(_ context.Context, roomName, body string) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.chats = append(fa.chats, roomName+": "+body)
	return nil
}

func (fa *fakeAccount) JoinChat(_ context.Context, properties map[string]string) (*bifrost.ConversationEvent, error) {
	if fa.joinErr != nil {
		return nil, fa.joinErr
	}
	conv := fa.joinConv
	if conv == "" {
		conv = RoomNameFromProps(fa.proto.ID, properties)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.joins = append(fa.joins, properties)
	fa.inRooms[conv] = true
	return &bifrost.ConversationEvent{
		Account:      bifrost.AccountRef{Username: fa.name, ProtocolID: fa.proto.ID},
		Conversation: conv,
	}, nil
}

func (fa *fakeAccount) RejectChat(_ context.Context, properties map[string]string) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.rejects = append(fa.rejects, properties)
	delete(fa.inRooms, RoomNameFromProps(fa.proto.ID, properties))
	return nil
}

func (fa *fakeAccount) IsInRoom(roomName string) bool {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.inRooms[roomName]
}

func (fa *fakeAccount) NickInRoom(roomName string) (string, bool) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	nick, ok := fa.nicks[roomName]
	return nick, ok
}

func (fa *fakeAccount) SetRoomJoinProperties(roomName string, properties map[string]string) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.roomProps[roomName] = properties
}

func (fa *fakeAccount) ChatParameters() []bifrost.ChatParameter {
	return fa.params
}

func (fa *fakeAccount) CreateNew(context.Context, string) error {
	return nil
}

func (fa *fakeAccount) Joins() []map[string]string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	cp := make([]map[string]string, len(fa.joins))
	copy(cp, fa.joins)
	return cp
}

func (fa *fakeAccount) Chats() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	cp := make([]string, len(fa.chats))
	copy(cp, fa.chats)
	return cp
}

func (fa *fakeAccount) IMs() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	cp := make([]string, len(fa.ims))
	copy(cp, fa.ims)
	return cp
}

// fakeInstance is an in-memory backend with pre-seeded accounts.
type fakeInstance struct {
	protocols   []bifrost.Protocol
	needsDedupe bool
	events      chan bifrost.Event

	mu       sync.Mutex
	accounts map[string]bifrost.Account
	created  []string
}

func newFakeInstance(protocols ...bifrost.Protocol) *fakeInstance {
	if len(protocols) == 0 {
		protocols = []bifrost.Protocol{testProtoXMPP}
	}
	return &fakeInstance{
		protocols: protocols,
		events:    make(chan bifrost.Event, 16),
		accounts:  make(map[string]bifrost.Account),
	}
}

func accountKey(username, protocolID string) string {
	return protocolID + "/" + username
}

func (fb *fakeInstance) addAccount(acct *fakeAccount) *fakeAccount {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.accounts[accountKey(acct.name, acct.proto.ID)] = acct
	return acct
}

func (fb *fakeInstance) Start(context.Context) error { return nil }
func (fb *fakeInstance) Stop()                       { close(fb.events) }

func (fb *fakeInstance) Events() <-chan bifrost.Event {
	return fb.events
}

func (fb *fakeInstance) GetAccount(username, protocolID, _ string) (bifrost.Account, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	acct, ok := fb.accounts[accountKey(username, protocolID)]
	if !ok {
		return nil, bifrost.ErrAccountNotFound
	}
	return acct, nil
}

func (fb *fakeInstance) CreateAccount(username string, protocol bifrost.Protocol) (bifrost.Account, error) {
	fb.mu.Lock()
	fb.created = append(fb.created, accountKey(username, protocol.ID))
	fb.mu.Unlock()
	acct := newFakeAccount(username, protocol)
	fb.addAccount(acct)
	return acct, nil
}

func (fb *fakeInstance) FindProtocol(nameOrID string) (bifrost.Protocol, bool) {
	for _, proto := range fb.protocols {
		if proto.ID == nameOrID || strings.EqualFold(proto.Name, nameOrID) || shortProtocolName(proto.ID) == nameOrID {
			return proto, true
		}
	}
	return bifrost.Protocol{}, false
}

func (fb *fakeInstance) Protocols() []bifrost.Protocol {
	return fb.protocols
}

func (fb *fakeInstance) NeedsDedupe() bool {
	return fb.needsDedupe
}

// testBridge bundles a bridge with its fakes.
type testBridge struct {
	*Bridge
	matrix  *fakeMatrix
	store   *memStore
	backend *fakeInstance
}

func newTestBridge(t *testing.T, mutate ...func(cfg *Config)) *testBridge {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Domain: testDomain},
		Bridge:     BridgeConfig{UserPrefix: "_bifrost_"},
		Provisioning: ProvisioningConfig{
			EnablePlumbing: true,
			RequiredUserPL: 50,
		},
		Backend: BackendConfig{Type: "fake"},
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	matrix := newFakeMatrix()
	st := newMemStore()
	backend := newFakeInstance()
	br, err := New(zerolog.Nop(), cfg, matrix, st, backend, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testBridge{Bridge: br, matrix: matrix, store: st, backend: backend}
}

// linkAccount seeds a persisted account link and the matching live
// backend account.
func (tb *testBridge) linkAccount(t *testing.T, userID id.UserID, username string) *fakeAccount {
	t.Helper()
	acct := newFakeAccount(username, testProtoXMPP)
	tb.backend.addAccount(acct)
	err := tb.store.StoreAccountLink(context.Background(), &store.AccountLink{
		MXID:       userID,
		ProtocolID: testProtoXMPP.ID,
		Username:   username,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("StoreAccountLink: %v", err)
	}
	return acct
}

var testEventSeq int

func nextEventID() id.EventID {
	testEventSeq++
	return id.EventID(fmt.Sprintf("$test-%d", testEventSeq))
}

func messageEvent(sender id.UserID, roomID id.RoomID, body string) *event.Event {
	return &event.Event{
		ID:     nextEventID(),
		Type:   event.EventMessage,
		Sender: sender,
		RoomID: roomID,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func memberEvent(sender id.UserID, roomID id.RoomID, target id.UserID, membership event.Membership, direct bool) *event.Event {
	stateKey := string(target)
	return &event.Event{
		ID:       nextEventID(),
		Type:     event.StateMember,
		Sender:   sender,
		RoomID:   roomID,
		StateKey: &stateKey,
		Content: event.Content{Parsed: &event.MemberEventContent{
			Membership: membership,
			IsDirect:   direct,
		}},
	}
}

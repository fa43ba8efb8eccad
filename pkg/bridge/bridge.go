// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
	"github.com/aiku/mautrix-bifrost/pkg/bridge/store"
)

// Store is the durable room/account directory contract the bridge
// consumes. *store.SQLStore is the production implementation.
type Store interface {
	GetRoomByMXID(ctx context.Context, mxid id.RoomID) (*store.RoomEntry, error)
	GetRoomByRemoteID(ctx context.Context, remoteID string) (*store.RoomEntry, error)
	StoreRoom(ctx context.Context, mxid id.RoomID, typ store.RoomType, remoteID string, data store.RemoteData) (*store.RoomEntry, error)
	RemoveRoom(ctx context.Context, mxid id.RoomID) error
	GetAccountLinks(ctx context.Context, userID id.UserID, protocolID string) ([]*store.AccountLink, error)
	GetAccountLinksByRemote(ctx context.Context, protocolID, username string) ([]*store.AccountLink, error)
	StoreAccountLink(ctx context.Context, link *store.AccountLink) error
}

var _ Store = (*store.SQLStore)(nil)

// Gateway relays gateway-flagged rooms through an abstract multi-account
// relay instead of one dedicated account per user. It is an external
// collaborator; a nil gateway drops gateway traffic with a warning.
type Gateway interface {
	SendMessage(ctx context.Context, roomName string, sender id.UserID, body string, entry *store.RoomEntry) error
	SendMembership(ctx context.Context, roomName string, sender id.UserID, displayname string, membership event.Membership, entry *store.RoomEntry) error
	SendStateEvent(ctx context.Context, roomName string, sender id.UserID, evt *event.Event, entry *store.RoomEntry) error
}

// Bridge wires the event router and its collaborators together. All
// fields are set once at construction and never mutated afterwards.
type Bridge struct {
	Log     zerolog.Logger
	Config  *Config
	Matrix  MatrixAPI
	Store   Store
	Backend bifrost.Instance
	Dedup   *Deduplicator
	Join    *JoinNegotiator
	AutoReg AutoRegistration
	Gateway Gateway
	Aliases *RoomAliasSet

	profiles *profileSync

	// roomCreate collapses concurrent find-or-create calls for the same
	// canonical remote key into one creation.
	roomCreate singleflight.Group

	stopOnce sync.Once
	stopChan chan struct{}
}

// New assembles a bridge. Gateway and AutoReg may be nil.
func New(log zerolog.Logger, cfg *Config, matrix MatrixAPI, st Store, backend bifrost.Instance, gateway Gateway) (*Bridge, error) {
	aliases, err := NewRoomAliasSet(log, cfg.Portals, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to compile portal aliases: %w", err)
	}
	br := &Bridge{
		Log:      log,
		Config:   cfg,
		Matrix:   matrix,
		Store:    st,
		Backend:  backend,
		Dedup:    NewDeduplicator(),
		Join:     NewJoinNegotiator(log, cfg.Bridge.JoinTimeout()),
		Gateway:  gateway,
		Aliases:  aliases,
		profiles: newProfileSync(log),
		stopChan: make(chan struct{}),
	}
	br.AutoReg = NewAutoRegistration(log, cfg.AutoReg, backend, st)
	return br, nil
}

// Start launches the remote event loop. Matrix events are delivered
// separately through HandleMatrixEvent.
func (br *Bridge) Start(ctx context.Context) error {
	if err := br.Backend.Start(ctx); err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}
	go br.remoteLoop(ctx)
	br.Log.Info().Str("backend", br.Config.Backend.Type).Msg("Bridge started")
	return nil
}

// Stop shuts down the remote loop and the backend.
func (br *Bridge) Stop() {
	br.stopOnce.Do(func() {
		close(br.stopChan)
		br.Backend.Stop()
	})
}

// sendNotice reports a user-visible failure or response into a room as
// a rendered notice. Send failures are log-only.
func (br *Bridge) sendNotice(ctx context.Context, roomID id.RoomID, body string) {
	if _, err := br.Matrix.Bot().SendMessage(ctx, roomID, MarkdownNotice(body)); err != nil {
		br.Log.Warn().Err(err).
			Str("room_id", roomID.String()).
			Msg("Failed to send notice")
	}
}

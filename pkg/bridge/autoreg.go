// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
	"github.com/aiku/mautrix-bifrost/pkg/bridge/store"
)

// templateAutoReg derives remote usernames from Matrix ids using the
// configured per-protocol templates.
type templateAutoReg struct {
	log     zerolog.Logger
	cfg     AutoRegConfig
	backend bifrost.Instance
	store   Store
}

var _ AutoRegistration = (*templateAutoReg)(nil)

// NewAutoRegistration builds the config-driven autoregistration
// collaborator, or nil when disabled.
func NewAutoRegistration(log zerolog.Logger, cfg AutoRegConfig, backend bifrost.Instance, st Store) AutoRegistration {
	if !cfg.Enabled {
		return nil
	}
	return &templateAutoReg{
		log:     log.With().Str("component", "autoreg").Logger(),
		cfg:     cfg,
		backend: backend,
		store:   st,
	}
}

func (ar *templateAutoReg) IsSupported(protocolID string) bool {
	proto, ok := ar.cfg.Protocols[protocolID]
	return ok && proto.UsernameTemplate != ""
}

func (ar *templateAutoReg) RegisterUser(ctx context.Context, protocolID string, userID id.UserID) (bifrost.Account, error) {
	tmpl, ok := ar.cfg.Protocols[protocolID]
	if !ok {
		return nil, fmt.Errorf("protocol %s has no autoregistration template", protocolID)
	}
	proto, found := ar.backend.FindProtocol(protocolID)
	if !found {
		return nil, fmt.Errorf("protocol %s not available in backend", protocolID)
	}
	username, err := expandUsernameTemplate(tmpl.UsernameTemplate, userID)
	if err != nil {
		return nil, err
	}
	acct, err := ar.backend.CreateAccount(username, proto)
	if err != nil {
		return nil, fmt.Errorf("backend rejected account %s: %w", username, err)
	}
	err = ar.store.StoreAccountLink(ctx, &store.AccountLink{
		MXID:       userID,
		ProtocolID: protocolID,
		Username:   username,
		Enabled:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist autoregistered link: %w", err)
	}
	ar.log.Info().
		Str("user_id", userID.String()).
		Str("protocol_id", protocolID).
		Str("username", username).
		Msg("Autoregistered account")
	return acct, nil
}

func expandUsernameTemplate(tmpl string, userID id.UserID) (string, error) {
	localpart, domain, err := userID.Parse()
	if err != nil {
		return "", fmt.Errorf("cannot parse %s: %w", userID, err)
	}
	replacer := strings.NewReplacer(
		"{localpart}", localpart,
		"{domain}", domain,
		"{mxid}", string(userID),
	)
	return replacer.Replace(tmpl), nil
}

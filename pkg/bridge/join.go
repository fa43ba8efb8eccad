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
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
)

type waiterKey struct {
	protocolID string
	username   string
}

type deferredJoin struct {
	account    bifrost.Account
	roomName   string
	properties map[string]string
}

// JoinNegotiator joins remote group conversations, deferring the join
// until the account signs on when it is currently disconnected.
type JoinNegotiator struct {
	log     zerolog.Logger
	timeout time.Duration

	mu sync.Mutex
	// waiters holds at most one deferred join per account identity. A
	// later registration for the same key supersedes the earlier one.
	waiters map[waiterKey]*deferredJoin
}

func NewJoinNegotiator(log zerolog.Logger, timeout time.Duration) *JoinNegotiator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &JoinNegotiator{
		log:     log.With().Str("component", "join_negotiator").Logger(),
		timeout: timeout,
		waiters: make(map[waiterKey]*deferredJoin),
	}
}

// JoinOrDefer joins roomName as acct if it is connected, or registers a
// one-shot waiter resolved by the account's next signed-on event. Once
// a join succeeds the properties are persisted against the room so the
// backend can rejoin after reconnects.
func (jn *JoinNegotiator) JoinOrDefer(ctx context.Context, acct bifrost.Account, roomName string, properties map[string]string) error {
	if !acct.Connected() {
		key := waiterKey{protocolID: acct.Protocol().ID, username: acct.Name()}
		jn.mu.Lock()
		if prev, ok := jn.waiters[key]; ok {
			jn.log.Warn().
				Str("username", key.username).
				Str("protocol_id", key.protocolID).
				Str("superseded_room", prev.roomName).
				Str("room", roomName).
				Msg("Superseding deferred join for account")
		}
		jn.waiters[key] = &deferredJoin{account: acct, roomName: roomName, properties: properties}
		jn.mu.Unlock()
		jn.log.Debug().
			Str("username", key.username).
			Str("room", roomName).
			Msg("Account not connected, deferred join until sign-on")
		return nil
	}
	return jn.join(ctx, acct, roomName, properties)
}

func (jn *JoinNegotiator) join(ctx context.Context, acct bifrost.Account, roomName string, properties map[string]string) error {
	joinCtx, cancel := context.WithTimeout(ctx, jn.timeout)
	defer cancel()
	if _, err := acct.JoinChat(joinCtx, properties); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrJoin, roomName, err)
	}
	acct.SetRoomJoinProperties(roomName, properties)
	return nil
}

// OnAccountSignedOn resolves a pending deferred join for the account
// that just connected, firing the join with the original properties
// once and removing the waiter.
func (jn *JoinNegotiator) OnAccountSignedOn(ctx context.Context, evt bifrost.AccountSignedOn) {
	key := waiterKey{protocolID: evt.Account.ProtocolID, username: evt.Account.Username}
	jn.mu.Lock()
	waiter, ok := jn.waiters[key]
	if ok {
		delete(jn.waiters, key)
	}
	jn.mu.Unlock()
	if !ok {
		return
	}
	jn.log.Debug().
		Str("username", key.username).
		Str("room", waiter.roomName).
		Msg("Account signed on, performing deferred join")
	if err := jn.join(ctx, waiter.account, waiter.roomName, waiter.properties); err != nil {
		jn.log.Error().Err(err).
			Str("username", key.username).
			Str("room", waiter.roomName).
			Msg("Deferred join failed")
	}
}

// PendingWaiters reports how many deferred joins are outstanding.
func (jn *JoinNegotiator) PendingWaiters() int {
	jn.mu.Lock()
	defer jn.mu.Unlock()
	return len(jn.waiters)
}

// cleanParamLabel strips the decoration some protocol plugins put on
// their parameter labels.
func cleanParamLabel(label string) string {
	label = strings.TrimPrefix(label, "_")
	return strings.TrimSuffix(label, ":")
}

// JoinParameters maps positional and name=value command arguments onto
// the ordered parameter list acct's protocol requires. args[0] is the
// protocol argument itself; extra args follow.
//
// With no extra args it returns (nil, help, nil) where help is a
// markdown usage text listing required then optional parameters; the
// caller must send it and not proceed. The reserved "handle" parameter
// is skipped: it is filled by AddJoinProps.
func JoinParameters(acct bifrost.Account, args []string, commandName string) (map[string]string, string, error) {
	params := acct.ChatParameters()
	if len(args) <= 1 {
		return nil, joinParameterHelp(acct, params, commandName), nil
	}

	// The handle is filled from the sender's profile, not the command
	// line, so it counts neither as a positional slot nor in errors.
	var required []bifrost.ChatParameter
	for _, p := range params {
		if p.Required && p.Identifier != "handle" {
			required = append(required, p)
		}
	}

	extra := args[1:]
	paramSet := make(map[string]string)
	consumed := 0
	for _, param := range required {
		if consumed >= len(extra) {
			return nil, "", fmt.Errorf("%w: %d positional parameters required, %d given",
				ErrParameter, len(required), len(extra))
		}
		paramSet[param.Identifier] = extra[consumed]
		consumed++
	}

	for _, arg := range extra[consumed:] {
		name, value, found := strings.Cut(arg, "=")
		if !found {
			return nil, "", fmt.Errorf("%w: optional parameter %q must be name=value", ErrParameter, arg)
		}
		paramSet[name] = value
	}
	return paramSet, "", nil
}

func joinParameterHelp(acct bifrost.Account, params []bifrost.ChatParameter, commandName string) string {
	var required, optional []string
	for _, param := range params {
		if param.Required {
			required = append(required, fmt.Sprintf("`%s`", cleanParamLabel(param.Label)))
		} else {
			optional = append(optional, fmt.Sprintf("`%s=value`", param.Identifier))
		}
	}
	return fmt.Sprintf(`The following **required** parameters must be specified in order.
Optional parameters must be in the form of name=value *after* the required options.
The parameters ARE case sensitive.

E.g. %s %s %s %s

**required**:

 - %s

**optional**:

 - %s
`,
		commandName, acct.Protocol().ID,
		strings.Join(required, " "), strings.Join(optional, " "),
		strings.Join(required, "\n - "),
		strings.Join(optional, "\n - "),
	)
}

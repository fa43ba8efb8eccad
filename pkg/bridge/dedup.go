// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"maunium.net/go/mautrix/id"
)

// maxFingerprints bounds the per-room record of recently sent messages.
// Dedup records are soft state: losing one degrades to at most a single
// missed suppression.
const maxFingerprints = 128

// joinHintTTL bounds how long a self-join hint stays valid.
const joinHintTTL = time.Minute

type fingerprint struct {
	sender   string
	bodyHash [32]byte
}

type roomRecord struct {
	// recent is an ordered window of sent fingerprints, oldest first.
	recent []fingerprint
	// chosenOne is the remote account id authoritative for presence
	// bookkeeping in this room. First local joiner wins.
	chosenOne string
	// users counts local accounts present in the remote room, so a
	// second local leave does not tear down shared presence early.
	users int
}

type joinHintKey struct {
	roomID id.RoomID
	sender id.UserID
}

// Deduplicator suppresses protocol-level echo-backs of sent group
// messages and tracks which local account speaks for a shared remote
// room.
type Deduplicator struct {
	mu        sync.Mutex
	rooms     map[string]*roomRecord
	joinHints map[joinHintKey]time.Time
	now       func() time.Time
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		rooms:     make(map[string]*roomRecord),
		joinHints: make(map[joinHintKey]time.Time),
		now:       time.Now,
	}
}

func hashBody(body string) [32]byte {
	return blake3.Sum256([]byte(body))
}

func (d *Deduplicator) room(name string) *roomRecord {
	rec, ok := d.rooms[name]
	if !ok {
		rec = &roomRecord{}
		d.rooms[name] = rec
	}
	return rec
}

// InsertMessage records an outgoing fingerprint so the matching echo can
// be suppressed when the backend plays it back.
func (d *Deduplicator) InsertMessage(roomName, sender, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.room(roomName)
	rec.recent = append(rec.recent, fingerprint{sender: sender, bodyHash: hashBody(body)})
	if len(rec.recent) > maxFingerprints {
		rec.recent = rec.recent[len(rec.recent)-maxFingerprints:]
	}
}

// CheckAndRemove reports whether an inbound message matches a recorded
// fingerprint, consuming it. Each inserted fingerprint suppresses
// exactly one echo.
func (d *Deduplicator) CheckAndRemove(roomName, sender, body string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.rooms[roomName]
	if !ok {
		return false
	}
	hash := hashBody(body)
	for i, fp := range rec.recent {
		if fp.sender == sender && fp.bodyHash == hash {
			rec.recent = append(rec.recent[:i], rec.recent[i+1:]...)
			return true
		}
	}
	return false
}

// ElectChosenOne nominates an account as the room's authoritative
// presence holder and returns the winner. The first caller for a room
// wins; later calls return the incumbent.
func (d *Deduplicator) ElectChosenOne(roomName, remoteAccountID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.room(roomName)
	if rec.chosenOne == "" {
		rec.chosenOne = remoteAccountID
	}
	return rec.chosenOne
}

// ChosenOne returns the current authoritative account for a room.
func (d *Deduplicator) ChosenOne(roomName string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.rooms[roomName]
	if !ok || rec.chosenOne == "" {
		return "", false
	}
	return rec.chosenOne, true
}

// RemoveChosenOne clears the election if the given account holds it.
// The next joiner (or inbound event) elects a successor.
func (d *Deduplicator) RemoveChosenOne(roomName, remoteAccountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.rooms[roomName]
	if ok && rec.chosenOne == remoteAccountID {
		rec.chosenOne = ""
	}
}

// IncrementRoomUsers counts a local account joining the shared remote
// room and returns the new count.
func (d *Deduplicator) IncrementRoomUsers(roomName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.room(roomName)
	rec.users++
	return rec.users
}

// DecrementRoomUsers counts a local leave, never going below zero.
func (d *Deduplicator) DecrementRoomUsers(roomName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.rooms[roomName]
	if !ok || rec.users == 0 {
		return 0
	}
	rec.users--
	return rec.users
}

// WaitForJoinResolve records that someone just joined a bridged Matrix
// room, hinting that membership machinery may already be resolving and
// a redundant remote self-join can be skipped. Expired hints are pruned
// on registration so unconsumed ones do not accumulate.
func (d *Deduplicator) WaitForJoinResolve(roomID id.RoomID, sender id.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for key, at := range d.joinHints {
		if now.Sub(at) >= joinHintTTL {
			delete(d.joinHints, key)
		}
	}
	d.joinHints[joinHintKey{roomID: roomID, sender: sender}] = now
}

// ConsumeJoinHint reports and clears a pending join hint. Best effort:
// stale hints expire.
func (d *Deduplicator) ConsumeJoinHint(roomID id.RoomID, sender id.UserID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := joinHintKey{roomID: roomID, sender: sender}
	at, ok := d.joinHints[key]
	if !ok {
		return false
	}
	delete(d.joinHints, key)
	return d.now().Sub(at) < joinHintTTL
}

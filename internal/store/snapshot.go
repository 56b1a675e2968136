package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
)

// SnapshotVersion is the on-disk format this build writes.
const SnapshotVersion = 1

// KeyPrefix namespaces snapshots inside the persistence substrate.
const KeyPrefix = "chatsync/v1/"

// SnapshotKey returns the persistence key for a user's snapshot.
func SnapshotKey(userID string) string {
	return KeyPrefix + userID
}

var errNewerSnapshot = errors.New("snapshot written by a newer version")

// state is the in-memory replica. Records are immutable once stored; changes
// replace the pointer.
type state struct {
	seq         int64
	chats       map[string]*Chat
	byRemote    map[string]string
	messages    map[string][]*Message
	outbox      []*PendingOperation
	tombstones  map[string]int64
	checkpoints map[string]int64
}

func newState() *state {
	return &state{
		chats:       make(map[string]*Chat),
		byRemote:    make(map[string]string),
		messages:    make(map[string][]*Message),
		tombstones:  make(map[string]int64),
		checkpoints: make(map[string]int64),
	}
}

func (st *state) clone() *state {
	c := &state{
		seq:         st.seq,
		chats:       maps.Clone(st.chats),
		byRemote:    maps.Clone(st.byRemote),
		messages:    make(map[string][]*Message, len(st.messages)),
		outbox:      append([]*PendingOperation(nil), st.outbox...),
		tombstones:  maps.Clone(st.tombstones),
		checkpoints: maps.Clone(st.checkpoints),
	}
	for k, v := range st.messages {
		c.messages[k] = append([]*Message(nil), v...)
	}
	return c
}

func (st *state) nextSeq() int64 {
	st.seq++
	return st.seq
}

type snapshot struct {
	Version     int                 `json:"version"`
	UserID      string              `json:"user_id"`
	Seq         int64               `json:"seq"`
	SavedAt     int64               `json:"saved_at"`
	Chats       []*Chat             `json:"chats"`
	Messages    []*Message          `json:"messages"`
	Outbox      []*PendingOperation `json:"outbox"`
	Tombstones  map[string]int64    `json:"tombstones,omitempty"`
	Checkpoints map[string]int64    `json:"checkpoints,omitempty"`
}

func encodeSnapshot(st *state, userID string, savedAt int64) (string, error) {
	snap := snapshot{
		Version:     SnapshotVersion,
		UserID:      userID,
		Seq:         st.seq,
		SavedAt:     savedAt,
		Chats:       make([]*Chat, 0, len(st.chats)),
		Outbox:      st.outbox,
		Tombstones:  st.tombstones,
		Checkpoints: st.checkpoints,
	}
	for _, c := range st.chats {
		snap.Chats = append(snap.Chats, c)
	}
	sort.Slice(snap.Chats, func(i, j int) bool { return snap.Chats[i].Seq < snap.Chats[j].Seq })
	for _, c := range snap.Chats {
		snap.Messages = append(snap.Messages, st.messages[c.Key()]...)
	}
	if snap.Messages == nil {
		snap.Messages = []*Message{}
	}
	if snap.Outbox == nil {
		snap.Outbox = []*PendingOperation{}
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(b), nil
}

// decodeSnapshot rebuilds state from raw. Version 0 snapshots predate sync
// bookkeeping and are upgraded in place.
func decodeSnapshot(raw string) (*state, error) {
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("%w: version %d", errNewerSnapshot, snap.Version)
	}
	if snap.Version == 0 {
		upgradeV0(&snap)
	}

	st := newState()
	st.seq = snap.Seq
	for _, c := range snap.Chats {
		if c == nil || c.Key() == "" {
			continue
		}
		st.chats[c.Key()] = c
		if c.RemoteID != "" {
			st.byRemote[c.RemoteID] = c.Key()
		}
	}
	for _, m := range snap.Messages {
		if m == nil {
			continue
		}
		if _, ok := st.chats[m.ChatID]; !ok {
			continue
		}
		st.messages[m.ChatID] = append(st.messages[m.ChatID], m)
	}
	for _, op := range snap.Outbox {
		if op == nil {
			continue
		}
		if _, ok := st.chats[op.ChatID]; !ok {
			continue
		}
		st.outbox = append(st.outbox, op)
	}
	maps.Copy(st.tombstones, snap.Tombstones)
	maps.Copy(st.checkpoints, snap.Checkpoints)
	return st, nil
}

func upgradeV0(snap *snapshot) {
	for _, c := range snap.Chats {
		if c == nil {
			continue
		}
		if c.SyncStatus == "" {
			c.SyncStatus = StatusPending
			if c.RemoteID != "" {
				c.SyncStatus = StatusSynced
			}
		}
		if c.Seq == 0 {
			snap.Seq++
			c.Seq = snap.Seq
		}
	}
	for _, m := range snap.Messages {
		if m == nil {
			continue
		}
		if m.Role == "" {
			m.Role = RoleUser
		}
		if m.SyncStatus == "" {
			m.SyncStatus = StatusPending
			if m.RemoteID != "" {
				m.SyncStatus = StatusSynced
			}
		}
		if m.Seq == 0 {
			snap.Seq++
			m.Seq = snap.Seq
		}
	}
	for _, op := range snap.Outbox {
		if op == nil {
			continue
		}
		if op.Kind == "" {
			op.Kind = OpCreateMessage
		}
		if op.Seq == 0 {
			snap.Seq++
			op.Seq = snap.Seq
		}
	}
	snap.Version = SnapshotVersion
}

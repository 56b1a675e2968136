package store

import (
	"maps"
	"sort"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
)

// Tx is a view of the store inside Apply or View. Reads return copies;
// writes are staged on a private copy of the state and emitted events are
// published only after the whole transaction commits.
type Tx struct {
	s        *Store
	st       *state
	cloned   bool
	dirty    bool
	readOnly bool
	syncing  *bool
	events   []bus.Event
}

func (tx *Tx) w() *state {
	if tx.readOnly {
		panic("store: write in read-only transaction")
	}
	if !tx.cloned {
		tx.st = tx.st.clone()
		tx.cloned = true
	}
	tx.dirty = true
	return tx.st
}

// Now returns the store clock in Unix milliseconds.
func (tx *Tx) Now() int64 {
	return tx.s.now().UnixMilli()
}

// Emit queues an event for publication after commit.
func (tx *Tx) Emit(kind string, payload any) {
	tx.events = append(tx.events, bus.Event{Kind: kind, Timestamp: time.UnixMilli(tx.Now()), Payload: payload})
}

// SetSyncing sets the flag reported by Stats.IsSyncing.
func (tx *Tx) SetSyncing(v bool) {
	tx.syncing = &v
}

// OutboxLimit returns the outbox capacity.
func (tx *Tx) OutboxLimit() int {
	return tx.s.limit
}

func (tx *Tx) resolve(id string) (*Chat, bool) {
	if id == "" {
		return nil, false
	}
	if c, ok := tx.st.chats[id]; ok {
		return c, true
	}
	if key, ok := tx.st.byRemote[id]; ok {
		c, ok := tx.st.chats[key]
		return c, ok
	}
	return nil, false
}

// Chat resolves id, local or remote, to a chat.
func (tx *Tx) Chat(id string) (Chat, bool) {
	c, ok := tx.resolve(id)
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// Chats returns every chat in insertion order.
func (tx *Tx) Chats() []Chat {
	out := make([]Chat, 0, len(tx.st.chats))
	for _, c := range tx.st.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// InsertChat adds a new chat. Its key and remote id must be unused.
func (tx *Tx) InsertChat(c Chat) (Chat, error) {
	if err := validateChat(&c); err != nil {
		return Chat{}, err
	}
	if _, ok := tx.st.chats[c.Key()]; ok {
		return Chat{}, errs.Errorf(errs.Conflict, "insert chat", "chat %s already exists", c.Key())
	}
	if c.RemoteID != "" {
		if _, ok := tx.st.byRemote[c.RemoteID]; ok {
			return Chat{}, errs.Errorf(errs.Conflict, "insert chat", "remote id %s already bound", c.RemoteID)
		}
	}
	st := tx.w()
	c.Seq = st.nextSeq()
	st.chats[c.Key()] = &c
	if c.RemoteID != "" {
		st.byRemote[c.RemoteID] = c.Key()
	}
	return c, nil
}

// ReplaceChat stores c over the existing chat with the same key. A remote id
// may be set once and never changed.
func (tx *Tx) ReplaceChat(c Chat) (Chat, error) {
	cur, ok := tx.st.chats[c.Key()]
	if !ok {
		return Chat{}, errs.Errorf(errs.NotFound, "replace chat", "chat %s not found", c.Key())
	}
	if cur.RemoteID != "" && c.RemoteID != cur.RemoteID {
		return Chat{}, errs.Errorf(errs.Conflict, "replace chat", "chat %s is bound to remote id %s", c.Key(), cur.RemoteID)
	}
	if cur.RemoteID == "" && c.RemoteID != "" {
		if key, ok := tx.st.byRemote[c.RemoteID]; ok && key != c.Key() {
			return Chat{}, errs.Errorf(errs.Conflict, "replace chat", "remote id %s already bound to %s", c.RemoteID, key)
		}
	}
	if err := validateChat(&c); err != nil {
		return Chat{}, err
	}
	st := tx.w()
	c.Seq = cur.Seq
	st.chats[c.Key()] = &c
	if c.RemoteID != "" {
		st.byRemote[c.RemoteID] = c.Key()
	}
	return c, nil
}

// RemoveChat deletes a chat with its messages and outbox entries. A chat that
// exists remotely leaves a tombstone.
func (tx *Tx) RemoveChat(id string) (Chat, bool) {
	cur, ok := tx.resolve(id)
	if !ok {
		return Chat{}, false
	}
	c := *cur
	st := tx.w()
	key := c.Key()
	delete(st.chats, key)
	delete(st.messages, key)
	if c.RemoteID != "" {
		delete(st.byRemote, c.RemoteID)
		st.tombstones[c.RemoteID] = tx.Now()
	}
	kept := st.outbox[:0:0]
	for _, op := range st.outbox {
		if op.ChatID != key {
			kept = append(kept, op)
		}
	}
	st.outbox = kept
	return c, true
}

// Messages returns a chat's messages ordered by createdAt, then insertion.
func (tx *Tx) Messages(chatID string) []Message {
	c, ok := tx.resolve(chatID)
	if !ok {
		return []Message{}
	}
	src := tx.st.messages[c.Key()]
	out := make([]Message, 0, len(src))
	for _, m := range src {
		out = append(out, copyMessage(m))
	}
	sortMessages(out)
	return out
}

// Message finds a message in a chat by local id or remote id.
func (tx *Tx) Message(chatID, id string) (Message, bool) {
	c, ok := tx.resolve(chatID)
	if !ok || id == "" {
		return Message{}, false
	}
	for _, m := range tx.st.messages[c.Key()] {
		if m.ID == id || m.RemoteID == id {
			return copyMessage(m), true
		}
	}
	return Message{}, false
}

// PutMessage inserts m or replaces the message with the same id in its chat.
// Inserting moves the chat's lastMessageAt forward.
func (tx *Tx) PutMessage(m Message) (Message, error) {
	c, ok := tx.resolve(m.ChatID)
	if !ok {
		return Message{}, errs.Errorf(errs.NotFound, "put message", "chat %s not found", m.ChatID)
	}
	m.ChatID = c.Key()
	if err := validateMessage(&m); err != nil {
		return Message{}, err
	}
	m.Metadata = maps.Clone(m.Metadata)

	st := tx.w()
	msgs := st.messages[m.ChatID]
	for i, cur := range msgs {
		if cur.ID == m.ID {
			m.Seq = cur.Seq
			msgs[i] = &m
			return copyMessage(&m), nil
		}
	}
	m.Seq = st.nextSeq()
	st.messages[m.ChatID] = append(msgs, &m)
	if m.CreatedAt > c.LastMessageAt {
		upd := *c
		upd.LastMessageAt = m.CreatedAt
		st.chats[upd.Key()] = &upd
	}
	return copyMessage(&m), nil
}

// Tombstones lists remote chat ids deleted locally but not yet remotely.
func (tx *Tx) Tombstones() []string {
	out := make([]string, 0, len(tx.st.tombstones))
	for id := range tx.st.tombstones {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := tx.st.tombstones[out[i]], tx.st.tombstones[out[j]]
		if ti != tj {
			return ti < tj
		}
		return out[i] < out[j]
	})
	return out
}

// IsTombstoned reports whether a remote chat id was deleted locally.
func (tx *Tx) IsTombstoned(remoteID string) bool {
	_, ok := tx.st.tombstones[remoteID]
	return ok
}

// ClearTombstone forgets a tombstone once the remote delete went through.
func (tx *Tx) ClearTombstone(remoteID string) {
	if _, ok := tx.st.tombstones[remoteID]; !ok {
		return
	}
	delete(tx.w().tombstones, remoteID)
}

// Checkpoint returns a stored pull checkpoint.
func (tx *Tx) Checkpoint(key string) int64 {
	return tx.st.checkpoints[key]
}

// SetCheckpoint stores a pull checkpoint.
func (tx *Tx) SetCheckpoint(key string, v int64) {
	tx.w().checkpoints[key] = v
}

func copyMessage(m *Message) Message {
	out := *m
	out.Metadata = maps.Clone(m.Metadata)
	return out
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}

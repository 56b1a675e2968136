package store

import (
	"maps"
	"sort"

	"github.com/matheus3301/chatsync/internal/bus"
)

// EvictedReason is recorded on messages whose outbox entry was dropped to
// keep the outbox within its limit.
const EvictedReason = "evicted from outbox"

func opFromMessage(m Message, kind OpKind) PendingOperation {
	return PendingOperation{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Kind:      kind,
		Role:      m.Role,
		Content:   m.Content,
		Metadata:  maps.Clone(m.Metadata),
		CreatedAt: m.CreatedAt,
	}
}

// Enqueue adds op to the outbox. An entry with the same (ChatID, ID) makes
// this a no-op. When the outbox is full the oldest entries are evicted and
// their messages marked failed.
func (tx *Tx) Enqueue(op PendingOperation) bool {
	for _, cur := range tx.st.outbox {
		if cur.ChatID == op.ChatID && cur.ID == op.ID {
			return false
		}
	}
	st := tx.w()
	for len(st.outbox) >= tx.s.limit {
		evicted := st.outbox[0]
		st.outbox = append([]*PendingOperation(nil), st.outbox[1:]...)
		tx.failEvicted(*evicted)
	}
	op.Metadata = maps.Clone(op.Metadata)
	op.Seq = st.nextSeq()
	st.outbox = append(st.outbox, &op)
	return true
}

func (tx *Tx) failEvicted(op PendingOperation) {
	tx.Emit(bus.OutboxEvicted, op)
	m, ok := tx.Message(op.ChatID, op.ID)
	if !ok || m.SyncStatus != StatusPending {
		return
	}
	m.SyncStatus = StatusFailed
	m.LastError = EvictedReason
	if m, err := tx.PutMessage(m); err == nil {
		tx.Emit(bus.MessageFailed, m)
	}
}

// Ops returns a chat's outbox entries ordered by createdAt, then enqueue order.
func (tx *Tx) Ops(chatID string) []PendingOperation {
	key := chatID
	if c, ok := tx.resolve(chatID); ok {
		key = c.Key()
	}
	var out []PendingOperation
	for _, op := range tx.st.outbox {
		if op.ChatID == key {
			out = append(out, copyOp(op))
		}
	}
	sortOps(out)
	return out
}

// AllOps returns every outbox entry in enqueue order.
func (tx *Tx) AllOps() []PendingOperation {
	out := make([]PendingOperation, 0, len(tx.st.outbox))
	for _, op := range tx.st.outbox {
		out = append(out, copyOp(op))
	}
	return out
}

// OutboxChats lists the chat keys with queued entries, oldest entry first.
func (tx *Tx) OutboxChats() []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range tx.st.outbox {
		if !seen[op.ChatID] {
			seen[op.ChatID] = true
			out = append(out, op.ChatID)
		}
	}
	return out
}

// Op finds an outbox entry.
func (tx *Tx) Op(chatID, id string) (PendingOperation, bool) {
	for _, op := range tx.st.outbox {
		if op.ChatID == chatID && op.ID == id {
			return copyOp(op), true
		}
	}
	return PendingOperation{}, false
}

// RecordOpAttempt bumps an entry's attempt counter.
func (tx *Tx) RecordOpAttempt(chatID, id string) {
	for i, op := range tx.st.outbox {
		if op.ChatID == chatID && op.ID == id {
			st := tx.w()
			upd := *op
			upd.Attempts++
			upd.LastAttemptAt = tx.Now()
			st.outbox[i] = &upd
			return
		}
	}
}

// RemoveOp drops an outbox entry.
func (tx *Tx) RemoveOp(chatID, id string) bool {
	for i, op := range tx.st.outbox {
		if op.ChatID == chatID && op.ID == id {
			st := tx.w()
			st.outbox = append(st.outbox[:i:i], st.outbox[i+1:]...)
			return true
		}
	}
	return false
}

// rearmPending gives every pending message without an outbox entry a fresh
// one. Returns how many were added.
func (tx *Tx) rearmPending() int {
	n := 0
	for _, c := range tx.Chats() {
		for _, listed := range tx.Messages(c.Key()) {
			// An earlier enqueue may have evicted this one.
			m, ok := tx.Message(c.Key(), listed.ID)
			if !ok || m.SyncStatus != StatusPending {
				continue
			}
			if _, ok := tx.Op(m.ChatID, m.ID); ok {
				continue
			}
			if tx.Enqueue(opFromMessage(m, opKindFor(m))) {
				n++
			}
		}
	}
	return n
}

func opKindFor(m Message) OpKind {
	if m.RemoteID != "" {
		return OpUpdateMessage
	}
	return OpCreateMessage
}

func copyOp(op *PendingOperation) PendingOperation {
	out := *op
	out.Metadata = maps.Clone(op.Metadata)
	return out
}

func sortOps(ops []PendingOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt != ops[j].CreatedAt {
			return ops[i].CreatedAt < ops[j].CreatedAt
		}
		return ops[i].Seq < ops[j].Seq
	})
}

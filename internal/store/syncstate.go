package store

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/ids"
)

// UnsyncedChats lists pending and failed chats in creation order.
func (s *Store) UnsyncedChats() []Chat {
	out := []Chat{}
	s.View(func(tx *Tx) {
		for _, c := range tx.Chats() {
			if c.SyncStatus != StatusSynced {
				out = append(out, c)
			}
		}
	})
	return out
}

// OutboxChats lists chat keys with queued operations, oldest entry first.
func (s *Store) OutboxChats() []string {
	var out []string
	s.View(func(tx *Tx) { out = tx.OutboxChats() })
	return out
}

// Ops returns a chat's queued operations in upload order.
func (s *Store) Ops(chatKey string) []PendingOperation {
	var out []PendingOperation
	s.View(func(tx *Tx) { out = tx.Ops(chatKey) })
	return out
}

// GetMessage finds a message in a chat by local or remote id.
func (s *Store) GetMessage(chatID, id string) (Message, bool) {
	var m Message
	var ok bool
	s.View(func(tx *Tx) { m, ok = tx.Message(chatID, id) })
	return m, ok
}

// MarkChatSynced records a successful upload of revision rev. The remote id
// is bound on first success. If the chat was edited meanwhile it stays
// pending. A chat deleted during the upload leaves a tombstone so the remote
// copy is removed too.
func (s *Store) MarkChatSynced(key, remoteID string, rev int64) (Chat, error) {
	var out Chat
	var missing bool
	err := s.Apply(func(tx *Tx) error {
		c, ok := tx.Chat(key)
		if !ok {
			if remoteID != "" && !tx.IsTombstoned(remoteID) {
				tx.w().tombstones[remoteID] = tx.Now()
			}
			missing = true
			return nil
		}
		if c.RemoteID == "" {
			if err := ids.ValidateRemoteID(remoteID); err != nil {
				return errs.E(errs.Validation, "mark chat synced", err)
			}
			c.RemoteID = remoteID
		} else if remoteID != "" && remoteID != c.RemoteID {
			return errs.Errorf(errs.Conflict, "mark chat synced", "chat %s already has remote id %s, got %s", key, c.RemoteID, remoteID)
		}
		c.Attempts++
		c.LastAttemptAt = tx.Now()
		c.LastError = ""
		if c.Rev == rev {
			c.SyncStatus = StatusSynced
		}
		c, err := tx.ReplaceChat(c)
		if err != nil {
			return err
		}
		tx.Emit(bus.ChatSynced, c)
		out = c
		return nil
	})
	if err == nil && missing {
		err = errs.Errorf(errs.NotFound, "mark chat synced", "chat %s not found", key)
	}
	return out, err
}

// MarkChatFailed records a failed upload.
func (s *Store) MarkChatFailed(key string, cause error) (Chat, error) {
	var out Chat
	err := s.Apply(func(tx *Tx) error {
		c, ok := tx.Chat(key)
		if !ok {
			return errs.Errorf(errs.NotFound, "mark chat failed", "chat %s not found", key)
		}
		c.Attempts++
		c.LastAttemptAt = tx.Now()
		c.SyncStatus = StatusFailed
		if cause != nil {
			c.LastError = cause.Error()
		}
		c, err := tx.ReplaceChat(c)
		if err != nil {
			return err
		}
		tx.Emit(bus.ChatSyncFailed, c)
		out = c
		return nil
	})
	return out, err
}

// MarkMessageSynced records a successful upload of revision rev and clears
// its outbox entry. A message edited meanwhile is queued again.
func (s *Store) MarkMessageSynced(chatKey, id, remoteID string, rev int64) (Message, error) {
	var out Message
	var missing bool
	err := s.Apply(func(tx *Tx) error {
		tx.RemoveOp(chatKey, id)
		m, ok := tx.Message(chatKey, id)
		if !ok {
			missing = true
			return nil
		}
		switch {
		case m.RemoteID == "" && remoteID != "":
			if err := ids.ValidateRemoteID(remoteID); err != nil {
				return errs.E(errs.Validation, "mark message synced", err)
			}
			m.RemoteID = remoteID
		case m.RemoteID != "" && remoteID != "" && remoteID != m.RemoteID:
			return errs.Errorf(errs.Conflict, "mark message synced", "message %s already has remote id %s, got %s", id, m.RemoteID, remoteID)
		}
		m.Attempts++
		m.LastAttemptAt = tx.Now()
		m.LastError = ""
		if m.Rev == rev {
			m.SyncStatus = StatusSynced
		} else {
			m.SyncStatus = StatusPending
		}
		m, err := tx.PutMessage(m)
		if err != nil {
			return err
		}
		if m.SyncStatus == StatusPending {
			tx.Enqueue(opFromMessage(m, opKindFor(m)))
		}
		tx.Emit(bus.MessageSynced, m)
		out = m
		return nil
	})
	if err == nil && missing {
		err = errs.Errorf(errs.NotFound, "mark message synced", "message %s not found", id)
	}
	return out, err
}

// MarkMessageFailed records a failed upload. The outbox entry stays so a
// retry can send it again.
func (s *Store) MarkMessageFailed(chatKey, id string, cause error) (Message, error) {
	var out Message
	var missing bool
	err := s.Apply(func(tx *Tx) error {
		tx.RecordOpAttempt(chatKey, id)
		m, ok := tx.Message(chatKey, id)
		if !ok {
			tx.RemoveOp(chatKey, id)
			missing = true
			return nil
		}
		m.Attempts++
		m.LastAttemptAt = tx.Now()
		m.SyncStatus = StatusFailed
		if cause != nil {
			m.LastError = cause.Error()
		}
		m, err := tx.PutMessage(m)
		if err != nil {
			return err
		}
		tx.Emit(bus.MessageFailed, m)
		out = m
		return nil
	})
	if err == nil && missing {
		err = errs.Errorf(errs.NotFound, "mark message failed", "message %s not found", id)
	}
	return out, err
}

// DropOp removes an outbox entry whose message no longer exists.
func (s *Store) DropOp(chatKey, id string) {
	_ = s.Apply(func(tx *Tx) error {
		tx.RemoveOp(chatKey, id)
		return nil
	})
}

// ClearTombstone forgets a tombstone once the remote delete went through.
func (s *Store) ClearTombstone(remoteID string) {
	_ = s.Apply(func(tx *Tx) error {
		tx.ClearTombstone(remoteID)
		return nil
	})
}

// Tombstones lists remote chat ids awaiting remote deletion.
func (s *Store) Tombstones() []string {
	var out []string
	s.View(func(tx *Tx) { out = tx.Tombstones() })
	return out
}

// SetSyncing sets the flag reported by Stats.IsSyncing and publishes the
// matching sync event.
func (s *Store) SetSyncing(v bool) {
	_ = s.Apply(func(tx *Tx) error {
		tx.SetSyncing(v)
		if v {
			tx.Emit(bus.SyncStarted, nil)
		} else {
			tx.Emit(bus.SyncFinished, nil)
		}
		return nil
	})
}

// RetryFailed moves every failed record back to pending and makes sure every
// pending message has an outbox entry. It returns the number of chats and
// messages reset.
func (s *Store) RetryFailed() (chats, messages int) {
	_ = s.Apply(func(tx *Tx) error {
		for _, c := range tx.Chats() {
			if c.SyncStatus == StatusFailed {
				c.SyncStatus = StatusPending
				c.LastError = ""
				if c, err := tx.ReplaceChat(c); err == nil {
					chats++
					tx.Emit(bus.ChatUpdated, c)
				}
			}
			for _, m := range tx.Messages(c.Key()) {
				if m.SyncStatus != StatusFailed {
					continue
				}
				m.SyncStatus = StatusPending
				m.LastError = ""
				if m, err := tx.PutMessage(m); err == nil {
					messages++
					tx.Emit(bus.MessageUpdated, m)
				}
			}
		}
		tx.rearmPending()
		return nil
	})
	return chats, messages
}

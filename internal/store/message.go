package store

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/ids"
)

type messageOptions struct {
	id        string
	status    SyncStatus
	createdAt int64
}

// MessageOption adjusts AddMessage.
type MessageOption func(*messageOptions)

// WithID uses id instead of minting a local one. Adding an id that already
// exists in the chat returns the existing message.
func WithID(id string) MessageOption {
	return func(o *messageOptions) { o.id = id }
}

// WithStatus stores the message as already synced (or pending, the default).
func WithStatus(s SyncStatus) MessageOption {
	return func(o *messageOptions) { o.status = s }
}

// WithCreatedAt overrides the creation time in Unix milliseconds.
func WithCreatedAt(ms int64) MessageOption {
	return func(o *messageOptions) { o.createdAt = ms }
}

// AddMessage appends a message to the chat identified by chatID, local or
// remote. Pending messages get an outbox entry.
func (s *Store) AddMessage(chatID string, role Role, content string, metadata map[string]any, opts ...MessageOption) (Message, error) {
	o := messageOptions{status: StatusPending}
	for _, fn := range opts {
		fn(&o)
	}
	if o.status != StatusPending && o.status != StatusSynced {
		return Message{}, errs.Errorf(errs.Validation, "add message", "initial status %q not allowed", o.status)
	}

	var out Message
	err := s.Apply(func(tx *Tx) error {
		c, ok := tx.Chat(chatID)
		if !ok {
			return errs.Errorf(errs.NotFound, "add message", "chat %s not found", chatID)
		}
		if o.id != "" {
			if m, ok := tx.Message(c.Key(), o.id); ok {
				out = m
				return nil
			}
		}
		m := Message{
			ID:         o.id,
			ChatID:     c.Key(),
			Role:       role,
			Content:    content,
			Metadata:   metadata,
			CreatedAt:  o.createdAt,
			SyncStatus: o.status,
			Rev:        1,
		}
		if m.ID == "" {
			m.ID = ids.NewLocalID()
		}
		if m.CreatedAt == 0 {
			m.CreatedAt = tx.Now()
		}
		if m.SyncStatus == StatusSynced && ids.IsRemoteID(m.ID) {
			m.RemoteID = m.ID
		}
		m, err := tx.PutMessage(m)
		if err != nil {
			return err
		}
		if m.SyncStatus == StatusPending {
			tx.Enqueue(opFromMessage(m, OpCreateMessage))
		}
		tx.Emit(bus.MessageAdded, m)
		out = m
		return nil
	})
	return out, err
}

// GetMessagesForChat returns the chat's messages in display order. Unknown
// chats yield an empty list.
func (s *Store) GetMessagesForChat(chatID string) []Message {
	var out []Message
	s.View(func(tx *Tx) { out = tx.Messages(chatID) })
	return out
}

// ToggleFavorite flips a message's favorite flag. A synced message goes back
// to pending with an update queued for the remote.
func (s *Store) ToggleFavorite(chatID, messageID string) (Message, error) {
	var out Message
	err := s.Apply(func(tx *Tx) error {
		m, ok := tx.Message(chatID, messageID)
		if !ok {
			return errs.Errorf(errs.NotFound, "toggle favorite", "message %s not found in chat %s", messageID, chatID)
		}
		m.IsFavorite = !m.IsFavorite
		m.Rev++
		requeue := m.SyncStatus == StatusSynced
		if requeue {
			m.SyncStatus = StatusPending
		}
		m, err := tx.PutMessage(m)
		if err != nil {
			return err
		}
		if requeue {
			tx.Enqueue(opFromMessage(m, OpUpdateMessage))
		}
		tx.Emit(bus.MessageUpdated, m)
		out = m
		return nil
	})
	return out, err
}

// GetPendingMessages lists every pending message across chats, oldest first.
func (s *Store) GetPendingMessages() []Message {
	out := []Message{}
	s.View(func(tx *Tx) {
		for _, c := range tx.Chats() {
			for _, m := range tx.Messages(c.Key()) {
				if m.SyncStatus == StatusPending {
					out = append(out, m)
				}
			}
		}
	})
	sortMessages(out)
	return out
}

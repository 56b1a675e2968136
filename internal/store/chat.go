package store

import (
	"sort"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/ids"
)

// CreateChat mints a local chat in pending state. An empty userID defaults to
// the store owner.
func (s *Store) CreateChat(mode, title, profileID, userID string) (Chat, error) {
	var out Chat
	err := s.Apply(func(tx *Tx) error {
		c, err := s.createChat(tx, mode, title, profileID, userID)
		out = c
		return err
	})
	return out, err
}

func (s *Store) createChat(tx *Tx, mode, title, profileID, userID string) (Chat, error) {
	if userID == "" {
		userID = s.userID
	}
	now := tx.Now()
	c, err := tx.InsertChat(Chat{
		LocalID:       ids.NewLocalID(),
		Mode:          mode,
		Title:         title,
		ProfileID:     profileID,
		UserID:        userID,
		CreatedAt:     now,
		LastMessageAt: now,
		SyncStatus:    StatusPending,
		Rev:           1,
	})
	if err != nil {
		return Chat{}, err
	}
	tx.Emit(bus.ChatCreated, c)
	return c, nil
}

// GetChat resolves a local or remote id.
func (s *Store) GetChat(id string) (Chat, bool) {
	var c Chat
	var ok bool
	s.View(func(tx *Tx) { c, ok = tx.Chat(id) })
	return c, ok
}

// GetChats lists chats in mode (all modes when empty), narrowed to profileID
// when given, most recent activity first.
func (s *Store) GetChats(mode, profileID string) []Chat {
	var out []Chat
	s.View(func(tx *Tx) { out = chatsInScope(tx, mode, profileID) })
	return out
}

func chatsInScope(tx *Tx, mode, profileID string) []Chat {
	out := []Chat{}
	for _, c := range tx.Chats() {
		if mode != "" && c.Mode != mode {
			continue
		}
		if profileID != "" && c.ProfileID != profileID {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LastMessageAt != b.LastMessageAt {
			return a.LastMessageAt > b.LastMessageAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.Seq > b.Seq
	})
	return out
}

// GetOrCreateChat returns the most recent unarchived chat in scope, creating
// one when none exists. The bool reports whether a chat was created.
func (s *Store) GetOrCreateChat(mode, profileID, userID string) (Chat, bool, error) {
	var out Chat
	var created bool
	err := s.Apply(func(tx *Tx) error {
		for _, c := range chatsInScope(tx, mode, profileID) {
			if !c.IsArchived {
				out = c
				return nil
			}
		}
		c, err := s.createChat(tx, mode, "", profileID, userID)
		out, created = c, err == nil
		return err
	})
	return out, created, err
}

// UpdateChat applies u. Any real change bumps the revision and puts the chat
// back in pending so the edit reaches the remote.
func (s *Store) UpdateChat(id string, u ChatUpdate) (Chat, error) {
	var out Chat
	err := s.Apply(func(tx *Tx) error {
		cur, ok := tx.Chat(id)
		if !ok {
			return errs.Errorf(errs.NotFound, "update chat", "chat %s not found", id)
		}
		next := cur
		if u.Mode != nil {
			next.Mode = *u.Mode
		}
		if u.Title != nil {
			next.Title = *u.Title
		}
		if u.ProfileID != nil {
			next.ProfileID = *u.ProfileID
		}
		if u.IsArchived != nil {
			next.IsArchived = *u.IsArchived
		}
		if next == cur {
			out = cur
			return nil
		}
		next.Rev++
		next.SyncStatus = StatusPending
		next.LastError = ""
		c, err := tx.ReplaceChat(next)
		if err != nil {
			return err
		}
		tx.Emit(bus.ChatUpdated, c)
		out = c
		return nil
	})
	return out, err
}

// DeleteChat removes a chat and everything it owns.
func (s *Store) DeleteChat(id string) error {
	return s.Apply(func(tx *Tx) error {
		c, ok := tx.RemoveChat(id)
		if !ok {
			return errs.Errorf(errs.NotFound, "delete chat", "chat %s not found", id)
		}
		tx.Emit(bus.ChatDeleted, c)
		return nil
	})
}

// DeleteAllChats removes every chat and returns how many there were.
func (s *Store) DeleteAllChats() int {
	n := 0
	_ = s.Apply(func(tx *Tx) error {
		for _, c := range tx.Chats() {
			tx.RemoveChat(c.Key())
			n++
		}
		if n > 0 {
			tx.Emit(bus.ChatsCleared, map[string]any{"count": n})
		}
		return nil
	})
	return n
}

// Package sync folds remote-origin chats and messages into the local store
// and pulls fresh copies from the remote service.
package sync

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/ids"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// MergeResult counts what a merge did.
type MergeResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	// Kept counts records where an unsynced local copy won.
	Kept    int `json:"kept"`
	Skipped int `json:"skipped"`
}

func (r MergeResult) changed() bool {
	return r.Inserted+r.Updated > 0
}

// Engine handles idempotent merging of remote records into the store. Records
// are matched by identifier only, never by content.
type Engine struct {
	store  *store.Store
	logger *zap.Logger
}

// NewEngine creates a new merge engine.
func NewEngine(st *store.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, logger: logger.Named("merge")}
}

// MergeRemoteChats folds a batch of remote chats into the store. Unknown
// chats are inserted as synced; known synced chats take the remote fields;
// pending or failed local chats keep their fields. Deleted-locally chats are
// not resurrected. Applying the same batch twice changes nothing.
func (e *Engine) MergeRemoteChats(chats []remote.Chat) MergeResult {
	var res MergeResult
	_ = e.store.Apply(func(tx *store.Tx) error {
		for _, rc := range chats {
			e.mergeChat(tx, rc, &res)
		}
		if res.changed() {
			tx.Emit(bus.MergeCompleted, map[string]any{"kind": "chats", "result": res})
		}
		return nil
	})
	return res
}

func (e *Engine) mergeChat(tx *store.Tx, rc remote.Chat, res *MergeResult) {
	if err := ids.ValidateRemoteID(rc.ID); err != nil {
		e.logger.Warn("skipping remote chat", zap.String("chat_id", rc.ID), zap.Error(err))
		res.Skipped++
		return
	}
	if tx.IsTombstoned(rc.ID) {
		res.Skipped++
		return
	}

	local, ok := tx.Chat(rc.ID)
	if !ok && ids.IsLocalID(rc.ClientID) {
		// Our own upload whose acknowledgement never arrived.
		if c, found := tx.Chat(rc.ClientID); found && c.RemoteID == "" {
			c.RemoteID = rc.ID
			bound, err := tx.ReplaceChat(c)
			if err != nil {
				e.logger.Warn("binding remote chat failed", zap.String("chat_id", rc.ID), zap.Error(err))
				res.Skipped++
				return
			}
			local, ok = bound, true
			res.Updated++
			tx.Emit(bus.ChatMerged, bound)
		}
	}

	if !ok {
		c, err := tx.InsertChat(store.Chat{
			RemoteID:      rc.ID,
			Mode:          rc.Mode,
			Title:         rc.Title,
			ProfileID:     rc.ProfileID,
			UserID:        rc.UserID,
			CreatedAt:     rc.CreatedAt,
			LastMessageAt: max(rc.LastMessageAt, rc.CreatedAt),
			IsArchived:    rc.IsArchived,
			SyncStatus:    store.StatusSynced,
			Rev:           1,
		})
		if err != nil {
			e.logger.Warn("skipping remote chat", zap.String("chat_id", rc.ID), zap.Error(err))
			res.Skipped++
			return
		}
		res.Inserted++
		tx.Emit(bus.ChatMerged, c)
		return
	}

	if local.SyncStatus != store.StatusSynced {
		res.Kept++
		return
	}
	next := local
	next.Mode = rc.Mode
	next.Title = rc.Title
	next.ProfileID = rc.ProfileID
	next.IsArchived = rc.IsArchived
	next.LastMessageAt = max(local.LastMessageAt, rc.LastMessageAt)
	if next == local {
		res.Unchanged++
		return
	}
	c, err := tx.ReplaceChat(next)
	if err != nil {
		e.logger.Warn("skipping remote chat", zap.String("chat_id", rc.ID), zap.Error(err))
		res.Skipped++
		return
	}
	res.Updated++
	tx.Emit(bus.ChatMerged, c)
}

// MergeRemoteMessages folds the remote messages of one chat into the store.
// A message already present under the same id or remote id is never
// duplicated, and a local pending or failed message is never overwritten.
func (e *Engine) MergeRemoteMessages(remoteChatID string, msgs []remote.Message) (MergeResult, error) {
	var res MergeResult
	sorted := append([]remote.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })

	err := e.store.Apply(func(tx *store.Tx) error {
		if tx.IsTombstoned(remoteChatID) {
			res.Skipped += len(sorted)
			return nil
		}
		chat, ok := tx.Chat(remoteChatID)
		if !ok {
			return errs.Errorf(errs.NotFound, "merge messages", "chat %s not found", remoteChatID)
		}
		for _, rm := range sorted {
			e.mergeMessage(tx, chat.Key(), rm, &res)
		}
		if res.changed() {
			tx.Emit(bus.MergeCompleted, map[string]any{"kind": "messages", "chat_id": chat.Key(), "result": res})
		}
		return nil
	})
	return res, err
}

func (e *Engine) mergeMessage(tx *store.Tx, chatKey string, rm remote.Message, res *MergeResult) {
	if err := ids.ValidateRemoteID(rm.ID); err != nil {
		e.logger.Warn("skipping remote message", zap.String("chat_id", chatKey), zap.String("msg_id", rm.ID), zap.Error(err))
		res.Skipped++
		return
	}

	local, ok := tx.Message(chatKey, rm.ID)
	if !ok && ids.IsLocalID(rm.ClientID) {
		if m, found := tx.Message(chatKey, rm.ClientID); found && m.RemoteID == "" {
			e.adoptUpload(tx, m, rm, res)
			return
		}
	}

	if !ok {
		m, err := tx.PutMessage(store.Message{
			ID:         rm.ID,
			RemoteID:   rm.ID,
			ChatID:     chatKey,
			Role:       store.Role(rm.Role),
			Content:    rm.Content,
			Metadata:   rm.Metadata,
			CreatedAt:  rm.CreatedAt,
			IsFavorite: rm.IsFavorite,
			SyncStatus: store.StatusSynced,
			Rev:        1,
		})
		if err != nil {
			e.logger.Warn("skipping remote message", zap.String("chat_id", chatKey), zap.String("msg_id", rm.ID), zap.Error(err))
			res.Skipped++
			return
		}
		res.Inserted++
		tx.Emit(bus.MessageMerged, m)
		return
	}

	if local.SyncStatus != store.StatusSynced {
		res.Kept++
		return
	}
	next := local
	next.Role = store.Role(rm.Role)
	next.Content = rm.Content
	next.Metadata = rm.Metadata
	next.IsFavorite = rm.IsFavorite
	if local.RemoteID == "" {
		next.RemoteID = rm.ID
	}
	if sameMessage(local, next) {
		res.Unchanged++
		return
	}
	m, err := tx.PutMessage(next)
	if err != nil {
		e.logger.Warn("skipping remote message", zap.String("chat_id", chatKey), zap.String("msg_id", rm.ID), zap.Error(err))
		res.Skipped++
		return
	}
	res.Updated++
	tx.Emit(bus.MessageMerged, m)
}

// adoptUpload binds a remote message to the local message it was uploaded
// from, when the upload succeeded but its acknowledgement was lost.
func (e *Engine) adoptUpload(tx *store.Tx, m store.Message, rm remote.Message, res *MergeResult) {
	m.RemoteID = rm.ID
	tx.RemoveOp(m.ChatID, m.ID)
	if m.IsFavorite == rm.IsFavorite {
		m.SyncStatus = store.StatusSynced
		m.LastError = ""
	} else {
		m.SyncStatus = store.StatusPending
	}
	bound, err := tx.PutMessage(m)
	if err != nil {
		e.logger.Warn("binding remote message failed", zap.String("msg_id", rm.ID), zap.Error(err))
		res.Skipped++
		return
	}
	if bound.SyncStatus == store.StatusPending {
		tx.Enqueue(store.PendingOperation{
			ID:        bound.ID,
			ChatID:    bound.ChatID,
			Kind:      store.OpUpdateMessage,
			Role:      bound.Role,
			Content:   bound.Content,
			Metadata:  bound.Metadata,
			CreatedAt: bound.CreatedAt,
		})
	}
	res.Updated++
	tx.Emit(bus.MessageMerged, bound)
}

func sameMessage(a, b store.Message) bool {
	return a.Role == b.Role &&
		a.Content == b.Content &&
		a.IsFavorite == b.IsFavorite &&
		a.RemoteID == b.RemoteID &&
		sameMetadata(a.Metadata, b.Metadata)
}

// sameMetadata compares metadata as it reads back from a snapshot, where
// every JSON number is a float64.
func sameMetadata(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return reflect.DeepEqual(jsonForm(a), jsonForm(b))
}

func jsonForm(m map[string]any) any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

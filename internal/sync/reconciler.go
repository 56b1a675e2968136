package sync

import (
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler manages pull checkpoints. They live in the store snapshot so
// they share its lifecycle and storage.
type Reconciler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(st *store.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: st, logger: logger}
}

// ScopeKey names the checkpoint for a chat-list scope.
func ScopeKey(mode, profileID string) string {
	return "chats:" + mode + "/" + profileID
}

// ChatKey names the checkpoint for one chat's messages.
func ChatKey(remoteChatID string) string {
	return "messages:" + remoteChatID
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key string, value int64) error {
	return r.store.Apply(func(tx *store.Tx) error {
		if tx.Checkpoint(key) == value {
			return nil
		}
		tx.SetCheckpoint(key, value)
		return nil
	})
}

// GetCheckpoint retrieves a sync checkpoint value. Zero means never.
func (r *Reconciler) GetCheckpoint(key string) int64 {
	var v int64
	r.store.View(func(tx *store.Tx) { v = tx.Checkpoint(key) })
	return v
}

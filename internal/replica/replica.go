// Package replica ties one user's store, merge engine, puller and upload
// queue together, and manages which user's replica is open.
package replica

import (
	"context"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Replica is a signed-in user's local-first view of their chats. Reads and
// local writes go through the embedded store; the remaining methods reach
// the remote service.
type Replica struct {
	*store.Store

	Engine *chatsync.Engine
	Puller *chatsync.Puller
	Queue  *outbox.Queue
	Remote remote.ChatService

	db     *store.DB
	lock   *lock.Lock
	logger *zap.Logger
}

// SyncNow uploads pending records. Concurrent callers share one pass.
func (r *Replica) SyncNow(ctx context.Context) (outbox.Result, error) {
	return r.Queue.SyncNow(ctx)
}

// RetryFailed re-marks failed records pending and runs a pass.
func (r *Replica) RetryFailed(ctx context.Context) (outbox.Result, error) {
	return r.Queue.RetryFailed(ctx)
}

// SetOnline records connectivity for the upload queue.
func (r *Replica) SetOnline(v bool) {
	r.Queue.SetOnline(v)
}

// State returns the sync lifecycle state.
func (r *Replica) State() status.State {
	return r.Queue.Status().Current()
}

// Refresh pulls the remote copy of a scope and merges it. When the remote
// is slow or unreachable the local chats come back with the error.
func (r *Replica) Refresh(ctx context.Context, mode, profileID string) ([]store.Chat, error) {
	return r.Puller.Refresh(ctx, mode, profileID)
}

// LoadChat returns a chat and its messages, fetching them when they are not
// held locally.
func (r *Replica) LoadChat(ctx context.Context, id string) (store.Chat, []store.Message, error) {
	return r.Puller.LoadChat(ctx, id)
}

// MergeRemoteChats folds remote chats into the store.
func (r *Replica) MergeRemoteChats(chats []remote.Chat) chatsync.MergeResult {
	return r.Engine.MergeRemoteChats(chats)
}

// MergeRemoteMessages folds a remote chat's messages into the store.
func (r *Replica) MergeRemoteMessages(remoteChatID string, msgs []remote.Message) (chatsync.MergeResult, error) {
	return r.Engine.MergeRemoteMessages(remoteChatID, msgs)
}

// Subscribe registers a synchronous handler for events in namespace. The
// handler may read and write the replica. Events from its own writes are
// delivered after it returns. It should not block: a slow handler delays
// every later event and the write that published it.
func (r *Replica) Subscribe(namespace string, fn bus.Handler) func() {
	return r.Bus().Subscribe(namespace, fn)
}

// Watch returns a buffered channel of events in namespace.
func (r *Replica) Watch(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return r.Bus().Watch(namespace, bufSize)
}

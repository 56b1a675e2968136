package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Namespaces are the part before the first dot.
const (
	ChatCreated      = "chat.created"
	ChatMerged       = "chat.merged"
	ChatUpdated      = "chat.updated"
	ChatDeleted      = "chat.deleted"
	ChatsCleared     = "chat.cleared"
	ChatSynced       = "chat.synced"
	ChatSyncFailed   = "chat.sync_failed"
	MessageAdded     = "message.added"
	MessageMerged    = "message.merged"
	MessageUpdated   = "message.updated"
	MessageSynced    = "message.synced"
	MessageFailed    = "message.sync_failed"
	OutboxEvicted    = "outbox.evicted"
	StorageWarning   = "storage.warning"
	StorageRecovered = "storage.recovered"
	SyncStarted      = "sync.started"
	SyncFinished     = "sync.finished"
	SyncStatus       = "sync.status_changed"
	MergeCompleted   = "merge.completed"
	SessionSignedIn  = "session.signed_in"
	SessionSignedOut = "session.signed_out"
)

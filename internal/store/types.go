package store

// SyncStatus tags whether a record has reached the remote store of record.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Chat is one conversation. LocalID is minted on this device and never
// changes; RemoteID is assigned once by the remote and never changes after.
// A chat that arrived from the remote carries only a RemoteID.
type Chat struct {
	LocalID       string     `json:"local_id,omitempty" validate:"required_without=RemoteID"`
	RemoteID      string     `json:"remote_id,omitempty"`
	Mode          string     `json:"mode" validate:"required,max=64"`
	Title         string     `json:"title" validate:"max=512"`
	ProfileID     string     `json:"profile_id,omitempty" validate:"max=128"`
	UserID        string     `json:"user_id,omitempty" validate:"max=128"`
	CreatedAt     int64      `json:"created_at"`
	LastMessageAt int64      `json:"last_message_at"`
	IsArchived    bool       `json:"is_archived"`
	SyncStatus    SyncStatus `json:"sync_status" validate:"oneof=pending synced failed"`
	Rev           int64      `json:"rev"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt int64      `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Seq           int64      `json:"seq"`
}

// Key is the chat's stable identity inside the store: the local id when one
// was minted, otherwise the remote id.
func (c Chat) Key() string {
	if c.LocalID != "" {
		return c.LocalID
	}
	return c.RemoteID
}

// Message belongs to exactly one chat, referenced by the chat's Key.
type Message struct {
	ID            string         `json:"id" validate:"required,max=256"`
	RemoteID      string         `json:"remote_id,omitempty"`
	ChatID        string         `json:"chat_id" validate:"required"`
	Role          Role           `json:"role" validate:"oneof=user assistant system"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	IsFavorite    bool           `json:"is_favorite"`
	SyncStatus    SyncStatus     `json:"sync_status" validate:"oneof=pending synced failed"`
	Rev           int64          `json:"rev"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt int64          `json:"last_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Seq           int64          `json:"seq"`
}

// OpKind says which remote write a pending operation stands for.
type OpKind string

const (
	OpCreateMessage OpKind = "create_message"
	OpUpdateMessage OpKind = "update_message"
)

// PendingOperation is a durable outbox entry for a message write, keyed by
// (ChatID, ID).
type PendingOperation struct {
	ID            string         `json:"id"`
	ChatID        string         `json:"chat_id"`
	Kind          OpKind         `json:"kind"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt int64          `json:"last_attempt_at,omitempty"`
	Seq           int64          `json:"seq"`
}

// ChatUpdate holds the fields UpdateChat may change. Nil means unchanged.
type ChatUpdate struct {
	Mode       *string
	Title      *string
	ProfileID  *string
	IsArchived *bool
}

// Stats is computed from the store state at call time.
type Stats struct {
	PendingChats    int  `json:"pending_chats"`
	PendingMessages int  `json:"pending_messages"`
	FailedChats     int  `json:"failed_chats"`
	FailedMessages  int  `json:"failed_messages"`
	IsSyncing       bool `json:"is_syncing"`
	OutboxLength    int  `json:"outbox_length"`
	Tombstones      int  `json:"tombstones"`
	StorageDegraded bool `json:"storage_degraded"`
}

// QueueStatus describes the outbox.
type QueueStatus struct {
	Length     int                `json:"length"`
	Limit      int                `json:"limit"`
	OldestAt   int64              `json:"oldest_at,omitempty"`
	ByChat     map[string]int     `json:"by_chat"`
	Operations []PendingOperation `json:"operations"`
}

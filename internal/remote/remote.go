// Package remote is the boundary to the chat service that holds the store of
// record. Calls are slow and fallible; failures come back as *errs.Error with
// Network, Timeout, Auth, NotFound or Validation kinds.
package remote

import "context"

// Chat is a chat as the remote service returns it.
type Chat struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id,omitempty"`
	Mode          string `json:"mode"`
	Title         string `json:"title"`
	ProfileID     string `json:"profile_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	LastMessageAt int64  `json:"last_message_at"`
	IsArchived    bool   `json:"is_archived"`
}

// Message is a message as the remote service returns it.
type Message struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"client_id,omitempty"`
	ChatID     string         `json:"chat_id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	IsFavorite bool           `json:"is_favorite"`
}

// CreateChatRequest carries the local id as ClientID so a retried create can
// be recognised by the service.
type CreateChatRequest struct {
	ClientID   string `json:"client_id"`
	Mode       string `json:"mode"`
	Title      string `json:"title"`
	ProfileID  string `json:"profile_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	IsArchived bool   `json:"is_archived"`
}

// UpdateChatRequest replaces the mutable chat fields.
type UpdateChatRequest struct {
	Mode       string `json:"mode"`
	Title      string `json:"title"`
	ProfileID  string `json:"profile_id,omitempty"`
	IsArchived bool   `json:"is_archived"`
}

// CreateMessageRequest uploads one message.
type CreateMessageRequest struct {
	ClientID   string         `json:"client_id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	IsFavorite bool           `json:"is_favorite"`
}

// UpdateMessageRequest changes the mutable message fields.
type UpdateMessageRequest struct {
	IsFavorite bool `json:"is_favorite"`
}

// ChatService is the remote store of record.
type ChatService interface {
	GetChats(ctx context.Context, mode, profileID string) ([]Chat, error)
	GetMessages(ctx context.Context, chatID string) ([]Message, error)
	GetChatByID(ctx context.Context, chatID string) (Chat, error)
	CreateChat(ctx context.Context, req CreateChatRequest) (Chat, error)
	UpdateChat(ctx context.Context, chatID string, req UpdateChatRequest) (Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
	CreateMessage(ctx context.Context, chatID string, req CreateMessageRequest) (Message, error)
	UpdateMessage(ctx context.Context, chatID, messageID string, req UpdateMessageRequest) (Message, error)
}

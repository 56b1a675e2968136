// Package remotetest provides an in-memory remote.ChatService for tests.
package remotetest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Fake is an in-memory chat service. Creates are idempotent on ClientID, the
// way the real service treats idempotency tokens.
type Fake struct {
	mu       sync.Mutex
	next     int
	chats    map[string]remote.Chat
	messages map[string][]remote.Message
	offline  bool
	delay    time.Duration
	failures map[string][]error
	calls    []string
}

// New returns an empty, reachable fake.
func New() *Fake {
	return &Fake{
		chats:    make(map[string]remote.Chat),
		messages: make(map[string][]remote.Message),
		failures: make(map[string][]error),
	}
}

// SetOffline makes every call fail with a network error.
func (f *Fake) SetOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

// SetDelay makes every call wait d, or until its context ends.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// FailNext queues err as the result of the next call to method.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	f.failures[method] = append(f.failures[method], err)
	f.mu.Unlock()
}

// Calls returns the method names called so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times method was called.
func (f *Fake) CallCount(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// SeedChat stores c as if another device had created it.
func (f *Fake) SeedChat(c remote.Chat) remote.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = f.newID("r")
	}
	f.chats[c.ID] = c
	return c
}

// SeedMessage stores m under its chat as if another device had sent it.
func (f *Fake) SeedMessage(m remote.Message) remote.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = f.newID("rm")
	}
	f.messages[m.ChatID] = append(f.messages[m.ChatID], m)
	return m
}

// Chat returns the stored chat with id.
func (f *Fake) Chat(id string) (remote.Chat, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[id]
	return c, ok
}

// AllChats returns every stored chat ordered by id.
func (f *Fake) AllChats() []remote.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.Chat, 0, len(f.chats))
	for _, c := range f.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Messages returns the stored messages of a chat in upload order.
func (f *Fake) Messages(chatID string) []remote.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneMessages(f.messages[chatID])
}

func (f *Fake) newID(prefix string) string {
	f.next++
	return fmt.Sprintf("%s-%d", prefix, f.next)
}

// enter records the call and returns the injected or simulated failure.
func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return errs.E(errs.Timeout, method, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return errs.E(errs.Timeout, method, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	if f.offline {
		return errs.Errorf(errs.Network, method, "service unreachable")
	}
	return nil
}

func (f *Fake) GetChats(ctx context.Context, mode, profileID string) ([]remote.Chat, error) {
	if err := f.enter(ctx, "GetChats"); err != nil {
		return nil, err
	}
	out := []remote.Chat{}
	for _, c := range f.AllChats() {
		if mode != "" && c.Mode != mode {
			continue
		}
		if profileID != "" && c.ProfileID != profileID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) GetMessages(ctx context.Context, chatID string) ([]remote.Message, error) {
	if err := f.enter(ctx, "GetMessages"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chats[chatID]; !ok {
		return nil, errs.Errorf(errs.NotFound, "GetMessages", "chat %s not found", chatID)
	}
	return cloneMessages(f.messages[chatID]), nil
}

func (f *Fake) GetChatByID(ctx context.Context, chatID string) (remote.Chat, error) {
	if err := f.enter(ctx, "GetChatByID"); err != nil {
		return remote.Chat{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return remote.Chat{}, errs.Errorf(errs.NotFound, "GetChatByID", "chat %s not found", chatID)
	}
	return c, nil
}

func (f *Fake) CreateChat(ctx context.Context, req remote.CreateChatRequest) (remote.Chat, error) {
	if err := f.enter(ctx, "CreateChat"); err != nil {
		return remote.Chat{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Mode == "" {
		return remote.Chat{}, errs.Errorf(errs.Validation, "CreateChat", "mode is required")
	}
	if req.ClientID != "" {
		for _, c := range f.chats {
			if c.ClientID == req.ClientID {
				return c, nil
			}
		}
	}
	c := remote.Chat{
		ID:            f.newID("r"),
		ClientID:      req.ClientID,
		Mode:          req.Mode,
		Title:         req.Title,
		ProfileID:     req.ProfileID,
		UserID:        req.UserID,
		CreatedAt:     req.CreatedAt,
		LastMessageAt: req.CreatedAt,
		IsArchived:    req.IsArchived,
	}
	f.chats[c.ID] = c
	return c, nil
}

func (f *Fake) UpdateChat(ctx context.Context, chatID string, req remote.UpdateChatRequest) (remote.Chat, error) {
	if err := f.enter(ctx, "UpdateChat"); err != nil {
		return remote.Chat{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return remote.Chat{}, errs.Errorf(errs.NotFound, "UpdateChat", "chat %s not found", chatID)
	}
	c.Mode, c.Title, c.ProfileID, c.IsArchived = req.Mode, req.Title, req.ProfileID, req.IsArchived
	f.chats[chatID] = c
	return c, nil
}

func (f *Fake) DeleteChat(ctx context.Context, chatID string) error {
	if err := f.enter(ctx, "DeleteChat"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chats[chatID]; !ok {
		return errs.Errorf(errs.NotFound, "DeleteChat", "chat %s not found", chatID)
	}
	delete(f.chats, chatID)
	delete(f.messages, chatID)
	return nil
}

func (f *Fake) CreateMessage(ctx context.Context, chatID string, req remote.CreateMessageRequest) (remote.Message, error) {
	if err := f.enter(ctx, "CreateMessage"); err != nil {
		return remote.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return remote.Message{}, errs.Errorf(errs.NotFound, "CreateMessage", "chat %s not found", chatID)
	}
	if req.ClientID != "" {
		for _, m := range f.messages[chatID] {
			if m.ClientID == req.ClientID {
				return m, nil
			}
		}
	}
	m := remote.Message{
		ID:         f.newID("rm"),
		ClientID:   req.ClientID,
		ChatID:     chatID,
		Role:       req.Role,
		Content:    req.Content,
		Metadata:   maps.Clone(req.Metadata),
		CreatedAt:  req.CreatedAt,
		IsFavorite: req.IsFavorite,
	}
	f.messages[chatID] = append(f.messages[chatID], m)
	if m.CreatedAt > c.LastMessageAt {
		c.LastMessageAt = m.CreatedAt
		f.chats[chatID] = c
	}
	return m, nil
}

func (f *Fake) UpdateMessage(ctx context.Context, chatID, messageID string, req remote.UpdateMessageRequest) (remote.Message, error) {
	if err := f.enter(ctx, "UpdateMessage"); err != nil {
		return remote.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[chatID]
	for i, m := range msgs {
		if m.ID == messageID {
			m.IsFavorite = req.IsFavorite
			msgs[i] = m
			return m, nil
		}
	}
	return remote.Message{}, errs.Errorf(errs.NotFound, "UpdateMessage", "message %s not found", messageID)
}

func cloneMessages(in []remote.Message) []remote.Message {
	out := make([]remote.Message, len(in))
	for i, m := range in {
		m.Metadata = maps.Clone(m.Metadata)
		out[i] = m
	}
	return out
}

var _ remote.ChatService = (*Fake)(nil)

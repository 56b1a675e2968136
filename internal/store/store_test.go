package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/ids"
)

// tickClock returns a clock that advances one millisecond per reading.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestStore(t *testing.T, opts Options) (*Store, *MemoryPersistence) {
	t.Helper()
	p := NewMemoryPersistence()
	if opts.UserID == "" {
		opts.UserID = "u1"
	}
	if opts.Now == nil {
		opts.Now = tickClock()
	}
	s, err := Open(p, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s, p
}

func recordKinds(b *bus.Bus) (func() []string, func()) {
	var mu sync.Mutex
	var kinds []string
	unsub := b.Subscribe("", func(e bus.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), kinds...)
	}, unsub
}

func TestOpenRequiresUser(t *testing.T) {
	_, err := Open(NewMemoryPersistence(), Options{})
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCreateChat(t *testing.T) {
	s, p := newTestStore(t, Options{})

	c, err := s.CreateChat("general", "first", "p1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !ids.IsLocalID(c.LocalID) {
		t.Errorf("local id %q lacks prefix", c.LocalID)
	}
	if c.RemoteID != "" {
		t.Errorf("remote id = %q, want empty", c.RemoteID)
	}
	if c.SyncStatus != StatusPending {
		t.Errorf("status = %s, want pending", c.SyncStatus)
	}
	if c.UserID != "u1" {
		t.Errorf("user = %q, want store owner", c.UserID)
	}
	if p.Writes() != 1 {
		t.Errorf("writes = %d, want 1", p.Writes())
	}
	stats := s.GetStats()
	if stats.PendingChats != 1 || stats.PendingMessages != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCreateChatRejectsMissingMode(t *testing.T) {
	s, p := newTestStore(t, Options{})
	kinds, unsub := recordKinds(s.Bus())
	defer unsub()

	_, err := s.CreateChat("", "t", "", "")
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(s.GetChats("", "")) != 0 {
		t.Error("invalid chat was stored")
	}
	if p.Writes() != 0 {
		t.Error("invalid chat was persisted")
	}
	if len(kinds()) != 0 {
		t.Errorf("events = %v, want none", kinds())
	}
}

func TestAddMessageResolvesRemoteID(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	if _, err := s.MarkChatSynced(c.LocalID, "r1", c.Rev); err != nil {
		t.Fatal(err)
	}

	m, err := s.AddMessage("r1", RoleUser, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.ChatID != c.LocalID {
		t.Errorf("chat id = %q, want %q", m.ChatID, c.LocalID)
	}
	got, _ := s.GetChat(c.LocalID)
	if got.LastMessageAt != m.CreatedAt {
		t.Errorf("lastMessageAt = %d, want %d", got.LastMessageAt, m.CreatedAt)
	}
	if got.SyncStatus != StatusSynced {
		t.Errorf("adding a message changed chat status to %s", got.SyncStatus)
	}
	if ops := s.GetQueueStatus().Operations; len(ops) != 1 || ops[0].ID != m.ID || ops[0].Content != "hello" {
		t.Errorf("outbox = %+v", ops)
	}
}

func TestAddMessageUnknownChat(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	_, err := s.AddMessage("nope", RoleUser, "x", nil)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestAddMessageValidation(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")

	tests := []struct {
		name    string
		role    Role
		content string
		opts    []MessageOption
	}{
		{"bad role", Role("robot"), "x", nil},
		{"invalid utf8", RoleUser, "\xff\xfe", nil},
		{"failed initial status", RoleUser, "x", []MessageOption{WithStatus(StatusFailed)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddMessage(c.LocalID, tt.role, tt.content, nil, tt.opts...)
			if !errs.Is(err, errs.Validation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
	if n := len(s.GetMessagesForChat(c.LocalID)); n != 0 {
		t.Errorf("%d messages stored, want 0", n)
	}
	if n := s.GetQueueStatus().Length; n != 0 {
		t.Errorf("outbox length = %d, want 0", n)
	}
}

func TestAddMessageExplicitIDIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")

	m1, err := s.AddMessage(c.LocalID, RoleAssistant, "answer", nil, WithID("srv-1"), WithStatus(StatusSynced))
	if err != nil {
		t.Fatal(err)
	}
	if m1.RemoteID != "srv-1" || m1.SyncStatus != StatusSynced {
		t.Errorf("message = %+v", m1)
	}
	m2, err := s.AddMessage(c.LocalID, RoleAssistant, "different", nil, WithID("srv-1"))
	if err != nil {
		t.Fatal(err)
	}
	if m2.Content != "answer" {
		t.Errorf("second add replaced content with %q", m2.Content)
	}
	if n := len(s.GetMessagesForChat(c.LocalID)); n != 1 {
		t.Errorf("%d messages, want 1", n)
	}
	if n := s.GetQueueStatus().Length; n != 0 {
		t.Errorf("synced message queued %d ops", n)
	}
}

func TestMessageOrdering(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")

	add := func(content string, at int64) {
		t.Helper()
		if _, err := s.AddMessage(c.LocalID, RoleUser, content, nil, WithCreatedAt(at)); err != nil {
			t.Fatal(err)
		}
	}
	add("third", 300)
	add("first", 100)
	add("second-a", 200)
	add("second-b", 200)

	msgs := s.GetMessagesForChat(c.LocalID)
	want := []string{"first", "second-a", "second-b", "third"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestGetChatsOrderAndScope(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	a, _ := s.CreateChat("general", "a", "p1", "")
	b, _ := s.CreateChat("general", "b", "p2", "")
	_, _ = s.CreateChat("coding", "c", "p1", "")
	if _, err := s.AddMessage(a.LocalID, RoleUser, "bump", nil); err != nil {
		t.Fatal(err)
	}

	all := s.GetChats("general", "")
	if len(all) != 2 || all[0].LocalID != a.LocalID || all[1].LocalID != b.LocalID {
		t.Errorf("general chats = %+v", all)
	}
	p1 := s.GetChats("general", "p1")
	if len(p1) != 1 || p1[0].LocalID != a.LocalID {
		t.Errorf("general/p1 chats = %+v", p1)
	}
	again := s.GetChats("general", "")
	for i := range all {
		if all[i].LocalID != again[i].LocalID {
			t.Error("order not stable across reads")
		}
	}
}

func TestGetOrCreateChat(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	c1, created, err := s.GetOrCreateChat("general", "p1", "")
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}
	c2, created, err := s.GetOrCreateChat("general", "p1", "")
	if err != nil || created || c2.LocalID != c1.LocalID {
		t.Fatalf("second call: created=%v err=%v chat=%s", created, err, c2.LocalID)
	}

	archived := true
	if _, err := s.UpdateChat(c1.LocalID, ChatUpdate{IsArchived: &archived}); err != nil {
		t.Fatal(err)
	}
	c3, created, err := s.GetOrCreateChat("general", "p1", "")
	if err != nil || !created || c3.LocalID == c1.LocalID {
		t.Fatalf("after archive: created=%v err=%v", created, err)
	}
}

func TestUpdateChat(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "old", "", "")
	c, _ = s.MarkChatSynced(c.LocalID, "r1", c.Rev)

	same := "old"
	got, err := s.UpdateChat(c.LocalID, ChatUpdate{Title: &same})
	if err != nil {
		t.Fatal(err)
	}
	if got.Rev != c.Rev || got.SyncStatus != StatusSynced {
		t.Errorf("no-op update changed chat: %+v", got)
	}

	title := "new"
	got, err = s.UpdateChat("r1", ChatUpdate{Title: &title})
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "new" || got.Rev != c.Rev+1 || got.SyncStatus != StatusPending {
		t.Errorf("updated chat = %+v", got)
	}
	if got.RemoteID != "r1" {
		t.Errorf("remote id changed to %q", got.RemoteID)
	}

	if _, err := s.UpdateChat("missing", ChatUpdate{Title: &title}); !errs.Is(err, errs.NotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestDeleteChatRemovesEverything(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	_, _ = s.AddMessage(c.LocalID, RoleUser, "one", nil)
	_, _ = s.AddMessage(c.LocalID, RoleUser, "two", nil)
	keep, _ := s.CreateChat("general", "", "", "")
	_, _ = s.AddMessage(keep.LocalID, RoleUser, "stay", nil)

	if err := s.DeleteChat(c.LocalID); err != nil {
		t.Fatal(err)
	}
	if n := len(s.GetMessagesForChat(c.LocalID)); n != 0 {
		t.Errorf("%d orphan messages", n)
	}
	qs := s.GetQueueStatus()
	if qs.Length != 1 || qs.ByChat[keep.LocalID] != 1 {
		t.Errorf("queue = %+v", qs)
	}
	if len(s.Tombstones()) != 0 {
		t.Error("unsynced chat left a tombstone")
	}
	if err := s.DeleteChat(c.LocalID); !errs.Is(err, errs.NotFound) {
		t.Errorf("second delete err = %v, want not found", err)
	}
}

func TestDeleteSyncedChatLeavesTombstone(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	_, _ = s.MarkChatSynced(c.LocalID, "r9", c.Rev)

	if err := s.DeleteChat("r9"); err != nil {
		t.Fatal(err)
	}
	if ts := s.Tombstones(); len(ts) != 1 || ts[0] != "r9" {
		t.Errorf("tombstones = %v", ts)
	}
	if s.GetStats().Tombstones != 1 {
		t.Error("stats missing tombstone")
	}
	s.ClearTombstone("r9")
	if len(s.Tombstones()) != 0 {
		t.Error("tombstone not cleared")
	}
}

func TestDeleteAllChats(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	for i := 0; i < 3; i++ {
		c, _ := s.CreateChat("general", "", "", "")
		_, _ = s.AddMessage(c.LocalID, RoleUser, "x", nil)
	}
	if n := s.DeleteAllChats(); n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
	stats := s.GetStats()
	if stats.PendingChats != 0 || stats.PendingMessages != 0 || stats.OutboxLength != 0 {
		t.Errorf("stats after clear = %+v", stats)
	}
}

func TestToggleFavorite(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	c, _ = s.MarkChatSynced(c.LocalID, "r1", c.Rev)
	m, _ := s.AddMessage(c.LocalID, RoleUser, "hi", nil)
	m, err := s.MarkMessageSynced(c.LocalID, m.ID, "rm1", m.Rev)
	if err != nil {
		t.Fatal(err)
	}
	if s.GetQueueStatus().Length != 0 {
		t.Fatal("synced message still queued")
	}

	fav, err := s.ToggleFavorite("r1", "rm1")
	if err != nil {
		t.Fatal(err)
	}
	if !fav.IsFavorite || fav.SyncStatus != StatusPending || fav.Rev != m.Rev+1 {
		t.Errorf("toggled = %+v", fav)
	}
	ops := s.GetQueueStatus().Operations
	if len(ops) != 1 || ops[0].Kind != OpUpdateMessage {
		t.Errorf("ops = %+v", ops)
	}

	if _, err := s.ToggleFavorite(c.LocalID, "missing"); !errs.Is(err, errs.NotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestPendingMessagesMatchStats(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	for i := 0; i < 4; i++ {
		_, _ = s.AddMessage(c.LocalID, RoleUser, "x", nil)
	}
	m, _ := s.AddMessage(c.LocalID, RoleUser, "y", nil)
	_, _ = s.MarkMessageFailed(c.LocalID, m.ID, errors.New("boom"))

	pending := s.GetPendingMessages()
	stats := s.GetStats()
	if len(pending) != stats.PendingMessages || stats.PendingMessages != 4 {
		t.Errorf("pending=%d stats=%+v", len(pending), stats)
	}
	if stats.FailedMessages != 1 {
		t.Errorf("failed = %d, want 1", stats.FailedMessages)
	}
}

func TestMarkChatSyncedRevisionGuard(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "v1", "", "")
	sentRev := c.Rev

	title := "v2"
	if _, err := s.UpdateChat(c.LocalID, ChatUpdate{Title: &title}); err != nil {
		t.Fatal(err)
	}
	got, err := s.MarkChatSynced(c.LocalID, "r1", sentRev)
	if err != nil {
		t.Fatal(err)
	}
	if got.RemoteID != "r1" {
		t.Errorf("remote id = %q, want r1", got.RemoteID)
	}
	if got.SyncStatus != StatusPending {
		t.Errorf("status = %s, want pending after concurrent edit", got.SyncStatus)
	}

	got, err = s.MarkChatSynced(c.LocalID, "r1", got.Rev)
	if err != nil || got.SyncStatus != StatusSynced {
		t.Fatalf("second ack: %+v %v", got, err)
	}

	if _, err := s.MarkChatSynced(c.LocalID, "r2", got.Rev); !errs.Is(err, errs.Conflict) {
		t.Errorf("rebinding err = %v, want conflict", err)
	}
	got, _ = s.GetChat(c.LocalID)
	if got.RemoteID != "r1" {
		t.Errorf("remote id changed to %q", got.RemoteID)
	}
}

func TestMarkChatSyncedAfterDeleteTombstones(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	_ = s.DeleteChat(c.LocalID)

	if _, err := s.MarkChatSynced(c.LocalID, "r5", c.Rev); !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if ts := s.Tombstones(); len(ts) != 1 || ts[0] != "r5" {
		t.Errorf("tombstones = %v, want [r5]", ts)
	}
}

func TestMarkMessageSyncedRequeuesEditedMessage(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	_, _ = s.MarkChatSynced(c.LocalID, "r1", c.Rev)
	m, _ := s.AddMessage(c.LocalID, RoleUser, "hi", nil)
	sentRev := m.Rev

	if _, err := s.ToggleFavorite(c.LocalID, m.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.MarkMessageSynced(c.LocalID, m.ID, "rm1", sentRev)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != StatusPending || got.RemoteID != "rm1" {
		t.Errorf("message = %+v", got)
	}
	ops := s.GetQueueStatus().Operations
	if len(ops) != 1 || ops[0].Kind != OpUpdateMessage {
		t.Errorf("ops = %+v, want one update", ops)
	}
}

func TestMarkMessageFailedKeepsOutboxEntry(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	m, _ := s.AddMessage(c.LocalID, RoleUser, "hi", nil)

	got, err := s.MarkMessageFailed(c.LocalID, m.ID, errs.Errorf(errs.Network, "send", "unreachable"))
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != StatusFailed || got.Attempts != 1 || got.LastError == "" {
		t.Errorf("message = %+v", got)
	}
	ops := s.GetQueueStatus().Operations
	if len(ops) != 1 || ops[0].Attempts != 1 || ops[0].LastAttemptAt == 0 {
		t.Errorf("ops = %+v", ops)
	}
}

func TestRetryFailed(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")
	m, _ := s.AddMessage(c.LocalID, RoleUser, "hi", nil)
	_, _ = s.MarkChatFailed(c.LocalID, errors.New("down"))
	_, _ = s.MarkMessageFailed(c.LocalID, m.ID, errors.New("down"))

	chats, msgs := s.RetryFailed()
	if chats != 1 || msgs != 1 {
		t.Errorf("reset %d chats %d messages, want 1/1", chats, msgs)
	}
	stats := s.GetStats()
	if stats.FailedChats != 0 || stats.FailedMessages != 0 || stats.PendingChats != 1 || stats.PendingMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if s.GetQueueStatus().Length != 1 {
		t.Error("retry duplicated or lost the outbox entry")
	}
}

func TestEventsArriveInOperationOrder(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	kinds, unsub := recordKinds(s.Bus())

	c, _ := s.CreateChat("general", "", "", "")
	m, _ := s.AddMessage(c.LocalID, RoleUser, "hi", nil)
	_, _ = s.ToggleFavorite(c.LocalID, m.ID)
	_ = s.DeleteChat(c.LocalID)
	unsub()
	_, _ = s.CreateChat("general", "", "", "")

	want := []string{bus.ChatCreated, bus.MessageAdded, bus.MessageUpdated, bus.ChatDeleted}
	got := kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestHandlerMayWriteToStore(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	kinds, unsub := recordKinds(s.Bus())
	defer unsub()
	unsubReply := s.Bus().Subscribe(bus.ChatCreated, func(e bus.Event) {
		c, ok := e.Payload.(Chat)
		if !ok || c.Title != "question" {
			return
		}
		if _, err := s.AddMessage(c.LocalID, RoleAssistant, "auto reply", nil); err != nil {
			t.Errorf("AddMessage from handler: %v", err)
		}
	})
	defer unsubReply()

	done := make(chan Chat, 1)
	go func() {
		c, _ := s.CreateChat("general", "question", "", "")
		done <- c
	}()
	var c Chat
	select {
	case c = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write from a bus handler deadlocked")
	}

	if msgs := s.GetMessagesForChat(c.LocalID); len(msgs) != 1 || msgs[0].Content != "auto reply" {
		t.Errorf("messages = %+v", msgs)
	}
	want := []string{bus.ChatCreated, bus.MessageAdded}
	got := kinds()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEventPayloadIsACopy(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	var seen Chat
	unsub := s.Bus().Subscribe("chat.", func(e bus.Event) {
		if c, ok := e.Payload.(Chat); ok {
			seen = c
		}
	})
	defer unsub()

	c, _ := s.CreateChat("general", "orig", "", "")
	seen.Title = "mutated"
	got, _ := s.GetChat(c.LocalID)
	if got.Title != "orig" {
		t.Errorf("observer mutation leaked into store: %q", got.Title)
	}
}

func TestApplyRollsBackOnError(t *testing.T) {
	s, p := newTestStore(t, Options{})
	before := p.Writes()
	boom := errors.New("boom")

	err := s.Apply(func(tx *Tx) error {
		if _, err := tx.InsertChat(Chat{LocalID: ids.NewLocalID(), Mode: "general", SyncStatus: StatusPending}); err != nil {
			return err
		}
		tx.Emit(bus.ChatCreated, nil)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if n := len(s.GetChats("", "")); n != 0 {
		t.Errorf("%d chats after rollback", n)
	}
	if p.Writes() != before {
		t.Error("rolled back transaction was persisted")
	}
}

func TestReadersDuringWrites(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c, _ := s.CreateChat("general", "", "", "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = s.AddMessage(c.LocalID, RoleUser, "x", nil)
				_ = s.GetStats()
				_ = s.GetMessagesForChat(c.LocalID)
			}
		}()
	}
	wg.Wait()
	if n := len(s.GetMessagesForChat(c.LocalID)); n != 200 {
		t.Errorf("messages = %d, want 200", n)
	}
}

package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *store.Store, *remotetest.Fake) {
	t.Helper()
	st, err := store.Open(store.NewMemoryPersistence(), store.Options{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	fake := remotetest.New()
	q := NewQueue(st, fake, opts)
	t.Cleanup(q.Stop)
	return q, st, fake
}

func mustSync(t *testing.T, q *Queue) Result {
	t.Helper()
	res, err := q.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	return res
}

func TestOfflineThenSync(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	q.SetOnline(false)

	c, _ := st.CreateChat("general", "", "", "")
	content := "hello é世界\n\ttabs  and  spaces"
	m, _ := st.AddMessage(c.LocalID, store.RoleUser, content, nil)

	stats := st.GetStats()
	if stats.PendingChats != 1 || stats.PendingMessages != 1 {
		t.Fatalf("offline stats = %+v", stats)
	}
	res, err := q.SyncNow(context.Background())
	if err != nil || !res.Skipped {
		t.Fatalf("offline SyncNow = %+v, %v", res, err)
	}
	if len(fake.Calls()) != 0 {
		t.Errorf("offline pass called remote: %v", fake.Calls())
	}
	if q.Status().Current() != status.Offline {
		t.Errorf("status = %s, want OFFLINE", q.Status().Current())
	}

	q.SetOnline(true)
	res = mustSync(t, q)
	if res.ChatsSynced != 1 || res.MessagesSynced != 1 {
		t.Errorf("result = %+v", res)
	}

	got, _ := st.GetChat(c.LocalID)
	if got.RemoteID == "" || got.SyncStatus != store.StatusSynced {
		t.Errorf("chat = %+v", got)
	}
	msg, _ := st.GetMessage(c.LocalID, m.ID)
	if msg.SyncStatus != store.StatusSynced || msg.RemoteID == "" {
		t.Errorf("message = %+v", msg)
	}
	stats = st.GetStats()
	if stats.PendingChats != 0 || stats.PendingMessages != 0 || stats.OutboxLength != 0 {
		t.Errorf("stats after sync = %+v", stats)
	}
	remoteMsgs := fake.Messages(got.RemoteID)
	if len(remoteMsgs) != 1 || remoteMsgs[0].Content != content {
		t.Errorf("remote messages = %+v", remoteMsgs)
	}
	if q.Status().Current() != status.Idle {
		t.Errorf("status = %s, want IDLE", q.Status().Current())
	}
}

func TestUnreachableRemoteAbortsPass(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	c, _ := st.CreateChat("general", "", "", "")
	_, _ = st.AddMessage(c.LocalID, store.RoleUser, "hi", nil)
	fake.SetOffline(true)

	res, err := q.SyncNow(context.Background())
	if !errs.Is(err, errs.Network) || !res.Aborted {
		t.Fatalf("SyncNow = %+v, %v", res, err)
	}
	stats := st.GetStats()
	if stats.FailedChats != 1 || stats.PendingMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if fake.CallCount("CreateMessage") != 0 {
		t.Error("message sent before its chat had a remote id")
	}
	if q.Status().Current() != status.Degraded {
		t.Errorf("status = %s, want DEGRADED", q.Status().Current())
	}

	fake.SetOffline(false)
	res = mustSync(t, q)
	if res.ChatsSynced != 1 || res.MessagesSynced != 1 {
		t.Errorf("recovery pass = %+v", res)
	}
	if s := st.GetStats(); s.FailedChats+s.PendingChats+s.PendingMessages != 0 {
		t.Errorf("stats after recovery = %+v", s)
	}
}

func TestRemoteIDAssignedOnce(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	c, _ := st.CreateChat("general", "v1", "", "")
	mustSync(t, q)
	first, _ := st.GetChat(c.LocalID)

	title := "v2"
	if _, err := st.UpdateChat(c.LocalID, store.ChatUpdate{Title: &title}); err != nil {
		t.Fatal(err)
	}
	mustSync(t, q)
	mustSync(t, q)

	got, _ := st.GetChat(c.LocalID)
	if got.RemoteID != first.RemoteID {
		t.Errorf("remote id changed from %s to %s", first.RemoteID, got.RemoteID)
	}
	if n := fake.CallCount("CreateChat"); n != 1 {
		t.Errorf("CreateChat called %d times", n)
	}
	if n := fake.CallCount("UpdateChat"); n != 1 {
		t.Errorf("UpdateChat called %d times", n)
	}
	rc, _ := fake.Chat(got.RemoteID)
	if rc.Title != "v2" {
		t.Errorf("remote title = %q", rc.Title)
	}
}

func TestFailedMessageHoldsBackLaterOnes(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	c, _ := st.CreateChat("general", "", "", "")
	for _, body := range []string{"one", "two", "three"} {
		_, _ = st.AddMessage(c.LocalID, store.RoleUser, body, nil)
	}
	fake.FailNext("CreateMessage", errs.Errorf(errs.Validation, "CreateMessage", "rejected"))

	res := mustSync(t, q)
	if res.MessagesFailed != 1 || res.MessagesSynced != 0 {
		t.Errorf("first pass = %+v", res)
	}
	stats := st.GetStats()
	if stats.FailedMessages != 1 || stats.PendingMessages != 2 {
		t.Errorf("stats = %+v", stats)
	}

	res = mustSync(t, q)
	if res.MessagesSynced != 3 {
		t.Errorf("second pass = %+v", res)
	}
	got, _ := st.GetChat(c.LocalID)
	var order []string
	for _, m := range fake.Messages(got.RemoteID) {
		order = append(order, m.Content)
	}
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Errorf("remote order = %v", order)
	}
}

func TestEvictedMessageHoldsBackLaterOnes(t *testing.T) {
	st, err := store.Open(store.NewMemoryPersistence(), store.Options{UserID: "u1", OutboxLimit: 2})
	if err != nil {
		t.Fatal(err)
	}
	fake := remotetest.New()
	q := NewQueue(st, fake, Options{})
	t.Cleanup(q.Stop)

	c, _ := st.CreateChat("general", "", "", "")
	mustSync(t, q)
	q.SetOnline(false)
	var sent []store.Message
	for _, body := range []string{"one", "two", "three"} {
		m, _ := st.AddMessage(c.LocalID, store.RoleUser, body, nil)
		sent = append(sent, m)
	}
	first, _ := st.GetMessage(c.LocalID, sent[0].ID)
	if first.SyncStatus != store.StatusFailed || first.LastError != store.EvictedReason {
		t.Fatalf("oldest message = %+v, want failed by eviction", first)
	}

	q.SetOnline(true)
	res := mustSync(t, q)
	if res.MessagesSynced != 0 || fake.CallCount("CreateMessage") != 0 {
		t.Fatalf("pass uploaded past an evicted message: %+v, calls %v", res, fake.Calls())
	}
	if s := st.GetStats(); s.PendingMessages != 2 || s.FailedMessages != 1 {
		t.Errorf("stats = %+v", s)
	}

	for i := 0; i < 5 && st.GetStats().PendingMessages+st.GetStats().FailedMessages > 0; i++ {
		if _, err := q.RetryFailed(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := st.GetChat(c.LocalID)
	var order []string
	for _, m := range fake.Messages(got.RemoteID) {
		order = append(order, m.Content)
	}
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Errorf("remote order = %v", order)
	}
}

func TestChatFailureKeepsMessagesQueued(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	c, _ := st.CreateChat("general", "", "", "")
	_, _ = st.AddMessage(c.LocalID, store.RoleUser, "hi", nil)
	fake.FailNext("CreateChat", errs.Errorf(errs.Validation, "CreateChat", "bad mode"))

	res := mustSync(t, q)
	if res.ChatsFailed != 1 || res.Aborted {
		t.Errorf("result = %+v", res)
	}
	if fake.CallCount("CreateMessage") != 0 {
		t.Error("message uploaded without a remote parent")
	}
	if st.GetQueueStatus().Length != 1 {
		t.Error("message dropped from outbox")
	}
}

func TestDeletedChatIsRemovedRemotely(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	c, _ := st.CreateChat("general", "", "", "")
	mustSync(t, q)
	synced, _ := st.GetChat(c.LocalID)

	if err := st.DeleteChat(c.LocalID); err != nil {
		t.Fatal(err)
	}
	res := mustSync(t, q)
	if res.Deleted != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, ok := fake.Chat(synced.RemoteID); ok {
		t.Error("remote chat still exists")
	}
	if len(st.Tombstones()) != 0 {
		t.Error("tombstone not cleared")
	}
}

func TestFavoriteTogglePropagates(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	c, _ := st.CreateChat("general", "", "", "")
	m, _ := st.AddMessage(c.LocalID, store.RoleUser, "hi", nil)
	mustSync(t, q)

	if _, err := st.ToggleFavorite(c.LocalID, m.ID); err != nil {
		t.Fatal(err)
	}
	res := mustSync(t, q)
	if res.MessagesSynced != 1 {
		t.Errorf("result = %+v", res)
	}
	if fake.CallCount("UpdateMessage") != 1 || fake.CallCount("CreateMessage") != 1 {
		t.Errorf("calls = %v", fake.Calls())
	}
	got, _ := st.GetChat(c.LocalID)
	if rm := fake.Messages(got.RemoteID); len(rm) != 1 || !rm[0].IsFavorite {
		t.Errorf("remote messages = %+v", rm)
	}
}

func TestConcurrentSyncNowSharesOnePass(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	_, _ = st.CreateChat("general", "", "", "")
	fake.SetDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.SyncNow(context.Background())
		}()
	}
	wg.Wait()
	if n := fake.CallCount("CreateChat"); n != 1 {
		t.Errorf("CreateChat called %d times, want 1", n)
	}
}

func TestEditDuringUploadStaysPending(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	c, _ := st.CreateChat("general", "v1", "", "")
	fake.SetDelay(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.SyncNow(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	title := "v2"
	if _, err := st.UpdateChat(c.LocalID, store.ChatUpdate{Title: &title}); err != nil {
		t.Fatal(err)
	}
	<-done

	got, _ := st.GetChat(c.LocalID)
	if got.RemoteID == "" || got.SyncStatus != store.StatusPending {
		t.Fatalf("chat after racing edit = %+v", got)
	}
	fake.SetDelay(0)
	mustSync(t, q)
	rc, _ := fake.Chat(got.RemoteID)
	if rc.Title != "v2" {
		t.Errorf("remote title = %q, want v2", rc.Title)
	}
}

func TestRetryFailed(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{})
	c, _ := st.CreateChat("general", "", "", "")
	fake.SetOffline(true)
	_, _ = q.SyncNow(context.Background())
	if _, ok := st.GetChat(c.LocalID); !ok || st.GetStats().FailedChats != 1 {
		t.Fatal("chat not failed")
	}

	fake.SetOffline(false)
	res, err := q.RetryFailed(context.Background())
	if err != nil || res.ChatsSynced != 1 {
		t.Errorf("RetryFailed = %+v, %v", res, err)
	}
}

func TestOnPassAndLastResult(t *testing.T) {
	var mu sync.Mutex
	var outcomes []string
	q, st, _ := newTestQueue(t, Options{OnPass: func(r Result) {
		mu.Lock()
		outcomes = append(outcomes, r.Outcome())
		mu.Unlock()
	}})
	_, _ = st.CreateChat("general", "", "", "")
	mustSync(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0] != "ok" {
		t.Errorf("outcomes = %v", outcomes)
	}
	if q.LastResult().ChatsSynced != 1 {
		t.Errorf("last result = %+v", q.LastResult())
	}
	if st.GetStats().IsSyncing {
		t.Error("store still reports syncing")
	}
}

func TestLoopSyncsLocalWrites(t *testing.T) {
	q, st, fake := newTestQueue(t, Options{Interval: time.Hour})
	q.Start(context.Background())

	c, _ := st.CreateChat("general", "", "", "")
	_, _ = st.AddMessage(c.LocalID, store.RoleUser, "hi", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := st.GetStats()
		if s.PendingChats == 0 && s.PendingMessages == 0 && len(fake.AllChats()) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loop did not drain: stats=%+v calls=%v", s, fake.Calls())
		}
		time.Sleep(10 * time.Millisecond)
	}

	q.Stop()
	if q.Status().Current() != status.Stopped {
		t.Errorf("status = %s, want STOPPED", q.Status().Current())
	}
}

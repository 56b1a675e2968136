// Package outbox drains unsynced local records to the remote service.
package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCallTimeout bounds each remote write.
const DefaultCallTimeout = 8 * time.Second

// Result summarises one sync pass.
type Result struct {
	Skipped        bool          `json:"skipped"`
	Aborted        bool          `json:"aborted"`
	ChatsSynced    int           `json:"chats_synced"`
	ChatsFailed    int           `json:"chats_failed"`
	MessagesSynced int           `json:"messages_synced"`
	MessagesFailed int           `json:"messages_failed"`
	Deleted        int           `json:"deleted"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// Outcome labels a pass for logs and metrics.
func (r Result) Outcome() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Aborted:
		return "aborted"
	case r.ChatsFailed+r.MessagesFailed > 0:
		return "partial"
	default:
		return "ok"
	}
}

func (r Result) progressed() bool {
	return r.ChatsSynced+r.MessagesSynced+r.Deleted > 0
}

// Options configure a Queue.
type Options struct {
	// Interval is the period of the natural pass. Zero disables it.
	Interval    time.Duration
	CallTimeout time.Duration
	Status      *status.Machine
	Logger      *zap.Logger
	// OnPass is called after every pass that was not skipped.
	OnPass func(Result)
}

// Queue moves pending and failed records to the remote service. At most one
// pass runs at a time; concurrent SyncNow calls share the running pass.
type Queue struct {
	store       *store.Store
	remote      remote.ChatService
	status      *status.Machine
	logger      *zap.Logger
	interval    time.Duration
	callTimeout time.Duration
	onPass      func(Result)

	group  singleflight.Group
	online atomic.Bool
	kick   chan struct{}
	passes sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    Result
	stopped bool
	halt    context.Context
	haltAll context.CancelFunc
}

// NewQueue creates a queue that starts online and idle.
func NewQueue(st *store.Store, svc remote.ChatService, opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Status == nil {
		opts.Status = status.NewMachine(st.Bus())
	}
	q := &Queue{
		store:       st,
		remote:      svc,
		status:      opts.Status,
		logger:      opts.Logger.Named("outbox"),
		interval:    opts.Interval,
		callTimeout: opts.CallTimeout,
		onPass:      opts.OnPass,
		kick:        make(chan struct{}, 1),
	}
	q.halt, q.haltAll = context.WithCancel(context.Background())
	q.online.Store(true)
	return q
}

// Status returns the sync lifecycle machine.
func (q *Queue) Status() *status.Machine {
	return q.status
}

// Online reports whether the queue will attempt remote writes.
func (q *Queue) Online() bool {
	return q.online.Load()
}

// LastResult returns the summary of the most recent pass.
func (q *Queue) LastResult() Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// SetOnline records connectivity. Going offline makes SyncNow skip; coming
// back online triggers a pass when the queue is running.
func (q *Queue) SetOnline(v bool) {
	if q.online.Swap(v) == v {
		return
	}
	if !v {
		q.transition(status.Offline)
		q.logger.Info("queue offline")
		return
	}
	q.transition(status.Idle)
	q.logger.Info("queue online")
	q.Kick()
}

// Kick asks the running loop for a pass. Extra kicks while one is pending
// collapse into it.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// SyncNow runs one pass, or joins the pass already in flight. It skips
// while offline and after Stop.
func (q *Queue) SyncNow(ctx context.Context) (Result, error) {
	if !q.online.Load() || !q.enter() {
		return Result{Skipped: true}, nil
	}
	defer q.passes.Done()
	v, err, _ := q.group.Do("pass", func() (any, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		q.mu.Lock()
		halt := q.halt
		q.mu.Unlock()
		defer context.AfterFunc(halt, cancel)()
		return q.pass(ctx)
	})
	res, _ := v.(Result)
	return res, err
}

// enter registers a caller that may touch the store, unless the queue is
// stopped.
func (q *Queue) enter() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.passes.Add(1)
	return true
}

// RetryFailed moves failed records back to pending and runs a pass.
func (q *Queue) RetryFailed(ctx context.Context) (Result, error) {
	if !q.enter() {
		return Result{Skipped: true}, nil
	}
	defer q.passes.Done()
	chats, msgs := q.store.RetryFailed()
	q.logger.Info("retrying failed records", zap.Int("chats", chats), zap.Int("messages", msgs))
	return q.SyncNow(ctx)
}

func (q *Queue) pass(ctx context.Context) (Result, error) {
	start := time.Now()
	q.transition(status.Syncing)
	q.store.SetSyncing(true)

	var res Result
	err := q.run(ctx, &res)
	res.Duration = time.Since(start)
	if err != nil {
		res.Aborted = true
		res.Error = err.Error()
	}

	q.store.SetSyncing(false)
	if q.online.Load() {
		if err != nil || res.ChatsFailed+res.MessagesFailed > 0 {
			q.transition(status.Degraded)
		} else {
			q.transition(status.Idle)
		}
	}

	q.mu.Lock()
	q.last = res
	q.mu.Unlock()
	if q.onPass != nil {
		q.onPass(res)
	}

	fields := []zap.Field{
		zap.String("outcome", res.Outcome()),
		zap.Int("chats_synced", res.ChatsSynced),
		zap.Int("chats_failed", res.ChatsFailed),
		zap.Int("messages_synced", res.MessagesSynced),
		zap.Int("messages_failed", res.MessagesFailed),
		zap.Int("deleted", res.Deleted),
		zap.Duration("took", res.Duration),
	}
	if err != nil {
		q.logger.Warn("sync pass aborted", append(fields, zap.Error(err))...)
	} else {
		q.logger.Info("sync pass finished", fields...)
	}
	return res, err
}

// run does the work of a pass: remote deletes, then chats, then each chat's
// messages in createdAt order. An unreachable remote ends the pass; records
// not yet attempted keep their state.
func (q *Queue) run(ctx context.Context, res *Result) error {
	if err := q.pushDeletes(ctx, res); err != nil {
		return err
	}
	if err := q.pushChats(ctx, res); err != nil {
		return err
	}
	for _, key := range q.store.OutboxChats() {
		if err := abandoned(ctx); err != nil {
			return err
		}
		if err := q.pushMessages(ctx, key, res); err != nil {
			return err
		}
	}
	return nil
}

// abandoned reports a pass whose own context has ended. Records it was
// working on keep their state rather than being marked failed.
func abandoned(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.E(errs.Timeout, "sync pass", err)
	}
	return nil
}

func (q *Queue) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, q.callTimeout)
	defer cancel()
	return fn(ctx)
}

func (q *Queue) pushDeletes(ctx context.Context, res *Result) error {
	for _, rid := range q.store.Tombstones() {
		err := q.call(ctx, func(ctx context.Context) error {
			return q.remote.DeleteChat(ctx, rid)
		})
		if err != nil {
			if aerr := abandoned(ctx); aerr != nil {
				return aerr
			}
		}
		switch {
		case err == nil || errs.Is(err, errs.NotFound):
			q.store.ClearTombstone(rid)
			res.Deleted++
		case errs.Unreachable(err):
			return err
		default:
			q.logger.Warn("remote delete failed", zap.String("chat_id", rid), zap.Error(err))
		}
	}
	return nil
}

func (q *Queue) pushChats(ctx context.Context, res *Result) error {
	for _, c := range q.store.UnsyncedChats() {
		var remoteID string
		err := q.call(ctx, func(ctx context.Context) error {
			if c.RemoteID == "" {
				rc, err := q.remote.CreateChat(ctx, remote.CreateChatRequest{
					ClientID:   c.LocalID,
					Mode:       c.Mode,
					Title:      c.Title,
					ProfileID:  c.ProfileID,
					UserID:     c.UserID,
					CreatedAt:  c.CreatedAt,
					IsArchived: c.IsArchived,
				})
				remoteID = rc.ID
				return err
			}
			_, err := q.remote.UpdateChat(ctx, c.RemoteID, remote.UpdateChatRequest{
				Mode:       c.Mode,
				Title:      c.Title,
				ProfileID:  c.ProfileID,
				IsArchived: c.IsArchived,
			})
			remoteID = c.RemoteID
			return err
		})
		if err != nil {
			if aerr := abandoned(ctx); aerr != nil {
				return aerr
			}
			q.logger.Warn("chat upload failed", zap.String("chat_id", c.Key()), zap.Error(err))
			if _, merr := q.store.MarkChatFailed(c.Key(), err); merr == nil {
				res.ChatsFailed++
			}
			if errs.Unreachable(err) {
				return err
			}
			continue
		}
		synced, err := q.store.MarkChatSynced(c.Key(), remoteID, c.Rev)
		if err != nil {
			q.logger.Warn("chat ack not applied", zap.String("chat_id", c.Key()), zap.Error(err))
			continue
		}
		if synced.SyncStatus == store.StatusSynced {
			res.ChatsSynced++
		}
	}
	return nil
}

// pushMessages uploads one chat's messages in createdAt order. A message
// that fails holds back the ones after it so the remote never sees them out
// of order. So does an unsynced message with no outbox entry, which was
// evicted and waits for RetryFailed.
func (q *Queue) pushMessages(ctx context.Context, chatKey string, res *Result) error {
	chat, ok := q.store.GetChat(chatKey)
	if !ok {
		for _, op := range q.store.Ops(chatKey) {
			q.store.DropOp(op.ChatID, op.ID)
		}
		return nil
	}
	if chat.RemoteID == "" {
		return nil
	}

	queued := make(map[string]store.PendingOperation)
	for _, op := range q.store.Ops(chatKey) {
		m, ok := q.store.GetMessage(chatKey, op.ID)
		if !ok || m.SyncStatus == store.StatusSynced {
			q.store.DropOp(chatKey, op.ID)
			continue
		}
		queued[op.ID] = op
	}

	for _, m := range q.store.GetMessagesForChat(chatKey) {
		if len(queued) == 0 {
			return nil
		}
		if m.SyncStatus == store.StatusSynced {
			continue
		}
		op, ok := queued[m.ID]
		if !ok {
			q.logger.Debug("chat held back by unqueued message",
				zap.String("chat_id", chatKey),
				zap.String("msg_id", m.ID),
				zap.Int("held", len(queued)),
			)
			return nil
		}
		delete(queued, m.ID)

		var remoteID string
		err := q.call(ctx, func(ctx context.Context) error {
			if m.RemoteID != "" || op.Kind == store.OpUpdateMessage {
				target := m.RemoteID
				if target == "" {
					target = m.ID
				}
				rm, err := q.remote.UpdateMessage(ctx, chat.RemoteID, target, remote.UpdateMessageRequest{IsFavorite: m.IsFavorite})
				remoteID = rm.ID
				return err
			}
			rm, err := q.remote.CreateMessage(ctx, chat.RemoteID, remote.CreateMessageRequest{
				ClientID:   m.ID,
				Role:       string(op.Role),
				Content:    op.Content,
				Metadata:   op.Metadata,
				CreatedAt:  op.CreatedAt,
				IsFavorite: m.IsFavorite,
			})
			remoteID = rm.ID
			return err
		})
		if err != nil {
			if aerr := abandoned(ctx); aerr != nil {
				return aerr
			}
			q.logger.Warn("message upload failed",
				zap.String("chat_id", chatKey),
				zap.String("msg_id", m.ID),
				zap.Error(err),
			)
			if _, merr := q.store.MarkMessageFailed(chatKey, m.ID, err); merr == nil {
				res.MessagesFailed++
			}
			if errs.Unreachable(err) {
				return err
			}
			return nil
		}
		synced, err := q.store.MarkMessageSynced(chatKey, m.ID, remoteID, m.Rev)
		if err != nil {
			q.logger.Warn("message ack not applied", zap.String("msg_id", m.ID), zap.Error(err))
			continue
		}
		if synced.SyncStatus == store.StatusSynced {
			res.MessagesSynced++
		}
	}
	return nil
}

func (q *Queue) transition(to status.State) {
	if err := q.status.Transition(to); err != nil {
		q.logger.Debug("status transition skipped", zap.Error(err))
	}
}

// Start runs the background loop: a pass on every kick, every interval, and
// after local writes. It returns immediately.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	if q.stopped {
		q.stopped = false
		q.halt, q.haltAll = context.WithCancel(context.Background())
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	if q.status.Current() == status.Stopped {
		q.transition(status.Idle)
	}

	unsubChats := q.store.Bus().Subscribe("chat.", q.onLocalWrite)
	unsubMsgs := q.store.Bus().Subscribe("message.", q.onLocalWrite)
	go func() {
		defer close(q.done)
		defer unsubChats()
		defer unsubMsgs()
		q.loop(ctx)
	}()
	q.Kick()
}

// onLocalWrite runs inside store emission, so it only signals the loop.
func (q *Queue) onLocalWrite(evt bus.Event) {
	switch evt.Kind {
	case bus.ChatCreated, bus.ChatUpdated, bus.ChatDeleted, bus.ChatsCleared,
		bus.MessageAdded, bus.MessageUpdated:
		q.Kick()
	}
}

func (q *Queue) loop(ctx context.Context) {
	var tick <-chan time.Time
	if q.interval > 0 {
		t := time.NewTicker(q.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		case <-tick:
		}
		res, _ := q.SyncNow(ctx)
		// Records edited during the pass are left pending; go again while
		// passes make progress.
		if !res.Skipped && !res.Aborted && res.progressed() && q.hasWork() {
			q.Kick()
		}
	}
}

func (q *Queue) hasWork() bool {
	st := q.store.GetStats()
	return st.PendingChats+st.PendingMessages+st.Tombstones > 0
}

// Stop ends the loop, cancels any pass in flight and waits for it, whoever
// started it. Until Start, later SyncNow and RetryFailed calls skip, so the
// store can be closed once Stop returns.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.stopped = true
	q.haltAll()
	q.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	q.passes.Wait()
	if cancel != nil {
		q.transition(status.Stopped)
	}
}

// Package store is the local record store: the authoritative on-device copy
// of a user's chats, messages and outbox. Every mutation runs inside Apply,
// is persisted as one snapshot, and then announces itself on the bus.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"go.uber.org/zap"
)

// DefaultOutboxLimit bounds the number of pending operations kept.
const DefaultOutboxLimit = 500

// Options configure a Store.
type Options struct {
	UserID      string
	Bus         *bus.Bus
	Logger      *zap.Logger
	OutboxLimit int
	Now         func() time.Time
}

// Store holds one user's replica.
type Store struct {
	persist Persistence
	userID  string
	key     string
	bus     *bus.Bus
	logger  *zap.Logger
	limit   int
	now     func() time.Time

	// emitMu guards the events waiting to be published. They are queued in
	// commit order and published by one goroutine at a time.
	emitMu   sync.Mutex
	pending  []bus.Event
	draining bool

	mu       sync.RWMutex
	st       *state
	syncing  bool
	degraded bool
	readOnly bool
}

// Open loads the user's snapshot from p. Unreadable or missing snapshots
// yield an empty store; a snapshot from a newer format is left untouched and
// the store runs memory-only.
func Open(p Persistence, opts Options) (*Store, error) {
	if opts.UserID == "" {
		return nil, errs.Errorf(errs.Validation, "open store", "user id is required")
	}
	if p == nil {
		p = NewMemoryPersistence()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.OutboxLimit <= 0 {
		opts.OutboxLimit = DefaultOutboxLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		persist: p,
		userID:  opts.UserID,
		key:     SnapshotKey(opts.UserID),
		bus:     opts.Bus,
		logger:  opts.Logger.With(zap.String("user_id", opts.UserID)),
		limit:   opts.OutboxLimit,
		now:     opts.Now,
		st:      newState(),
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	raw, ok, err := s.persist.Get(s.key)
	if err != nil {
		s.logger.Warn("snapshot read failed, starting empty", zap.Error(err))
		s.degraded = true
		return
	}
	if !ok {
		return
	}
	st, err := decodeSnapshot(raw)
	switch {
	case errors.Is(err, errNewerSnapshot):
		s.logger.Warn("snapshot is from a newer version, running memory-only", zap.Error(err))
		s.readOnly = true
		s.degraded = true
		return
	case err != nil:
		s.logger.Warn("snapshot unreadable, starting empty", zap.Error(err))
		if err := s.persist.Set(s.key+".corrupt", raw); err != nil {
			s.logger.Warn("could not preserve unreadable snapshot", zap.Error(err))
		}
		return
	}
	s.st = st

	tx := &Tx{s: s, st: s.st}
	armed := tx.rearmPending()
	if tx.dirty {
		s.st = tx.st
	}
	s.logger.Info("snapshot loaded",
		zap.Int("chats", len(st.chats)),
		zap.Int("outbox", len(s.st.outbox)),
		zap.Int("rearmed", armed),
	)
}

// UserID returns the owner of this replica.
func (s *Store) UserID() string { return s.userID }

// Bus returns the bus events are published on.
func (s *Store) Bus() *bus.Bus { return s.bus }

// OutboxLimit returns the outbox capacity.
func (s *Store) OutboxLimit() int { return s.limit }

// Apply runs fn against a private copy of the state. If fn succeeds the copy
// becomes current, is persisted once, and the events fn emitted are published
// in order. If fn fails nothing changes.
//
// Bus handlers run after the state lock is released. A handler may write to
// the store; the events of that write are published once the handler
// returns, after the ones already queued.
func (s *Store) Apply(fn func(tx *Tx) error) error {
	s.mu.Lock()
	tx := &Tx{s: s, st: s.st}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	if tx.dirty {
		s.st = tx.st
		tx.events = append(tx.events, s.persistLocked()...)
	}
	if tx.syncing != nil {
		s.syncing = *tx.syncing
	}
	s.enqueue(tx.events)
	s.mu.Unlock()

	s.drain()
	return nil
}

// enqueue queues events for publishing. Callers hold s.mu so the queue
// order is the commit order.
func (s *Store) enqueue(events []bus.Event) {
	if len(events) == 0 {
		return
	}
	s.emitMu.Lock()
	s.pending = append(s.pending, events...)
	s.emitMu.Unlock()
}

// drain publishes queued events until none are left. If another call is
// already draining, including one further up this goroutine's stack, it
// returns at once and leaves the events to that call.
func (s *Store) drain() {
	s.emitMu.Lock()
	if s.draining {
		s.emitMu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.emitMu.Unlock()
		s.bus.Publish(ev)
		s.emitMu.Lock()
	}
	s.pending = nil
	s.draining = false
	s.emitMu.Unlock()
}

// persistLocked writes the current state. Failures degrade the store instead
// of failing the operation.
func (s *Store) persistLocked() []bus.Event {
	if s.readOnly {
		return nil
	}
	now := s.now()
	raw, err := encodeSnapshot(s.st, s.userID, now.UnixMilli())
	if err == nil {
		err = s.persist.Set(s.key, raw)
	}
	if err != nil {
		s.logger.Warn("snapshot write failed, continuing in memory", zap.Error(err))
		if s.degraded {
			return nil
		}
		s.degraded = true
		return []bus.Event{{
			Kind:      bus.StorageWarning,
			Timestamp: now,
			Payload:   map[string]any{"error": err.Error()},
		}}
	}
	if s.degraded {
		s.degraded = false
		s.logger.Info("snapshot write recovered")
		return []bus.Event{{Kind: bus.StorageRecovered, Timestamp: now}}
	}
	return nil
}

// Flush persists the current state outside of any mutation.
func (s *Store) Flush() error {
	s.mu.Lock()
	s.enqueue(s.persistLocked())
	degraded := s.degraded
	s.mu.Unlock()
	s.drain()
	if degraded && !s.readOnly {
		return errs.Errorf(errs.Storage, "flush", "snapshot could not be written")
	}
	return nil
}

// Degraded reports whether the last write to persistence failed or the
// snapshot could not be trusted.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// View runs fn with a read-only transaction.
func (s *Store) View(fn func(tx *Tx)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&Tx{s: s, st: s.st, readOnly: true})
}

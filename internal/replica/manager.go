package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// RemoteFactory builds the remote client for a user.
type RemoteFactory func(userID string) (remote.ChatService, error)

// Options configure a Manager.
type Options struct {
	// Bus is shared by every replica the manager opens, so watchers survive
	// a user switch.
	Bus    *bus.Bus
	Logger *zap.Logger
	Remote RemoteFactory

	OutboxLimit  int
	Interval     time.Duration
	CallTimeout  time.Duration
	FetchTimeout time.Duration
	// Background starts the upload loop on sign-in.
	Background bool
	OnPass     func(outbox.Result)
}

// Manager owns at most one open replica at a time.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	current *Replica
}

// NewManager creates a manager with nobody signed in.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	return &Manager{opts: opts, logger: opts.Logger}
}

// Bus returns the bus every replica publishes on.
func (m *Manager) Bus() *bus.Bus {
	return m.opts.Bus
}

// Current returns the open replica, or nil.
func (m *Manager) Current() *Replica {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Active returns the open replica or an Auth error when nobody is signed in.
func (m *Manager) Active() (*Replica, error) {
	if r := m.Current(); r != nil {
		return r, nil
	}
	return nil, errs.Errorf(errs.Auth, "replica", "not signed in")
}

// Stats returns the open replica's stats. ok is false when nobody is
// signed in.
func (m *Manager) Stats() (stats store.Stats, ok bool) {
	r := m.Current()
	if r == nil {
		return store.Stats{}, false
	}
	return r.GetStats(), true
}

// SignIn opens userID's replica. Signing in as the current user returns the
// open replica; signing in as someone else requires SignOut or SwitchUser.
func (m *Manager) SignIn(ctx context.Context, userID string) (*Replica, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signInLocked(ctx, userID)
}

func (m *Manager) signInLocked(ctx context.Context, userID string) (*Replica, error) {
	if err := session.ValidateUserID(userID); err != nil {
		return nil, errs.E(errs.Validation, "sign in", err)
	}
	if m.current != nil {
		if m.current.UserID() == userID {
			return m.current, nil
		}
		return nil, errs.Errorf(errs.Conflict, "sign in", "already signed in as %q", m.current.UserID())
	}
	if m.opts.Remote == nil {
		return nil, errs.Errorf(errs.Internal, "sign in", "no remote configured")
	}

	r, err := m.open(userID)
	if err != nil {
		return nil, err
	}
	if m.opts.Background {
		r.Queue.Start(context.WithoutCancel(ctx))
	}
	m.current = r
	m.logger.Info("signed in", zap.String("user_id", userID))
	m.opts.Bus.Publish(bus.Event{Kind: bus.SessionSignedIn, Timestamp: time.Now(), Payload: userID})
	return r, nil
}

func (m *Manager) open(userID string) (_ *Replica, err error) {
	if err := session.EnsureDir(userID); err != nil {
		return nil, errs.E(errs.Storage, "sign in", err)
	}
	lk, err := lock.Acquire(session.Dir(userID), userID)
	if err != nil {
		return nil, errs.E(errs.Conflict, "sign in", err)
	}
	m.logger.Debug("replica lock acquired", zap.String("user_id", userID), zap.String("path", lk.Path()))
	defer func() {
		if err != nil {
			_ = lk.Release()
		}
	}()

	db, err := store.OpenDB(session.DBPath(userID))
	if err != nil {
		return nil, errs.E(errs.Storage, "sign in", err)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	if res, err := db.Migrate(); err != nil {
		return nil, errs.E(errs.Storage, "sign in", err)
	} else if res.Changed() {
		m.logger.Info("replica schema migrated", zap.String("user_id", userID),
			zap.Uint("from", res.From), zap.Uint("to", res.To))
	}

	svc, err := m.opts.Remote(userID)
	if err != nil {
		return nil, errs.E(errs.Internal, "sign in", fmt.Errorf("remote client: %w", err))
	}

	logger := m.logger.With(zap.String("user_id", userID))
	st, err := store.Open(db, store.Options{
		UserID:      userID,
		Bus:         m.opts.Bus,
		Logger:      logger.Named("store"),
		OutboxLimit: m.opts.OutboxLimit,
	})
	if err != nil {
		return nil, err
	}
	engine := chatsync.NewEngine(st, logger)
	q := outbox.NewQueue(st, svc, outbox.Options{
		Interval:    m.opts.Interval,
		CallTimeout: m.opts.CallTimeout,
		Status:      status.NewMachine(m.opts.Bus),
		Logger:      logger,
		OnPass:      m.opts.OnPass,
	})
	return &Replica{
		Store:  st,
		Engine: engine,
		Puller: chatsync.NewPuller(st, engine, svc, m.opts.FetchTimeout, logger),
		Queue:  q,
		Remote: svc,
		db:     db,
		lock:   lk,
		logger: logger,
	}, nil
}

// SignOut stops the open replica's queue, flushes and closes its storage,
// and releases its lock. Signing out with nobody signed in is a no-op.
func (m *Manager) SignOut() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signOutLocked()
}

func (m *Manager) signOutLocked() error {
	r := m.current
	if r == nil {
		return nil
	}
	m.current = nil

	r.Queue.Stop()
	var errList []error
	if err := r.Flush(); err != nil {
		errList = append(errList, err)
	}
	if err := r.db.Close(); err != nil {
		errList = append(errList, fmt.Errorf("close db: %w", err))
	}
	if err := r.lock.Release(); err != nil {
		errList = append(errList, fmt.Errorf("release lock: %w", err))
	}
	m.logger.Info("signed out", zap.String("user_id", r.UserID()))
	m.opts.Bus.Publish(bus.Event{Kind: bus.SessionSignedOut, Timestamp: time.Now(), Payload: r.UserID()})
	return errors.Join(errList...)
}

// SwitchUser signs the current user out and userID in.
func (m *Manager) SwitchUser(ctx context.Context, userID string) (*Replica, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.UserID() == userID {
		return m.current, nil
	}
	if err := m.signOutLocked(); err != nil {
		m.logger.Warn("sign out during switch", zap.Error(err))
	}
	return m.signInLocked(ctx, userID)
}

// Close signs out.
func (m *Manager) Close() error {
	return m.SignOut()
}

package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/ids"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultFetchTimeout bounds a pull from the remote service.
const DefaultFetchTimeout = 5 * time.Second

const fetchConcurrency = 4

// Puller fetches current remote data and merges it. A fetch that times out
// or fails leaves the caller with local data.
type Puller struct {
	store   *store.Store
	engine  *Engine
	remote  remote.ChatService
	recon   *Reconciler
	timeout time.Duration
	logger  *zap.Logger
}

// NewPuller creates a puller. A zero timeout means DefaultFetchTimeout.
func NewPuller(st *store.Store, engine *Engine, svc remote.ChatService, timeout time.Duration, logger *zap.Logger) *Puller {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{
		store:   st,
		engine:  engine,
		remote:  svc,
		recon:   NewReconciler(st, logger),
		timeout: timeout,
		logger:  logger.Named("pull"),
	}
}

// Reconciler returns the checkpoint tracker.
func (p *Puller) Reconciler() *Reconciler {
	return p.recon
}

// Refresh pulls the chat list for a scope and the messages of every chat in
// it, merges them, and returns the local chat list. On a remote failure the
// local list is still returned together with the error.
func (p *Puller) Refresh(ctx context.Context, mode, profileID string) ([]store.Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	chats, err := p.remote.GetChats(ctx, mode, profileID)
	if err != nil {
		p.logger.Warn("chat list fetch failed, using local data", zap.String("mode", mode), zap.Error(err))
		return p.store.GetChats(mode, profileID), err
	}
	res := p.engine.MergeRemoteChats(chats)

	var mu stdsync.Mutex
	batches := make(map[string][]remote.Message, len(chats))
	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for _, rc := range chats {
		id := rc.ID
		g.Go(func() error {
			msgs, err := p.remote.GetMessages(ctx, id)
			if errs.Is(err, errs.NotFound) {
				return nil
			}
			if err != nil {
				p.logger.Warn("message fetch failed", zap.String("chat_id", id), zap.Error(err))
				return err
			}
			mu.Lock()
			batches[id] = msgs
			mu.Unlock()
			return nil
		})
	}
	fetchErr := g.Wait()

	merged := 0
	for id, msgs := range batches {
		r, err := p.engine.MergeRemoteMessages(id, msgs)
		if err != nil && !errs.Is(err, errs.NotFound) {
			p.logger.Warn("message merge failed", zap.String("chat_id", id), zap.Error(err))
			continue
		}
		merged += r.Inserted + r.Updated
	}

	if fetchErr == nil {
		if err := p.recon.UpdateCheckpoint(ScopeKey(mode, profileID), time.Now().UnixMilli()); err != nil {
			p.logger.Warn("checkpoint update failed", zap.Error(err))
		}
	}
	p.logger.Info("refresh finished",
		zap.String("mode", mode),
		zap.Int("remote_chats", len(chats)),
		zap.Int("chats_inserted", res.Inserted),
		zap.Int("chats_updated", res.Updated),
		zap.Int("messages_merged", merged),
	)
	return p.store.GetChats(mode, profileID), fetchErr
}

// LoadChat returns a chat and its messages, local data first. The remote is
// consulted only when the chat is unknown locally or has a remote identity
// but no local messages yet.
func (p *Puller) LoadChat(ctx context.Context, id string) (store.Chat, []store.Message, error) {
	c, ok := p.store.GetChat(id)
	if ok {
		msgs := p.store.GetMessagesForChat(id)
		if len(msgs) > 0 || c.RemoteID == "" {
			return c, msgs, nil
		}
	} else if !ids.IsRemoteID(id) {
		return store.Chat{}, nil, errs.Errorf(errs.NotFound, "load chat", "chat %s not found", id)
	}

	remoteID := id
	if ok {
		remoteID = c.RemoteID
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if !ok {
		rc, err := p.remote.GetChatByID(ctx, remoteID)
		if err != nil {
			return store.Chat{}, nil, err
		}
		p.engine.MergeRemoteChats([]remote.Chat{rc})
	}

	rms, err := p.remote.GetMessages(ctx, remoteID)
	if err == nil {
		if _, err = p.engine.MergeRemoteMessages(remoteID, rms); err == nil {
			if cerr := p.recon.UpdateCheckpoint(ChatKey(remoteID), time.Now().UnixMilli()); cerr != nil {
				p.logger.Warn("checkpoint update failed", zap.String("chat_id", remoteID), zap.Error(cerr))
			}
		}
	}
	if err != nil {
		p.logger.Warn("message fetch failed, using local data", zap.String("chat_id", remoteID), zap.Error(err))
	}

	c, ok = p.store.GetChat(remoteID)
	if !ok {
		return store.Chat{}, nil, errs.Errorf(errs.NotFound, "load chat", "chat %s not found", id)
	}
	return c, p.store.GetMessagesForChat(c.Key()), err
}

package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/replica"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// watchBuffer bounds how far a slow watcher may fall behind before events
// are dropped for it.
const watchBuffer = 256

// StatusInfo is the reply of Status, SignIn and SignOut.
type StatusInfo struct {
	UserID     string         `json:"user_id,omitempty"`
	SignedIn   bool           `json:"signed_in"`
	State      status.State   `json:"state,omitempty"`
	Online     bool           `json:"online"`
	Stats      store.Stats    `json:"stats"`
	LastResult *outbox.Result `json:"last_result,omitempty"`
	UptimeMs   int64          `json:"uptime_ms"`
}

// RefreshInfo is the reply of Refresh. Warning is set when the remote could
// not be reached and Chats holds local data only.
type RefreshInfo struct {
	Chats   []store.Chat `json:"chats"`
	Warning string       `json:"warning,omitempty"`
}

// EventInfo is one event on a Watch stream.
type EventInfo struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	UserID     string `json:"user_id,omitempty"`
	OccurredAt int64  `json:"occurred_at_ms"`
	Payload    any    `json:"payload,omitempty"`
}

type chatList struct {
	Chats []store.Chat `json:"chats"`
}

type messageList struct {
	Messages []store.Message `json:"messages"`
}

// Server implements ControlServer over a replica manager.
type Server struct {
	manager   *replica.Manager
	logger    *zap.Logger
	startedAt time.Time
}

var _ ControlServer = (*Server)(nil)

// NewServer creates a control server.
func NewServer(m *replica.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{manager: m, logger: logger.Named("api"), startedAt: time.Now()}
}

func (s *Server) active() (*replica.Replica, error) {
	r, err := s.manager.Active()
	if err != nil {
		return nil, toStatus(err)
	}
	return r, nil
}

func (s *Server) statusInfo() StatusInfo {
	info := StatusInfo{UptimeMs: time.Since(s.startedAt).Milliseconds()}
	r := s.manager.Current()
	if r == nil {
		return info
	}
	info.UserID = r.UserID()
	info.SignedIn = true
	info.State = r.State()
	info.Online = r.Queue.Online()
	info.Stats = r.GetStats()
	if last := r.Queue.LastResult(); last != (outbox.Result{}) {
		info.LastResult = &last
	}
	return info
}

func (s *Server) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.statusInfo())
}

func (s *Server) SignIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.manager.SignIn(ctx, str(in, "user_id")); err != nil {
		return nil, toStatus(err)
	}
	return reply(s.statusInfo())
}

func (s *Server) SignOut(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.manager.SignOut(); err != nil {
		s.logger.Warn("sign out", zap.Error(err))
	}
	return reply(s.statusInfo())
}

func (s *Server) SyncNow(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	// An aborted pass still has a result worth showing.
	res, _ := r.SyncNow(ctx)
	return reply(res)
}

func (s *Server) RetryFailed(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	res, _ := r.RetryFailed(ctx)
	return reply(res)
}

func (s *Server) SetOnline(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	r.SetOnline(in.GetFields()["online"].GetBoolValue())
	return reply(s.statusInfo())
}

func (s *Server) ListChats(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	return reply(chatList{Chats: r.GetChats(str(in, "mode"), str(in, "profile_id"))})
}

func (s *Server) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	id := str(in, "chat_id")
	if _, ok := r.GetChat(id); !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "chat %q not found", id)
	}
	return reply(messageList{Messages: r.GetMessagesForChat(id)})
}

func (s *Server) CreateChat(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	c, err := r.CreateChat(str(in, "mode"), str(in, "title"), str(in, "profile_id"), r.UserID())
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(c)
}

func (s *Server) SendMessage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	role := store.Role(str(in, "role"))
	if role == "" {
		role = store.RoleUser
	}
	var metadata map[string]any
	if md := in.GetFields()["metadata"].GetStructValue(); md != nil {
		metadata = md.AsMap()
	}
	m, err := r.AddMessage(str(in, "chat_id"), role, str(in, "content"), metadata)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(m)
}

func (s *Server) ToggleFavorite(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	m, err := r.ToggleFavorite(str(in, "chat_id"), str(in, "message_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(m)
}

func (s *Server) DeleteChat(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	if err := r.DeleteChat(str(in, "chat_id")); err != nil {
		return nil, toStatus(err)
	}
	return reply(struct{}{})
}

func (s *Server) Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	chats, err := r.Refresh(ctx, str(in, "mode"), str(in, "profile_id"))
	info := RefreshInfo{Chats: chats}
	if err != nil {
		info.Warning = err.Error()
	}
	return reply(info)
}

func (s *Server) QueueStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	return reply(r.GetQueueStatus())
}

// Watch streams bus events under the requested namespace ("" for all)
// until the client goes away.
func (s *Server) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.manager.Bus().Watch(str(in, "namespace"), watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Server) envelope(evt bus.Event) (*structpb.Struct, error) {
	info := EventInfo{
		ID:         uuid.New().String(),
		Kind:       evt.Kind,
		OccurredAt: evt.Timestamp.UnixMilli(),
		Payload:    evt.Payload,
	}
	if r := s.manager.Current(); r != nil {
		info.UserID = r.UserID()
	}
	if err, ok := evt.Payload.(error); ok {
		info.Payload = map[string]any{"error": err.Error(), "kind": errs.KindOf(err)}
	}
	return toStruct(info)
}

package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix socket. The connection is established
// lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, args map[string]any, out any) error {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, reply); err != nil {
		return fromStatus(method, err)
	}
	if out == nil {
		return nil
	}
	return fromStruct(reply, out)
}

// Status reports who is signed in and how their replica is doing.
func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	var info StatusInfo
	err := c.call(ctx, "Status", nil, &info)
	return info, err
}

// SignIn opens userID's replica in the daemon.
func (c *Client) SignIn(ctx context.Context, userID string) (StatusInfo, error) {
	var info StatusInfo
	err := c.call(ctx, "SignIn", map[string]any{"user_id": userID}, &info)
	return info, err
}

// SignOut closes the open replica.
func (c *Client) SignOut(ctx context.Context) error {
	return c.call(ctx, "SignOut", nil, nil)
}

// SyncNow runs a sync pass and returns its result.
func (c *Client) SyncNow(ctx context.Context) (outbox.Result, error) {
	var res outbox.Result
	err := c.call(ctx, "SyncNow", nil, &res)
	return res, err
}

// RetryFailed re-marks failed records pending and runs a pass.
func (c *Client) RetryFailed(ctx context.Context) (outbox.Result, error) {
	var res outbox.Result
	err := c.call(ctx, "RetryFailed", nil, &res)
	return res, err
}

// SetOnline tells the daemon whether the remote is reachable.
func (c *Client) SetOnline(ctx context.Context, online bool) (StatusInfo, error) {
	var info StatusInfo
	err := c.call(ctx, "SetOnline", map[string]any{"online": online}, &info)
	return info, err
}

// ListChats returns the local chats of a scope.
func (c *Client) ListChats(ctx context.Context, mode, profileID string) ([]store.Chat, error) {
	var out chatList
	err := c.call(ctx, "ListChats", map[string]any{"mode": mode, "profile_id": profileID}, &out)
	return out.Chats, err
}

// ListMessages returns a chat's local messages in order.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	var out messageList
	err := c.call(ctx, "ListMessages", map[string]any{"chat_id": chatID}, &out)
	return out.Messages, err
}

// CreateChat creates a local chat for the signed-in user.
func (c *Client) CreateChat(ctx context.Context, mode, title, profileID string) (store.Chat, error) {
	var chat store.Chat
	err := c.call(ctx, "CreateChat", map[string]any{"mode": mode, "title": title, "profile_id": profileID}, &chat)
	return chat, err
}

// SendMessage appends a message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID string, role store.Role, content string, metadata map[string]any) (store.Message, error) {
	args := map[string]any{"chat_id": chatID, "role": string(role), "content": content}
	if len(metadata) > 0 {
		args["metadata"] = metadata
	}
	var m store.Message
	err := c.call(ctx, "SendMessage", args, &m)
	return m, err
}

// ToggleFavorite flips a message's favorite flag.
func (c *Client) ToggleFavorite(ctx context.Context, chatID, messageID string) (store.Message, error) {
	var m store.Message
	err := c.call(ctx, "ToggleFavorite", map[string]any{"chat_id": chatID, "message_id": messageID}, &m)
	return m, err
}

// DeleteChat deletes a chat and its messages.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.call(ctx, "DeleteChat", map[string]any{"chat_id": chatID}, nil)
}

// Refresh pulls a scope from the remote and returns the merged chats.
func (c *Client) Refresh(ctx context.Context, mode, profileID string) (RefreshInfo, error) {
	var info RefreshInfo
	err := c.call(ctx, "Refresh", map[string]any{"mode": mode, "profile_id": profileID}, &info)
	return info, err
}

// QueueStatus describes the outbox.
func (c *Client) QueueStatus(ctx context.Context) (store.QueueStatus, error) {
	var qs store.QueueStatus
	err := c.call(ctx, "QueueStatus", nil, &qs)
	return qs, err
}

// Watch streams events under namespace until ctx ends. The returned channel
// is closed when the stream ends.
func (c *Client) Watch(ctx context.Context, namespace string) (<-chan EventInfo, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return nil, fromStatus("Watch", err)
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fromStatus("Watch", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus("Watch", err)
	}

	ch := make(chan EventInfo, watchBuffer)
	go func() {
		defer close(ch)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			var evt EventInfo
			if err := fromStruct(msg, &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

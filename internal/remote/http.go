package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPOptions configure an HTTPClient.
type HTTPOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *zap.Logger
	// BreakerFailures is how many consecutive transport failures open the
	// breaker. Zero means 5.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open. Zero means 30s.
	BreakerCooldown time.Duration
}

// HTTPClient talks to the chat service over JSON/HTTP. Transport failures
// trip a circuit breaker so an unreachable service fails fast.
type HTTPClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewHTTPClient builds a client for opts.BaseURL.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errs.Errorf(errs.Validation, "new remote client", "base url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	logger := opts.Logger.Named("remote")

	hc := resty.New().
		SetBaseURL(base).
		SetHeader("User-Agent", "chatsync/1.0").
		SetHeader("Accept", "application/json").
		SetTimeout(opts.Timeout)
	if opts.Token != "" {
		hc.SetAuthToken(opts.Token)
	}

	failures := opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-service",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// Only transport trouble counts against the service; a 4xx is an answer.
		IsSuccessful: func(err error) bool {
			return err == nil || !(errs.Is(err, errs.Network) || errs.Is(err, errs.Timeout))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &HTTPClient{http: hc, breaker: cb, logger: logger}, nil
}

// do runs one request through the breaker and maps failures to errs kinds.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, result any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req := c.http.R().SetContext(ctx)
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		req.SetError(&errorBody{})
		resp, err := req.Execute(method, path)
		return nil, classify(ctx, op, resp, err)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.E(errs.Network, op, err)
	}
	if err != nil {
		c.logger.Debug("remote call failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func classify(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return errs.E(errs.Timeout, op, err)
		case errors.As(err, &ne) && ne.Timeout():
			return errs.E(errs.Timeout, op, err)
		default:
			return errs.E(errs.Network, op, err)
		}
	}
	if !resp.IsError() {
		return nil
	}
	detail := fmt.Errorf("status %d: %s", resp.StatusCode(), errorText(resp))
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.E(errs.Auth, op, detail)
	case code == http.StatusNotFound:
		return errs.E(errs.NotFound, op, detail)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return errs.E(errs.Timeout, op, detail)
	case code == http.StatusConflict:
		return errs.E(errs.Conflict, op, detail)
	case code >= 500 || code == http.StatusTooManyRequests:
		return errs.E(errs.Network, op, detail)
	default:
		return errs.E(errs.Validation, op, detail)
	}
}

func errorText(resp *resty.Response) string {
	if eb, ok := resp.Error().(*errorBody); ok && eb != nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	return strings.TrimSpace(resp.String())
}

func (c *HTTPClient) GetChats(ctx context.Context, mode, profileID string) ([]Chat, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	if profileID != "" {
		q.Set("profile_id", profileID)
	}
	path := "/chats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out listEnvelope[Chat]
	if err := c.do(ctx, "get chats", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *HTTPClient) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	var out listEnvelope[Message]
	if err := c.do(ctx, "get messages", http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *HTTPClient) GetChatByID(ctx context.Context, chatID string) (Chat, error) {
	var out Chat
	err := c.do(ctx, "get chat", http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateChat(ctx context.Context, req CreateChatRequest) (Chat, error) {
	var out Chat
	if err := c.do(ctx, "create chat", http.MethodPost, "/chats", req, &out); err != nil {
		return Chat{}, err
	}
	if out.ID == "" {
		return Chat{}, errs.Errorf(errs.Validation, "create chat", "response has no id")
	}
	return out, nil
}

func (c *HTTPClient) UpdateChat(ctx context.Context, chatID string, req UpdateChatRequest) (Chat, error) {
	var out Chat
	err := c.do(ctx, "update chat", http.MethodPatch, "/chats/"+url.PathEscape(chatID), req, &out)
	return out, err
}

func (c *HTTPClient) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, "delete chat", http.MethodDelete, "/chats/"+url.PathEscape(chatID), nil, nil)
}

func (c *HTTPClient) CreateMessage(ctx context.Context, chatID string, req CreateMessageRequest) (Message, error) {
	var out Message
	if err := c.do(ctx, "create message", http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", req, &out); err != nil {
		return Message{}, err
	}
	if out.ID == "" {
		return Message{}, errs.Errorf(errs.Validation, "create message", "response has no id")
	}
	return out, nil
}

func (c *HTTPClient) UpdateMessage(ctx context.Context, chatID, messageID string, req UpdateMessageRequest) (Message, error) {
	var out Message
	path := "/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID)
	err := c.do(ctx, "update message", http.MethodPatch, path, req, &out)
	return out, err
}

var _ ChatService = (*HTTPClient)(nil)

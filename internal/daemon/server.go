package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC server lifecycle for the daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the daemon's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, ctl *api.Server) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath()
	}
	if err := os.MkdirAll(session.BaseDir(), 0700); err != nil {
		return nil, err
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	api.RegisterControlServer(srv, ctl)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file. Open Watch
// streams are cut when ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}

// MetricsServer serves /metrics when an address is configured.
type MetricsServer struct {
	http   *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates the metrics endpoint. An empty metrics_addr
// disables it.
func NewMetricsServer(p Params, c *metrics.Collector, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{logger: logger}
	if p.Config.MetricsAddr == "" {
		return ms
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	ms.http = &http.Server{
		Addr:              p.Config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Start serves in the background.
func (m *MetricsServer) Start() {
	if m.http == nil {
		return
	}
	go func() {
		m.logger.Info("metrics server starting", zap.String("addr", m.http.Addr))
		if err := m.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the endpoint down.
func (m *MetricsServer) Stop(ctx context.Context) {
	if m.http == nil {
		return
	}
	if err := m.http.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}

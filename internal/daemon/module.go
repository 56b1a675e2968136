package daemon

import (
	"context"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/replica"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved daemon configuration passed to the fx module.
type Params struct {
	Config *config.Config
	// UserID is signed in on start. Empty starts the daemon signed out.
	UserID     string
	SocketPath string                // optional override for testing; empty = use default
	Logger     *zap.Logger           // optional; nil = file + stderr logger
	Remote     replica.RemoteFactory // optional; nil = HTTP client from Config.Remote
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideRemoteFactory,
			provideManager,
			provideControlServer,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(), p.UserID, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideRemoteFactory(p Params, logger *zap.Logger) replica.RemoteFactory {
	if p.Remote != nil {
		return p.Remote
	}
	rc := p.Config.Remote
	return func(string) (remote.ChatService, error) {
		return remote.NewHTTPClient(remote.HTTPOptions{
			BaseURL: rc.BaseURL,
			Token:   rc.Token,
			Timeout: rc.RequestTimeout.Std(),
			Logger:  logger,
		})
	}
}

type managerOut struct {
	fx.Out

	Manager *replica.Manager
	Metrics *metrics.Collector
}

// provideManager builds the manager and the collector together: the
// collector reads the manager's stats and the manager reports passes to it.
func provideManager(p Params, b *bus.Bus, factory replica.RemoteFactory, logger *zap.Logger) managerOut {
	var m *replica.Manager
	collector := metrics.New(func() (store.Stats, bool) { return m.Stats() })
	m = replica.NewManager(replica.Options{
		Bus:          b,
		Logger:       logger,
		Remote:       factory,
		OutboxLimit:  p.Config.Sync.OutboxLimit,
		Interval:     p.Config.Sync.Interval.Std(),
		CallTimeout:  p.Config.Remote.RequestTimeout.Std(),
		FetchTimeout: p.Config.Remote.FetchTimeout.Std(),
		Background:   true,
		OnPass:       collector.ObservePass,
	})
	return managerOut{Manager: m, Metrics: collector}
}

func provideControlServer(m *replica.Manager, logger *zap.Logger) *api.Server {
	return api.NewServer(m, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, ms *MetricsServer, m *replica.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if p.UserID != "" {
				if _, err := m.SignIn(ctx, p.UserID); err != nil {
					return err
				}
			} else {
				logger.Info("no user configured, waiting for sign-in")
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			ms.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			ms.Stop(ctx)
			if err := m.Close(); err != nil {
				logger.Warn("error closing replica", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

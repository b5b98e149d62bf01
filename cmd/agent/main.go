// Package main runs the viewer sync agent: one upstream push connection fanned out to the
// local relay, the activity feed and the optional Redis mirror.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/metricsplay/client/config"
	"github.com/metricsplay/client/internal/activity"
	"github.com/metricsplay/client/internal/api"
	"github.com/metricsplay/client/internal/auth"
	"github.com/metricsplay/client/internal/mirror"
	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/internal/realtime"
	"github.com/metricsplay/client/internal/relay"
	"github.com/metricsplay/client/internal/viewers"
	"github.com/metricsplay/client/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error("agent exited", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "metricsplay-agent",
		Short: "Run the local viewer sync relay",
		Long: `Hold one upstream push connection and fan it out to the local relay, the activity
feed and, when enabled, the Redis mirror. With --follow the hub is fed from the mirror
instead, so several agents can share one upstream connection.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, follow, logger)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "feed the hub from the Redis mirror instead of connecting upstream")
	return cmd
}

func run(ctx context.Context, follow bool, logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := auth.NewStore(cfg.Credentials.Path, cfg.Credentials.TTLDays, logger)
	if err != nil {
		return fmt.Errorf("open credentials: %w", err)
	}
	client := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout, store, logger)

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	stopWatcher, err := store.StartWatcher(ctx)
	if err != nil {
		logger.Warn("credential watcher unavailable, restart to pick up a new login", zap.Error(err))
		stopWatcher = func() {}
	}
	defer stopWatcher()

	hub := realtime.NewHub(logger)
	feed := activity.NewFeed(activity.DefaultSize, logger)
	detachFeed := feed.Attach(hub)
	defer detachFeed()

	var rdb *redis.Client
	if cfg.Redis.Enabled || follow {
		rdb, err = redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
	}

	var state relay.StateSource
	var transport *realtime.Transport
	detachTopics := func() {}
	if follow {
		m := mirror.New(rdb.Client, cfg.Redis.Prefix, logger)
		cancelFollow, err := m.Follow(ctx, hub)
		if err != nil {
			return fmt.Errorf("mirror follow: %w", err)
		}
		defer cancelFollow()
		state = hubState{hub}
		logger.Info("following mirror", zap.String("prefix", cfg.Redis.Prefix))
	} else {
		transport, err = newTransport(cfg, store, logger)
		if err != nil {
			return fmt.Errorf("realtime transport: %w", err)
		}
		transport.OnStatus(hub.SetConnected)
		detachTopics = realtime.NewMultiplexer(hub, logger).Attach(transport)

		if rdb != nil {
			m := mirror.New(rdb.Client, cfg.Redis.Prefix, logger)
			detachMirror := m.Attach(hub)
			defer detachMirror()
			go m.Run(ctx)
		}

		// A failed first attempt is retried in the background like any later drop.
		if err := transport.Connect(ctx); err != nil {
			logger.Warn("initial realtime connect failed", zap.Error(err))
		}
		state = transport
	}

	stopRecycle := watchCredentials(ctx, store, transport, logger)
	defer stopRecycle()

	viewerRegistry := viewers.NewRegistry(hub, client, logger)
	clients := relay.NewRegistry()
	handler := relay.NewHandler(hub, state, client, viewerRegistry, feed, clients, logger)
	router := relay.NewRouter(handler, store, cfg.Relay.CORSAllowedOrigins, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Relay.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Relay.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Relay.WriteTimeout) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("relay server: %w", err)
		}
	}

	clients.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay shutdown", zap.Error(err))
	}
	stopRecycle()
	detachTopics()
	if transport != nil {
		transport.Disconnect()
	}
	viewerRegistry.Close()
	cancelRun()
	hub.Close()
	logger.Info("agent stopped")
	return runErr
}

// watchCredentials logs every user change picked up from disk and, when a transport exists,
// reconnects it so the next CONNECT carries the new token. stop must run before the
// transport is disconnected for good, and is safe to call twice.
func watchCredentials(ctx context.Context, store *auth.Store, transport *realtime.Transport, logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	changed := make(chan struct{}, 1)
	first := true
	unwatch := store.Watch(func(u *models.User) {
		// The current user is replayed on subscribe.
		if first {
			first = false
			return
		}
		if u != nil {
			logger.Info("active user changed", zap.String("username", u.Username))
		} else {
			logger.Info("active user logged out")
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				if transport == nil {
					continue
				}
				logger.Info("recycling realtime channel for new credentials")
				transport.Disconnect()
				if err := transport.Connect(ctx); err != nil {
					logger.Warn("realtime reconnect after credential change failed", zap.Error(err))
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unwatch()
			cancel()
			<-done
		})
	}
}

func newTransport(cfg *config.Config, store *auth.Store, logger *zap.Logger) (*realtime.Transport, error) {
	wsURL, err := realtime.WebSocketURL(cfg.API.BaseURL, cfg.Realtime.WSPath)
	if err != nil {
		return nil, fmt.Errorf("websocket url: %w", err)
	}
	return realtime.NewTransport(realtime.TransportConfig{
		URL:               wsURL,
		Tokens:            store,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay,
		HeartbeatOutgoing: cfg.Realtime.HeartbeatOutgoing,
		HeartbeatIncoming: cfg.Realtime.HeartbeatIncoming,
		HandshakeTimeout:  cfg.Realtime.HandshakeTimeout,
	}, logger)
}

// hubState reports the mirrored connection status when no local transport exists.
type hubState struct{ hub *realtime.Hub }

func (s hubState) State() realtime.State {
	if s.hub.Connected() {
		return realtime.StateConnected
	}
	return realtime.StateDisconnected
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

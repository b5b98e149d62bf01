// Package main plays one film headlessly: it replays a recorded media-event trace through the
// telemetry player so the backend sees the same PLAY/PAUSE/PROGRESS/SEEK/ENDED stream a
// browser would send.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/metricsplay/client/config"
	"github.com/metricsplay/client/internal/api"
	"github.com/metricsplay/client/internal/auth"
	"github.com/metricsplay/client/internal/session"
	"github.com/metricsplay/client/internal/telemetry"
)

type options struct {
	filmID    int64
	tracePath string
	pace      bool
	stream    bool
	event     string
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	if err := newRootCmd(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "metricsplay-playback",
		Short: "Replay a media event trace for one film",
		Long: `Replay a recorded media event trace (JSON lines) through the telemetry player.

Examples:
  metricsplay-playback --film 3 --trace session.jsonl
  metricsplay-playback --film 3 --trace - --pace=false < session.jsonl
  metricsplay-playback --film 3 --event LIKE
`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.filmID <= 0 {
				return fmt.Errorf("--film must be a positive film id, got %d", opts.filmID)
			}
			if opts.event == "" && opts.tracePath == "" {
				return errors.New("either --trace or --event is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), logger)
		},
	}
	cmd.Flags().Int64Var(&opts.filmID, "film", 0, "film id")
	cmd.Flags().StringVar(&opts.tracePath, "trace", "", "media event trace (JSON lines); - for stdin")
	cmd.Flags().BoolVar(&opts.pace, "pace", true, "sleep between events using their at timestamps")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "download the video stream before replaying")
	cmd.Flags().StringVar(&opts.event, "event", "", "send one generic event type and exit")
	_ = cmd.MarkFlagRequired("film")
	return cmd
}

func run(ctx context.Context, opts options, stdin io.Reader, logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := auth.NewStore(cfg.Credentials.Path, cfg.Credentials.TTLDays, logger)
	if err != nil {
		return fmt.Errorf("open credentials: %w", err)
	}
	client := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout, store, logger)

	film, err := client.GetFilm(ctx, opts.filmID)
	if err != nil {
		return fmt.Errorf("load film %d: %w", opts.filmID, err)
	}
	logger.Info("film loaded", zap.Int64("film_id", film.ID), zap.String("title", film.Title))
	if !store.IsAuthenticated() {
		logger.Warn("not logged in, telemetry will be suppressed")
	}

	if opts.stream {
		if err := drainStream(ctx, client, opts.filmID, logger); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
	}

	sessionID := session.NewID(opts.filmID, store.Username(), time.Now())
	tracker := telemetry.NewTracker(client, store, sessionID, logger)
	player := telemetry.NewPlayer(strconv.FormatInt(opts.filmID, 10), tracker, telemetry.PlayerOptions{
		ProgressInterval: cfg.Telemetry.ProgressInterval,
		QueueSize:        cfg.Telemetry.QueueSize,
	}, logger)
	defer closePlayer(player, logger)

	if opts.event != "" {
		if err := player.SendEvent(ctx, opts.event); err != nil {
			return fmt.Errorf("send %s: %w", opts.event, err)
		}
		return nil
	}

	in := stdin
	if opts.tracePath != "-" {
		f, err := os.Open(opts.tracePath)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer f.Close()
		in = f
	}

	n, err := telemetry.ReplayTrace(ctx, in, player, opts.pace)
	if err != nil {
		return fmt.Errorf("replay trace after %d events: %w", n, err)
	}
	logger.Info("trace replayed", zap.Int("events", n), zap.String("session_id", sessionID))
	return nil
}

// closePlayer tears the player down, which reports a final PAUSE at the last position.
func closePlayer(p *telemetry.Player, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		logger.Warn("player close", zap.Error(err))
	}
}

func drainStream(ctx context.Context, client *api.Client, filmID int64, logger *zap.Logger) error {
	body, contentType, err := client.OpenStream(ctx, filmID)
	if err != nil {
		return err
	}
	defer body.Close()
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return err
	}
	logger.Info("stream downloaded", zap.Int64("bytes", n), zap.String("content_type", contentType))
	return nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

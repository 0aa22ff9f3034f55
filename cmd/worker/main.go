// Moderator worker: joins one room and moderates its voice session until
// the room is empty.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/mds-moderator/internal/config"
	"github.com/ashureev/mds-moderator/internal/daily"
	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/feed"
	"github.com/ashureev/mds-moderator/internal/health"
	"github.com/ashureev/mds-moderator/internal/lifecycle"
	"github.com/ashureev/mds-moderator/internal/session"
	"github.com/ashureev/mds-moderator/internal/transcript"
)

var opts struct {
	roomURL string
	token   string
	name    string
	feedURL string
	apiKey  string
}

var rootCmd = &cobra.Command{
	Use:           "worker",
	Short:         "Moderate one voice session",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var probeAddr string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the session health of a running worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		status, err := health.Probe(ctx, probeAddr)
		if err != nil {
			return err
		}
		fmt.Println(status.String())
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&opts.roomURL, "url", "u", "", "room URL")
	rootCmd.Flags().StringVarP(&opts.token, "token", "t", "", "meeting token")
	rootCmd.Flags().StringVarP(&opts.name, "name", "n", "", "bot name (default BOT_NAME)")
	rootCmd.Flags().StringVarP(&opts.feedURL, "feed", "f", "", "event feed websocket URL (default EVENT_FEED_URL)")
	rootCmd.Flags().StringVarP(&opts.apiKey, "apikey", "k", "", "Daily API key used to mint a token when --token is absent (default DAILY_API_KEY)")
	_ = rootCmd.MarkFlagRequired("url")

	probeCmd.Flags().StringVar(&probeAddr, "addr", "localhost:50051", "health server address")
	rootCmd.AddCommand(probeCmd)
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Worker failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sessionID := os.Getenv(domain.EnvSessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sc := domain.NewSessionContext(sessionID)

	logger, closeLog, err := newLogger(cfg.Worker, sc)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	botName := opts.name
	if botName == "" {
		botName = cfg.Worker.BotName
	}
	logger.Info("Worker starting",
		"session_id", sc.ID,
		"room_url", opts.roomURL,
		"bot_name", botName,
		"sprite_folder", cfg.Worker.SpriteFolder,
		"has_system_prompt", cfg.Worker.SystemPrompt != "",
	)

	policy, err := lifecycle.ParsePolicy(cfg.Lifecycle.EmptyRoomPolicy)
	if err != nil {
		return err
	}

	sink, err := newSink(cfg.Transcript, sc, logger)
	if err != nil {
		return err
	}

	feedURL, err := feedURLFor(opts.feedURL, cfg.Worker.EventFeedURL, opts.roomURL)
	if err != nil {
		_ = sink.Close()
		return err
	}
	token := opts.token
	if token == "" {
		apiKey := opts.apiKey
		if apiKey == "" {
			apiKey = cfg.Provider.APIKey
		}
		if apiKey == "" {
			_ = sink.Close()
			return errNoToken
		}
		rooms := daily.New(cfg.Provider.APIURL, apiKey, nil, logger)
		token, err = mintToken(ctx, rooms, opts.roomURL, cfg.Provider.MaxSessionTime)
		if err != nil {
			_ = sink.Close()
			return err
		}
		logger.Info("Minted meeting token", "room_url", opts.roomURL)
	}

	client, err := feed.Dial(ctx, feedURL, token, logger)
	if err != nil {
		_ = sink.Close()
		return err
	}

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	hs := health.NewServer(logger)
	go func() {
		if err := hs.Serve(healthCtx, cfg.Worker.HealthAddr); err != nil {
			logger.Error("Health server stopped", "error", err)
		}
	}()

	controller := lifecycle.New(lifecycle.Config{
		EmptyPolicy:   policy,
		IdleGrace:     cfg.Lifecycle.IdleGrace,
		NoShowTimeout: cfg.Lifecycle.NoShowTimeout,
	}, lifecycle.WithLogger(logger), lifecycle.WithObserver(hs.Observe))

	runner := session.NewRunner(session.Config{BotName: botName}, sc, controller, sink, client, client, logger)
	end, err := runner.Run(ctx)
	logger.Info("Session ended",
		"reason", end.Reason,
		"participants", end.Participants,
		"turns", runner.Log().Len(),
	)
	return err
}

// newLogger writes JSON to stdout at info (debug with DEBUG) and a full
// debug trace to <log dir>/<session stamp>_trace.log.
func newLogger(cfg config.WorkerConfig, sc domain.SessionContext) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogDir == "" {
		return slog.New(stdout), func() {}, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(cfg.LogDir, sc.Stamp()+"_trace.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace log: %w", err)
	}
	trace := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(teeHandler{stdout, trace}), func() { _ = f.Close() }, nil
}

func newSink(cfg config.TranscriptConfig, sc domain.SessionContext, logger *slog.Logger) (*transcript.Sink, error) {
	var writer transcript.EntryWriter
	switch cfg.Backend {
	case config.TranscriptS3:
		client := transcript.NewS3Client(transcript.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSKeyID,
			SecretAccessKey: cfg.AWSSecret,
		})
		writer = transcript.NewObjectWriter(client, cfg.S3Bucket, cfg.S3Prefix, sc)
	case config.TranscriptBadger:
		db, err := transcript.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return nil, err
		}
		writer = transcript.NewKVWriter(db, sc, true)
	default:
		fw, err := transcript.NewFileWriter(cfg.Dir, sc)
		if err != nil {
			return nil, err
		}
		logger.Info("Writing transcript", "path", fw.Path())
		writer = fw
	}
	return transcript.NewSink(writer,
		transcript.WithWriteTimeout(cfg.WriteTimeout),
		transcript.WithLogger(logger),
	), nil
}

var (
	errNoFeed  = errors.New("no event feed configured: pass --feed or set EVENT_FEED_URL")
	errNoToken = errors.New("no meeting token: pass --token, or --apikey or DAILY_API_KEY to mint one")
)

// roomTokens is the part of the room provider the worker uses.
type roomTokens interface {
	GetRoomByURL(ctx context.Context, roomURL string) (domain.Room, error)
	GetToken(ctx context.Context, roomURL string, ttl time.Duration) (string, error)
}

// mintToken checks the room exists and creates an owner token for it, valid
// until the room expires or for fallbackTTL when it has no expiry.
func mintToken(ctx context.Context, rooms roomTokens, roomURL string, fallbackTTL time.Duration) (string, error) {
	room, err := rooms.GetRoomByURL(ctx, roomURL)
	if err != nil {
		return "", fmt.Errorf("look up room: %w", err)
	}
	ttl := fallbackTTL
	if !room.ExpiresAt.IsZero() {
		if remaining := time.Until(room.ExpiresAt); remaining > 0 {
			ttl = remaining
		}
	}
	token, err := rooms.GetToken(ctx, roomURL, ttl)
	if err != nil {
		return "", fmt.Errorf("mint meeting token: %w", err)
	}
	return token, nil
}

// feedURLFor picks the feed endpoint and tells it which room to bridge.
func feedURLFor(flag, env, roomURL string) (string, error) {
	raw := flag
	if raw == "" {
		raw = env
	}
	if raw == "" {
		return "", errNoFeed
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if roomURL != "" {
		q := u.Query()
		q.Set("room", roomURL)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

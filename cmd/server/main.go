// Moderator launcher server: starts voice sessions and tracks their workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/mds-moderator/internal/api"
	"github.com/ashureev/mds-moderator/internal/config"
	"github.com/ashureev/mds-moderator/internal/daily"
	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/fleet"
	"github.com/ashureev/mds-moderator/internal/launcher"
	"github.com/ashureev/mds-moderator/internal/middleware"
	"github.com/ashureev/mds-moderator/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	sweepInterval   = time.Minute
	recordRetention = 24 * time.Hour
)

// workerFleet is what the server needs from a fleet backend.
type workerFleet interface {
	launcher.Fleet
	fleet.Reclaimer
}

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Start voice moderation sessions on demand",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Start one session with the default prompt and print its room",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return deploy(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateServer(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newFleet(ctx context.Context, cfg *config.Config, logger *slog.Logger) (workerFleet, func(), error) {
	switch cfg.Fleet.Backend {
	case config.FleetDocker:
		d, err := fleet.NewDocker(fleet.DockerConfig{
			Image:   cfg.Fleet.Image,
			Network: cfg.Fleet.Network,
			Runtime: cfg.Fleet.Runtime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Fleet.Network != "" {
			networkID, err := d.EnsureNetwork(ctx)
			if err != nil {
				_ = d.Close()
				return nil, nil, fmt.Errorf("ensure worker network: %w", err)
			}
			logger.Info("Worker network ready", "network_id", networkID)
		}
		return d, func() {
			if err := d.Close(); err != nil {
				logger.Error("Failed to close docker client", "error", err)
			}
		}, nil
	case config.FleetProcess:
		return fleet.NewProcess("", logger), func() {}, nil
	default:
		return fleet.NewFly(fleet.FlyConfig{
			APIHost: cfg.Fleet.APIHost,
			AppName: cfg.Fleet.AppName,
			APIKey:  cfg.Fleet.APIKey,
		}, &http.Client{Timeout: cfg.Spawn.CallTimeout}, logger), func() {}, nil
	}
}

func newLauncher(cfg *config.Config, f launcher.Fleet, registry launcher.Registry, logger *slog.Logger) *launcher.Launcher {
	rooms := daily.New(cfg.Provider.APIURL, cfg.Provider.APIKey, &http.Client{Timeout: 30 * time.Second}, logger)
	return launcher.New(launcher.Config{
		Worker: domain.WorkerSpec{
			Image:   cfg.Fleet.Image,
			Command: cfg.Fleet.Command,
			Resources: domain.Resources{
				CPUKind:  cfg.Fleet.CPUKind,
				CPUs:     cfg.Fleet.CPUs,
				MemoryMB: cfg.Fleet.MemoryMB,
			},
			AutoDestroy: true,
		}.WithEnv(domain.EnvBotName, cfg.Worker.BotName),
		SessionTTL: cfg.Provider.MaxSessionTime,
		Spawn: launcher.SpawnConfig{
			Deadline:       cfg.Spawn.Deadline,
			MaxAttempts:    cfg.Spawn.MaxAttempts,
			InitialBackoff: cfg.Spawn.InitialBackoff,
			MaxBackoff:     cfg.Spawn.MaxBackoff,
			CallTimeout:    cfg.Spawn.CallTimeout,
		},
	}, rooms, f, registry, logger)
}

func serve(ctx context.Context) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "fleet", cfg.Fleet.Backend, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	workers, closeFleet, err := newFleet(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize fleet: %w", err)
	}
	defer closeFleet()

	l := newLauncher(cfg, workers, repo, logger)
	reclaimer := launcher.NewReclaimer(repo, workers, recordRetention, logger)
	reclaimer.Start(ctx, sweepInterval)

	sessionHandler := api.NewSessionHandler(l, repo, reclaimer, cfg.Spawn.Deadline+30*time.Second)
	healthHandler := api.NewHealthHandler(repo, 2*time.Second)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// start_bot blocks until the worker is up, so writes get the spawn deadline.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Spawn.Deadline + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func deploy(ctx context.Context) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workers, closeFleet, err := newFleet(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize fleet: %w", err)
	}
	defer closeFleet()

	resp, err := newLauncher(cfg, workers, nil, logger).DeployOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("room_url: %s\ntoken: %s\n", resp.RoomURL, resp.Token)
	return nil
}

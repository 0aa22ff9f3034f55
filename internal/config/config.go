// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Fleet backends.
const (
	FleetFly     = "fly"
	FleetDocker  = "docker"
	FleetProcess = "process"
)

// Transcript backends.
const (
	TranscriptFile   = "file"
	TranscriptS3     = "s3"
	TranscriptBadger = "badger"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Provider   ProviderConfig
	Fleet      FleetConfig
	Spawn      SpawnConfig
	Lifecycle  LifecycleConfig
	Transcript TranscriptConfig
	Worker     WorkerConfig
}

// ProviderConfig configures the video room provider.
type ProviderConfig struct {
	APIKey string
	APIURL string
	// MaxSessionTime bounds room lifetime and token validity.
	MaxSessionTime time.Duration
}

// FleetConfig selects and configures the worker fleet backend.
type FleetConfig struct {
	Backend  string
	APIHost  string
	AppName  string
	APIKey   string
	Image    string
	MemoryMB int
	CPUs     int
	CPUKind  string
	Command  []string
	// Network and Runtime apply to the docker backend only.
	Network string
	Runtime string
}

// SpawnConfig bounds worker start polling.
type SpawnConfig struct {
	Deadline       time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

// LifecycleConfig holds the session end policies.
type LifecycleConfig struct {
	EmptyRoomPolicy string
	IdleGrace       time.Duration
	NoShowTimeout   time.Duration
}

// TranscriptConfig selects where conversation turns are persisted.
type TranscriptConfig struct {
	Backend      string
	Dir          string
	S3Bucket     string
	S3Prefix     string
	S3Region     string
	S3Endpoint   string
	AWSKeyID     string
	AWSSecret    string
	BadgerDir    string
	WriteTimeout time.Duration
}

// WorkerConfig holds settings read by the per-session worker.
type WorkerConfig struct {
	BotName      string
	SystemPrompt string
	SpriteFolder string
	EventFeedURL string
	HealthAddr   string
	LogDir       string
	Debug        bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/sessions.db"),
		Provider: ProviderConfig{
			APIKey:         getEnv("DAILY_API_KEY", ""),
			APIURL:         getEnv("DAILY_API_URL", "https://api.daily.co/v1"),
			MaxSessionTime: getEnvDuration("MAX_SESSION_TIME", 5*time.Minute),
		},
		Fleet: FleetConfig{
			Backend:  strings.ToLower(getEnv("FLEET_BACKEND", FleetFly)),
			APIHost:  getEnv("FLY_API_HOST", "https://api.machines.dev/v1"),
			AppName:  getEnv("FLY_APP_NAME", "mds-moderator"),
			APIKey:   getEnv("FLY_API_KEY", ""),
			Image:    getEnv("WORKER_IMAGE", ""),
			MemoryMB: getEnvInt("WORKER_MEMORY_MB", 1024),
			CPUs:     getEnvInt("WORKER_CPUS", 1),
			CPUKind:  getEnv("WORKER_CPU_KIND", "shared"),
			Command:  strings.Fields(getEnv("WORKER_COMMAND", "/app/worker")),
			Network:  getEnv("WORKER_NETWORK", ""),
			Runtime:  getEnv("CONTAINER_RUNTIME", ""),
		},
		Spawn: SpawnConfig{
			Deadline:       getEnvDuration("SPAWN_DEADLINE", 90*time.Second),
			MaxAttempts:    getEnvInt("SPAWN_MAX_ATTEMPTS", 12),
			InitialBackoff: getEnvDuration("SPAWN_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:     getEnvDuration("SPAWN_MAX_BACKOFF", 8*time.Second),
			CallTimeout:    getEnvDuration("FLEET_CALL_TIMEOUT", 10*time.Second),
		},
		Lifecycle: LifecycleConfig{
			EmptyRoomPolicy: strings.ToLower(getEnv("EMPTY_ROOM_POLICY", "grace")),
			IdleGrace:       getEnvDuration("IDLE_GRACE", 30*time.Second),
			NoShowTimeout:   getEnvDuration("NO_SHOW_TIMEOUT", 0),
		},
		Transcript: TranscriptConfig{
			Backend:      strings.ToLower(getEnv("TRANSCRIPT_BACKEND", TranscriptFile)),
			Dir:          getEnv("TRANSCRIPT_DIR", "./logs"),
			S3Bucket:     getEnv("S3_BUCKET", ""),
			S3Prefix:     getEnv("S3_PREFIX", "transcripts"),
			S3Region:     getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:   getEnv("S3_ENDPOINT", ""),
			AWSKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			AWSSecret:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
			BadgerDir:    getEnv("BADGER_DIR", "./data/transcripts"),
			WriteTimeout: getEnvDuration("SINK_WRITE_TIMEOUT", 10*time.Second),
		},
		Worker: WorkerConfig{
			BotName:      getEnv("BOT_NAME", "Chatbot"),
			SystemPrompt: getEnv("SYSTEM_PROMPT", ""),
			SpriteFolder: getEnv("SPRITE_FOLDER", ""),
			EventFeedURL: getEnv("EVENT_FEED_URL", ""),
			HealthAddr:   getEnv("HEALTH_ADDR", ":50051"),
			LogDir:       getEnv("LOG_DIR", "./logs"),
			Debug:        getEnvBool("DEBUG", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks settings shared by the server and the worker.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Fleet.Backend {
	case FleetFly, FleetDocker, FleetProcess:
	default:
		return fmt.Errorf("FLEET_BACKEND must be one of fly, docker, process (got %q)", c.Fleet.Backend)
	}
	switch c.Lifecycle.EmptyRoomPolicy {
	case "grace", "immediate":
	default:
		return fmt.Errorf("EMPTY_ROOM_POLICY must be grace or immediate (got %q)", c.Lifecycle.EmptyRoomPolicy)
	}
	if c.Lifecycle.EmptyRoomPolicy == "grace" && c.Lifecycle.IdleGrace <= 0 {
		return fmt.Errorf("IDLE_GRACE must be > 0 with the grace policy")
	}
	if c.Lifecycle.NoShowTimeout < 0 {
		return fmt.Errorf("NO_SHOW_TIMEOUT cannot be negative")
	}
	if c.Spawn.Deadline <= 0 || c.Spawn.MaxAttempts <= 0 {
		return fmt.Errorf("SPAWN_DEADLINE and SPAWN_MAX_ATTEMPTS must be > 0")
	}
	if c.Provider.MaxSessionTime <= 0 {
		return fmt.Errorf("MAX_SESSION_TIME must be > 0")
	}
	switch c.Transcript.Backend {
	case TranscriptFile:
		if c.Transcript.Dir == "" {
			return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
		}
	case TranscriptS3:
		if c.Transcript.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 transcript backend")
		}
	case TranscriptBadger:
		if c.Transcript.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR cannot be empty")
		}
	default:
		return fmt.Errorf("TRANSCRIPT_BACKEND must be one of file, s3, badger (got %q)", c.Transcript.Backend)
	}
	return nil
}

// ValidateServer checks the settings only the launcher server needs.
func (c *Config) ValidateServer() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("DAILY_API_KEY is required")
	}
	switch c.Fleet.Backend {
	case FleetFly:
		if c.Fleet.APIKey == "" || c.Fleet.AppName == "" {
			return fmt.Errorf("FLY_API_KEY and FLY_APP_NAME are required for the fly backend")
		}
	case FleetDocker:
		if c.Fleet.Image == "" {
			return fmt.Errorf("WORKER_IMAGE is required for the docker backend")
		}
	}
	if len(c.Fleet.Command) == 0 {
		return fmt.Errorf("WORKER_COMMAND cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the HTTP API.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.Provider.MaxSessionTime != 5*time.Minute {
		t.Fatalf("unexpected max session time %s", cfg.Provider.MaxSessionTime)
	}
	if cfg.Fleet.Backend != FleetFly || cfg.Transcript.Backend != TranscriptFile {
		t.Fatalf("unexpected backends %q/%q", cfg.Fleet.Backend, cfg.Transcript.Backend)
	}
	if cfg.Lifecycle.NoShowTimeout != 0 {
		t.Fatalf("no-show timer should be disabled by default, got %s", cfg.Lifecycle.NoShowTimeout)
	}
	if cfg.Worker.BotName != "Chatbot" {
		t.Fatalf("unexpected bot name %q", cfg.Worker.BotName)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("expected development mode without FRONTEND_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_SESSION_TIME", "120")
	t.Setenv("IDLE_GRACE", "5s")
	t.Setenv("EMPTY_ROOM_POLICY", "Immediate")
	t.Setenv("WORKER_COMMAND", "/app/worker --debug")
	t.Setenv("DEBUG", "yes")
	t.Setenv("SPAWN_MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider.MaxSessionTime != 2*time.Minute {
		t.Fatalf("plain seconds not parsed: %s", cfg.Provider.MaxSessionTime)
	}
	if cfg.Lifecycle.IdleGrace != 5*time.Second {
		t.Fatalf("unexpected idle grace %s", cfg.Lifecycle.IdleGrace)
	}
	if cfg.Lifecycle.EmptyRoomPolicy != "immediate" {
		t.Fatalf("policy not normalized: %q", cfg.Lifecycle.EmptyRoomPolicy)
	}
	if len(cfg.Fleet.Command) != 2 || cfg.Fleet.Command[1] != "--debug" {
		t.Fatalf("unexpected command %v", cfg.Fleet.Command)
	}
	if !cfg.Worker.Debug {
		t.Fatal("expected debug on")
	}
	if cfg.Spawn.MaxAttempts != 12 {
		t.Fatalf("bad int should fall back, got %d", cfg.Spawn.MaxAttempts)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"fleet", "FLEET_BACKEND", "k8s", "FLEET_BACKEND"},
		{"policy", "EMPTY_ROOM_POLICY", "never", "EMPTY_ROOM_POLICY"},
		{"transcript", "TRANSCRIPT_BACKEND", "ftp", "TRANSCRIPT_BACKEND"},
		{"s3 bucket", "TRANSCRIPT_BACKEND", "s3", "S3_BUCKET"},
		{"idle grace", "IDLE_GRACE", "0s", "IDLE_GRACE"},
		{"port", "PORT", "", "PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.ValidateServer(); err == nil || !strings.Contains(err.Error(), "DAILY_API_KEY") {
		t.Fatalf("expected DAILY_API_KEY error, got %v", err)
	}

	cfg.Provider.APIKey = "key"
	cfg.Fleet.Backend = FleetDocker
	if err := cfg.ValidateServer(); err == nil || !strings.Contains(err.Error(), "WORKER_IMAGE") {
		t.Fatalf("expected WORKER_IMAGE error, got %v", err)
	}

	cfg.Fleet.Backend = FleetProcess
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("process backend should validate: %v", err)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{FrontendURL: "https://moderator.example.com"}
	got := cfg.AllowedOrigins()
	if len(got) != 1 || got[0] != "https://moderator.example.com" {
		t.Fatalf("unexpected origins %v", got)
	}
}

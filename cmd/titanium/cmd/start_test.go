package cmd

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/memory"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/config"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/auth"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartCmd_Registered(t *testing.T) {
	found := false
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "start" {
			found = true
			break
		}
	}
	if !found {
		t.Error("start command not registered with rootCmd")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"shout", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()

	logger := newLogger(config.LoggingConfig{Level: "error", Format: "json"})
	if logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("error-level logger should not emit info")
	}
	if !logger.Enabled(ctx, slog.LevelError) {
		t.Error("error-level logger should emit error")
	}

	logger = newLogger(config.LoggingConfig{Level: "debug", Format: "text"})
	if !logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug-level logger should emit debug")
	}
}

func TestNewFlowStore_MemoryDefault(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()

	store, err := newFlowStore(cfg, discardLogger())
	if err != nil {
		t.Fatalf("newFlowStore: %v", err)
	}
	defer store.Close()

	// Every backend also serves ops flow queries.
	if _, ok := store.(capture.FlowQueryStore); !ok {
		t.Error("memory flow store should implement FlowQueryStore")
	}
}

func TestNewFlowStore_File(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Capture.Backend = "file"
	cfg.Capture.Dir = t.TempDir()

	store, err := newFlowStore(cfg, discardLogger())
	if err != nil {
		t.Fatalf("newFlowStore(file): %v", err)
	}
	defer store.Close()

	if _, ok := store.(capture.FlowQueryStore); !ok {
		t.Error("file flow store should implement FlowQueryStore")
	}
}

func TestNewFlowStore_SQLite(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Capture.Backend = "sqlite"
	cfg.Capture.Path = filepath.Join(t.TempDir(), "flows.db")

	store, err := newFlowStore(cfg, discardLogger())
	if err != nil {
		t.Fatalf("newFlowStore(sqlite): %v", err)
	}
	defer store.Close()

	if _, ok := store.(capture.FlowQueryStore); !ok {
		t.Error("sqlite flow store should implement FlowQueryStore")
	}
}

func TestSeedCredentials(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.Identities = []config.IdentityConfig{
		{ID: "user-1", Name: "Alice", Roles: []string{"admin", "user"}},
	}
	cfg.Auth.Credentials = []config.CredentialConfig{
		{Username: "alice", SecretHash: auth.HashSecret("s3cret"), IdentityID: "user-1"},
	}

	store := memory.NewCredentialStore()
	seedCredentials(cfg, store)

	ctx := context.Background()
	cred, err := store.GetCredential(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred.IdentityID != "user-1" {
		t.Errorf("IdentityID = %q, want %q", cred.IdentityID, "user-1")
	}
	if cred.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set on seeded credentials")
	}

	id, err := store.GetIdentity(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if id.Name != "Alice" {
		t.Errorf("Name = %q, want %q", id.Name, "Alice")
	}
	if len(id.Roles) != 2 || id.Roles[0] != auth.RoleAdmin {
		t.Errorf("Roles = %v, want [admin user]", id.Roles)
	}
}

package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Sync.BatchSize != 20 {
		t.Errorf("Sync.BatchSize = %d, want 20", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Workers != 4 {
		t.Errorf("Sync.Workers = %d, want 4", cfg.Sync.Workers)
	}
	if cfg.Anthropic.BaseURL != "https://api.anthropic.com" {
		t.Errorf("Anthropic.BaseURL = %q", cfg.Anthropic.BaseURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLOE_SERVER_PORT", "9999")
	t.Setenv("FLOE_ANTHROPIC_MODEL", "claude-haiku-4-5")
	t.Setenv("FLOE_SYNC_WORKERS", "2")
	t.Setenv("FLOE_DATA_DIR", "/tmp/floe-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Anthropic.Model != "claude-haiku-4-5" {
		t.Errorf("Anthropic.Model = %q", cfg.Anthropic.Model)
	}
	if cfg.Sync.Workers != 2 {
		t.Errorf("Sync.Workers = %d, want 2", cfg.Sync.Workers)
	}
	if cfg.Storage.DataDir != "/tmp/floe-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestLoadInvalidIntFallsBack(t *testing.T) {
	t.Setenv("FLOE_SERVER_PORT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want default 4600 on parse failure", cfg.Server.Port)
	}
}

func TestLoadRejectsBadWorkerCount(t *testing.T) {
	t.Setenv("FLOE_SYNC_WORKERS", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("Load accepted zero workers, want error")
	}
	if !strings.Contains(err.Error(), "worker") {
		t.Errorf("error = %v, want mention of worker count", err)
	}
}

func TestRequireAnthropic(t *testing.T) {
	cfg := Config{}
	if err := cfg.RequireAnthropic(); err == nil {
		t.Error("RequireAnthropic passed with empty key")
	}

	cfg.Anthropic.APIKey = "sk-test"
	if err := cfg.RequireAnthropic(); err != nil {
		t.Errorf("RequireAnthropic failed with key set: %v", err)
	}
}

func TestRequireSpotify(t *testing.T) {
	cfg := Config{}
	if err := cfg.RequireSpotify(); err == nil {
		t.Error("RequireSpotify passed with no credentials")
	}

	cfg.Spotify.ClientID = "id"
	cfg.Spotify.ClientSecret = "secret"
	err := cfg.RequireSpotify()
	if err == nil {
		t.Fatal("RequireSpotify passed without refresh token")
	}
	if !strings.Contains(err.Error(), "floe auth") {
		t.Errorf("error = %v, want hint to run floe auth", err)
	}

	cfg.Spotify.RefreshToken = "tok"
	if err := cfg.RequireSpotify(); err != nil {
		t.Errorf("RequireSpotify failed with full credentials: %v", err)
	}
}

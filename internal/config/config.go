package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds process-level settings. Curated playlists and the weekly
// schedule live in their own document (see internal/curation); this is only
// the plumbing: ports, credentials, paths, and tuning knobs.
type Config struct {
	Server    ServerConfig
	Anthropic AnthropicConfig
	Spotify   SpotifyConfig
	Storage   StorageConfig
	Sync      SyncConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

type StorageConfig struct {
	DataDir      string
	CurationFile string
}

type SyncConfig struct {
	Workers      int
	BatchSize    int
	HistoryLimit int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Anthropic: AnthropicConfig{
			Model:   "claude-sonnet-4-5",
			BaseURL: "https://api.anthropic.com",
		},
		Storage: StorageConfig{
			DataDir:      defaultDataDir(),
			CurationFile: defaultCurationFile(),
		},
		Sync: SyncConfig{
			Workers:      4,
			BatchSize:    20,
			HistoryLimit: 50,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults, then config/.env and .env if
// present, then FLOE_* (and the conventional ANTHROPIC_API_KEY /
// SPOTIFY_ID / SPOTIFY_SECRET) environment variables.
//
// Missing credentials are not an error here: commands that need them
// check via RequireAnthropic / RequireSpotify so that `floe auth` and
// config editing work before first setup.
func Load() (Config, error) {
	// Best effort; a missing .env just means pure-environment config.
	_ = godotenv.Load("config/.env")
	_ = godotenv.Load(".env")

	cfg := defaults()
	applyEnv(&cfg)

	if cfg.Sync.Workers < 1 {
		return Config{}, fmt.Errorf("invalid sync worker count %d: must be at least 1", cfg.Sync.Workers)
	}
	if cfg.Sync.BatchSize < 1 {
		return Config{}, fmt.Errorf("invalid classification batch size %d: must be at least 1", cfg.Sync.BatchSize)
	}

	return cfg, nil
}

// RequireAnthropic errors when the classifier backend credentials are absent.
func (c Config) RequireAnthropic() error {
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("missing required config: Anthropic API key. Set ANTHROPIC_API_KEY in the environment or config/.env")
	}
	return nil
}

// RequireSpotify errors when the music service credentials are incomplete.
func (c Config) RequireSpotify() error {
	if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
		return fmt.Errorf("missing required config: Spotify credentials. Set SPOTIFY_ID and SPOTIFY_SECRET in the environment or config/.env")
	}
	if c.Spotify.RefreshToken == "" {
		return fmt.Errorf("missing Spotify refresh token. Run `floe auth` and set SPOTIFY_REFRESH_TOKEN")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Anthropic.Model, "FLOE_ANTHROPIC_MODEL")
	setString(&cfg.Anthropic.BaseURL, "FLOE_ANTHROPIC_BASE_URL")
	setString(&cfg.Spotify.ClientID, "SPOTIFY_ID")
	setString(&cfg.Spotify.ClientSecret, "SPOTIFY_SECRET")
	setString(&cfg.Spotify.RefreshToken, "SPOTIFY_REFRESH_TOKEN")
	setString(&cfg.Storage.DataDir, "FLOE_DATA_DIR")
	setString(&cfg.Storage.CurationFile, "FLOE_CURATION_FILE")
	setString(&cfg.Log.Level, "FLOE_LOG_LEVEL")
	setInt(&cfg.Server.Port, "FLOE_SERVER_PORT")
	setInt(&cfg.Sync.Workers, "FLOE_SYNC_WORKERS")
	setInt(&cfg.Sync.BatchSize, "FLOE_SYNC_BATCH_SIZE")
	setInt(&cfg.Sync.HistoryLimit, "FLOE_SYNC_HISTORY_LIMIT")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	raw := os.Getenv(env)
	if raw == "" {
		return
	}
	if i, err := strconv.Atoi(raw); err == nil {
		*dst = i
	} else {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", env, raw, err)
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "floe-data"
		}
	}
	return filepath.Join(dir, "floe")
}

func defaultCurationFile() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "floe", "curation.json")
}

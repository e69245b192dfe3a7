package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"floe/internal/anthropic"
	"floe/internal/api"
	"floe/internal/classifier"
	"floe/internal/config"
	"floe/internal/curation"
	"floe/internal/music"
	"floe/internal/pipeline"
	"floe/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the floe server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running floe server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show floe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "floe.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(cfg config.Config) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildEngine wires the sync engine from config. Returns a nil engine (not an
// error) when credentials are missing, so the server can still serve config
// editing and run history.
func buildEngine(ctx context.Context, cfg config.Config, store *storage.Store, curStore *curation.Store) (*pipeline.Engine, music.PlaylistPlacer, error) {
	if err := cfg.RequireSpotify(); err != nil {
		slog.Warn("sync disabled", "reason", err)
		return nil, nil, nil
	}
	if err := cfg.RequireAnthropic(); err != nil {
		slog.Warn("sync disabled", "reason", err)
		return nil, nil, nil
	}

	spotifyClient, err := music.NewSpotify(ctx, cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, cfg.Spotify.RefreshToken)
	if err != nil {
		return nil, nil, fmt.Errorf("building music client: %w", err)
	}

	backend := anthropic.NewClientWithBaseURL(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.BaseURL)
	clf := classifier.New(backend, store, cfg.Sync.BatchSize, slog.Default())

	engine := pipeline.New(pipeline.Deps{
		Store:        store,
		Curation:     curStore,
		History:      spotifyClient,
		Placer:       spotifyClient,
		Classifier:   clf,
		Workers:      cfg.Sync.Workers,
		HistoryLimit: cfg.Sync.HistoryLimit,
		Logger:       slog.Default(),
	})
	return engine, spotifyClient, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "floe version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("floe is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("floe is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	curStore := curation.NewStore(cfg.Storage.CurationFile)

	engine, placer, err := buildEngine(ctx, cfg, store, curStore)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Store:    store,
		Curation: curStore,
		Placer:   placer,
		Logger:   slog.Default(),
	}
	if engine != nil {
		deps.Engine = engine
	}
	handler := api.NewHandler(deps)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "floe listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("floe is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop floe (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to floe (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var serverUp bool
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.RequireSpotify() == nil {
		printStatus("Spotify", "configured")
	} else {
		printStatus("Spotify", "not configured (run `floe auth`)")
	}
	if cfg.RequireAnthropic() == nil {
		printStatus("Model", "%s", cfg.Anthropic.Model)
	} else {
		printStatus("Model", "not configured (set ANTHROPIC_API_KEY)")
	}

	if serverUp {
		c, err := newAPIClient()
		if err != nil {
			return nil
		}
		statusResp, err := c.get(context.Background(), "/api/sync/status")
		if err != nil {
			return nil
		}
		var status struct {
			Running   bool                `json:"running"`
			LatestRun *storage.RunSummary `json:"latest_run"`
		}
		if decodeJSON(statusResp, &status) == nil {
			if status.Running {
				printStatus("Sync", "running now")
			} else if status.LatestRun != nil {
				printStatus("Sync", "last run %s (%s), %d placed",
					status.LatestRun.FinishedAt.Local().Format("2006-01-02 15:04"),
					status.LatestRun.Status,
					status.LatestRun.TotalPlaced())
			} else {
				printStatus("Sync", "never run")
			}
		}
	}

	return nil
}

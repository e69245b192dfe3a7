// Package api is the local control surface: a JSON HTTP API for triggering
// syncs, inspecting run history, and editing the curation document, plus an
// MCP server exposing the same operations to agent clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"floe/internal/curation"
	"floe/internal/music"
	"floe/internal/pipeline"
	"floe/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

// SyncRunner triggers sync runs. Implemented by pipeline.Engine.
type SyncRunner interface {
	Run(ctx context.Context, lookback time.Duration) (storage.RunSummary, error)
	Running() bool
}

// RunStore reads run history and cache stats. Implemented by storage.Store.
type RunStore interface {
	ListRuns(limit int) ([]storage.RunSummary, error)
	LatestRun() (storage.RunSummary, error)
	CacheCount() (int, error)
}

// CurationStore reads and replaces the curation document. Implemented by
// curation.Store.
type CurationStore interface {
	Load() (curation.Config, error)
	Save(cfg curation.Config) error
	Update(fn func(*curation.Config) error) (curation.Config, error)
}

// Deps holds the control surface's collaborators. Engine and Placer may be
// nil when the service runs without music credentials; sync endpoints then
// answer 503 and playlist creation is deferred to the next run.
type Deps struct {
	Engine   SyncRunner
	Store    RunStore
	Curation CurationStore
	Placer   music.PlaylistPlacer
	Logger   *slog.Logger
}

// NewHandler builds the HTTP router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync", handleTriggerSync(deps))
		r.Get("/sync/status", handleSyncStatus(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/latest", handleLatestRun(deps))
		r.Get("/config", handleGetConfig(deps))
		r.Put("/config", handlePutConfig(deps))
		r.Post("/playlists", handleAddPlaylist(deps))
		r.Post("/schedule", handleAddActivity(deps))
		r.Post("/log", handleLogActivity(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":       "ok",
			"sync_enabled": deps.Engine != nil,
		}
		if n, err := deps.Store.CacheCount(); err == nil {
			resp["cache_size"] = n
		}
		if deps.Engine != nil {
			resp["sync_running"] = deps.Engine.Running()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type syncRequest struct {
	Lookback string `json:"lookback,omitempty"`
}

func handleTriggerSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Engine == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "sync is not configured: missing music service credentials")
			return
		}

		var req syncRequest
		if r.ContentLength > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		var lookback time.Duration
		if req.Lookback != "" {
			d, err := time.ParseDuration(req.Lookback)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid lookback %q", req.Lookback)
				return
			}
			lookback = d
		}

		if deps.Engine.Running() {
			httpError(w, http.StatusConflict, "conflict", "a sync run is already in progress")
			return
		}

		go func() {
			// Detached from the request context: the run outlives the response.
			if _, err := deps.Engine.Run(context.Background(), lookback); err != nil && !errors.Is(err, pipeline.ErrSyncInProgress) {
				deps.Logger.Error("background sync run failed", "error", err)
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
	}
}

func handleSyncStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"running": deps.Engine != nil && deps.Engine.Running(),
		}
		latest, err := deps.Store.LatestRun()
		switch {
		case err == nil:
			resp["latest_run"] = latest
		case errors.Is(err, storage.ErrNotFound):
			resp["latest_run"] = nil
		default:
			httpError(w, http.StatusInternalServerError, "api_error", "reading run history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 200 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			limit = n
		}

		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.RunSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func handleLatestRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latest, err := deps.Store.LatestRun()
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no runs recorded yet")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading run history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, latest)
	}
}

func handleGetConfig(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := deps.Curation.Load()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

// handlePutConfig replaces the whole curation document. Partial updates are
// not supported; clients read, modify, and put back.
func handlePutConfig(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var cfg curation.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Curation.Save(cfg); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

type addPlaylistRequest struct {
	Name        string `json:"name"`
	Emoji       string `json:"emoji,omitempty"`
	Description string `json:"description"`
}

// handleAddPlaylist appends one playlist to the curation document and, when a
// placer is configured, creates it on the music service right away so the
// user sees it before the next sync.
func handleAddPlaylist(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req addPlaylistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		playlist := curation.Playlist{
			Name:        strings.TrimSpace(req.Name),
			Emoji:       req.Emoji,
			Description: req.Description,
		}

		if deps.Placer != nil {
			desc := playlist.Description
			if desc == "" {
				desc = "Auto-curated by Floe"
			}
			id, err := deps.Placer.EnsurePlaylist(r.Context(), playlist.DisplayName(), desc, "")
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "creating playlist on music service: %v", err)
				return
			}
			playlist.RemoteID = id
		}

		cfg, err := deps.Curation.Update(func(c *curation.Config) error {
			c.Playlists = append(c.Playlists, playlist)
			return nil
		})
		if err != nil {
			status, errType := saveErrorStatus(err)
			httpError(w, status, errType, "%v", err)
			return
		}

		saved, _ := cfg.PlaylistByKey(curation.Slugify(playlist.Name))
		writeJSON(w, http.StatusCreated, saved)
	}
}

type addActivityRequest struct {
	Label   string            `json:"label"`
	Days    []string          `json:"days"`
	Windows []curation.Window `json:"windows"`
}

func handleAddActivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req addActivityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		activity := curation.Activity{
			Label:   strings.TrimSpace(req.Label),
			Days:    req.Days,
			Windows: req.Windows,
		}

		if _, err := deps.Curation.Update(func(c *curation.Config) error {
			c.Schedule.Activities = append(c.Schedule.Activities, activity)
			return nil
		}); err != nil {
			status, errType := saveErrorStatus(err)
			httpError(w, status, errType, "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, activity)
	}
}

// handleLogActivity appends a one-off activity log entry. Logged entries
// override the recurring schedule for the window they cover, so "today I
// studied during gym time" classifies that evening's plays correctly.
func handleLogActivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var entry curation.LogEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if entry.Date == "" || entry.Start == "" || entry.End == "" || strings.TrimSpace(entry.Label) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "date, start, end, and label are all required")
			return
		}

		if _, err := deps.Curation.Update(func(c *curation.Config) error {
			c.ActivityLog = append(c.ActivityLog, entry)
			return nil
		}); err != nil {
			status, errType := saveErrorStatus(err)
			httpError(w, status, errType, "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	}
}

// saveErrorStatus maps curation save failures onto HTTP codes: validation
// problems are the client's fault, IO problems are ours.
func saveErrorStatus(err error) (int, string) {
	if errors.Is(err, curation.ErrInvalid) {
		return http.StatusBadRequest, "invalid_request_error"
	}
	return http.StatusInternalServerError, "api_error"
}

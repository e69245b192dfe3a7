// Package pipeline runs the nightly sync: fetch new listening history,
// classify unseen tracks, file them into playlists, and record the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"floe/internal/classifier"
	"floe/internal/curation"
	"floe/internal/music"
	"floe/internal/storage"
)

// ErrSyncInProgress is returned when Run is called while another run is
// still active. Runs never overlap.
var ErrSyncInProgress = errors.New("a sync run is already in progress")

// Store is the persistence surface the engine needs. Implemented by
// storage.Store.
type Store interface {
	CacheGet(trackID string) (storage.CacheEntry, error)
	SaveRun(r storage.RunSummary) error
	Watermark() (time.Time, error)
	SetWatermark(t time.Time) error
}

// CurationStore provides the curation document and persists learned remote
// playlist IDs. Implemented by curation.Store.
type CurationStore interface {
	Load() (curation.Config, error)
	Update(fn func(*curation.Config) error) (curation.Config, error)
}

// Classifier resolves uncached tracks into playlist decisions.
type Classifier interface {
	Classify(ctx context.Context, tracks []classifier.TrackContext, playlists []curation.Playlist) []classifier.Decision
}

// Deps collects the engine's collaborators.
type Deps struct {
	Store      Store
	Curation   CurationStore
	History    music.HistorySource
	Placer     music.PlaylistPlacer
	Classifier Classifier

	Workers      int // parallel placement workers
	HistoryLimit int // max tracks fetched per run
	Logger       *slog.Logger
}

// Engine executes sync runs. Safe for concurrent use; overlapping runs are
// rejected with ErrSyncInProgress.
type Engine struct {
	deps    Deps
	running atomic.Bool
}

// New creates an Engine. Zero Workers or HistoryLimit select defaults.
func New(deps Deps) *Engine {
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 50
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{deps: deps}
}

// Running reports whether a sync run is currently active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run executes one sync run. A positive lookback overrides the watermark and
// reprocesses that much history; zero means "since the watermark" (or the
// configured first-sync lookback when no watermark exists yet).
//
// Per-track failures are recorded on the summary and never abort the run. A
// failure to read the watermark or the curation document aborts the
// invocation before any summary is written.
func (e *Engine) Run(ctx context.Context, lookback time.Duration) (storage.RunSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return storage.RunSummary{}, ErrSyncInProgress
	}
	defer e.running.Store(false)

	log := e.deps.Logger

	cfg, err := e.deps.Curation.Load()
	if err != nil {
		return storage.RunSummary{}, fmt.Errorf("loading curation config: %w", err)
	}

	since, err := e.resolveWindow(cfg, lookback)
	if err != nil {
		return storage.RunSummary{}, err
	}

	summary := storage.RunSummary{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Placements: make(map[string]int),
		Errors:     []storage.RunError{},
	}
	log.Info("sync run started", "run", summary.ID, "since", since)

	if len(cfg.Playlists) == 0 {
		log.Warn("no playlists configured, nothing to do", "run", summary.ID)
		return e.finish(summary), nil
	}

	tracks, err := e.fetchHistory(ctx, since)
	if err != nil {
		summary.Errors = append(summary.Errors, storage.RunError{Stage: "fetch", Message: err.Error()})
		summary.Status = "failed"
		summary.FinishedAt = time.Now().UTC()
		if saveErr := e.deps.Store.SaveRun(summary); saveErr != nil {
			log.Error("persisting failed run summary", "run", summary.ID, "error", saveErr)
		}
		return summary, fmt.Errorf("fetching history: %w", err)
	}
	summary.TracksSeen = len(tracks)
	if len(tracks) == 0 {
		log.Info("no new plays since watermark", "run", summary.ID)
		return e.finish(summary), nil
	}

	unique := dedupe(tracks)

	// Partition into cache hits and tracks needing classification.
	decisions := make(map[string]classifier.Decision, len(unique))
	var toClassify []classifier.TrackContext
	for _, t := range unique {
		entry, err := e.deps.Store.CacheGet(t.ID)
		switch {
		case err == nil:
			summary.CacheHits++
			decisions[t.ID] = classifier.Decision{
				TrackID:  t.ID,
				Category: entry.Category,
				Energy:   entry.Energy,
				Tempo:    entry.Tempo,
				Mood:     entry.Mood,
			}
		case errors.Is(err, storage.ErrNotFound):
			toClassify = append(toClassify, classifier.TrackContext{
				Track:    t,
				Activity: cfg.ActivityAt(t.PlayedAt),
			})
		default:
			summary.Errors = append(summary.Errors, storage.RunError{
				TrackID: t.ID, Stage: "classify", Message: fmt.Sprintf("cache read: %v", err),
			})
		}
	}

	if len(toClassify) > 0 {
		for _, d := range e.deps.Classifier.Classify(ctx, toClassify, cfg.Playlists) {
			if d.Err != nil {
				summary.Errors = append(summary.Errors, storage.RunError{
					TrackID: d.TrackID, Stage: "classify", Message: d.Err.Error(),
				})
				continue
			}
			summary.NewlyClassified++
			decisions[d.TrackID] = d
		}
	}

	remoteIDs := e.ensurePlaylists(ctx, cfg, decisions, &summary)

	e.place(ctx, unique, decisions, remoteIDs, &summary)

	// Advance the watermark to the newest play processed, even when some
	// tracks failed: failed classifications are retried via the cache miss
	// path, not by re-reading history.
	newest := since
	for _, t := range tracks {
		if t.PlayedAt.After(newest) {
			newest = t.PlayedAt
		}
	}
	if err := e.deps.Store.SetWatermark(newest); err != nil {
		summary.Errors = append(summary.Errors, storage.RunError{
			Stage: "fetch", Message: fmt.Sprintf("advancing watermark: %v", err),
		})
	}

	return e.finish(summary), nil
}

// resolveWindow picks the start of the history window: explicit lookback
// first, then the stored watermark, then the configured first-sync lookback.
func (e *Engine) resolveWindow(cfg curation.Config, lookback time.Duration) (time.Time, error) {
	if lookback > 0 {
		return time.Now().UTC().Add(-lookback), nil
	}
	mark, err := e.deps.Store.Watermark()
	if err == nil {
		return mark, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return time.Now().UTC().Add(-cfg.LookbackDuration()), nil
	}
	return time.Time{}, fmt.Errorf("reading watermark: %w", err)
}

// fetchHistory pulls the listening history with one retry on failure.
func (e *Engine) fetchHistory(ctx context.Context, since time.Time) ([]music.Track, error) {
	tracks, err := e.deps.History.RecentTracks(ctx, since, e.deps.HistoryLimit)
	if err == nil {
		return tracks, nil
	}
	e.deps.Logger.Warn("history fetch failed, retrying", "error", err)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
	}
	return e.deps.History.RecentTracks(ctx, since, e.deps.HistoryLimit)
}

// ensurePlaylists resolves remote IDs for every playlist that received at
// least one decision, creating missing playlists and persisting newly
// learned IDs back into the curation document.
func (e *Engine) ensurePlaylists(ctx context.Context, cfg curation.Config, decisions map[string]classifier.Decision, summary *storage.RunSummary) map[string]string {
	needed := make(map[string]bool)
	for _, d := range decisions {
		if d.Category != storage.CategoryNone {
			needed[d.Category] = true
		}
	}

	remoteIDs := make(map[string]string, len(needed))
	learned := make(map[string]string)
	for key := range needed {
		p, ok := cfg.PlaylistByKey(key)
		if !ok {
			// Cached category for a playlist since removed from the config.
			summary.Errors = append(summary.Errors, storage.RunError{
				Stage: "place", Message: fmt.Sprintf("no playlist configured for category %q", key),
			})
			continue
		}
		id, err := e.deps.Placer.EnsurePlaylist(ctx, p.DisplayName(), p.Description, p.RemoteID)
		if err != nil {
			summary.Errors = append(summary.Errors, storage.RunError{
				Stage: "place", Message: fmt.Sprintf("ensuring playlist %q: %v", p.Name, err),
			})
			continue
		}
		remoteIDs[key] = id
		if id != p.RemoteID {
			learned[key] = id
		}
	}

	if len(learned) > 0 {
		_, err := e.deps.Curation.Update(func(c *curation.Config) error {
			for i := range c.Playlists {
				if id, ok := learned[c.Playlists[i].Key]; ok {
					c.Playlists[i].RemoteID = id
				}
			}
			return nil
		})
		if err != nil {
			e.deps.Logger.Error("persisting remote playlist IDs", "error", err)
		}
	}

	return remoteIDs
}

// place files every decided track into its playlist with bounded parallelism.
func (e *Engine) place(ctx context.Context, tracks []music.Track, decisions map[string]classifier.Decision, remoteIDs map[string]string, summary *storage.RunSummary) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.deps.Workers)

	for _, t := range tracks {
		d, ok := decisions[t.ID]
		if !ok || d.Category == storage.CategoryNone {
			continue
		}
		playlistID, ok := remoteIDs[d.Category]
		if !ok {
			continue // ensure already recorded the error
		}

		g.Go(func() error {
			added, err := e.deps.Placer.AddTrack(gctx, playlistID, t.ID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				msg := err.Error()
				if errors.Is(err, music.ErrTrackNotFound) {
					msg = "track not resolvable on music service"
				}
				summary.Errors = append(summary.Errors, storage.RunError{
					TrackID: t.ID, Stage: "place", Message: msg,
				})
				return nil
			}
			if added {
				summary.Placements[d.Category]++
			}
			return nil
		})
	}
	g.Wait()
}

// finish stamps the summary, persists it, and logs the outcome.
func (e *Engine) finish(summary storage.RunSummary) storage.RunSummary {
	summary.FinishedAt = time.Now().UTC()
	if len(summary.Errors) == 0 {
		summary.Status = "completed"
	} else {
		summary.Status = "completed_with_errors"
	}

	if err := e.deps.Store.SaveRun(summary); err != nil {
		e.deps.Logger.Error("persisting run summary", "run", summary.ID, "error", err)
	}
	e.deps.Logger.Info("sync run finished",
		"run", summary.ID,
		"status", summary.Status,
		"seen", summary.TracksSeen,
		"classified", summary.NewlyClassified,
		"cache_hits", summary.CacheHits,
		"placed", summary.TotalPlaced(),
		"errors", len(summary.Errors),
	)
	return summary
}

// dedupe collapses repeated plays of the same track, keeping the most recent
// play (its timestamp carries the schedule context for classification).
func dedupe(tracks []music.Track) []music.Track {
	byID := make(map[string]int, len(tracks))
	var out []music.Track
	for _, t := range tracks {
		if i, ok := byID[t.ID]; ok {
			if t.PlayedAt.After(out[i].PlayedAt) {
				out[i] = t
			}
			continue
		}
		byID[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

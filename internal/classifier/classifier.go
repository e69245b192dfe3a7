// Package classifier turns uncached history tracks into playlist decisions by
// prompting a hosted model with the user's playlist set and schedule context.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"floe/internal/curation"
	"floe/internal/music"
	"floe/internal/storage"
)

const defaultBatchSize = 20

// Backend produces a text completion for a system + user prompt pair.
type Backend interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ResultCache persists resolved decisions. Implemented by storage.Store.
type ResultCache interface {
	CachePut(e storage.CacheEntry) error
}

// TrackContext pairs a history track with the schedule activity that was in
// effect when it played.
type TrackContext struct {
	Track    music.Track
	Activity string
}

// Decision is the classification outcome for one track. When Err is set the
// backend failed for this track's batch and nothing was cached; the track
// will be picked up again on the next run.
type Decision struct {
	TrackID  string
	Category string // playlist key or storage.CategoryNone
	Energy   int
	Tempo    string
	Mood     string
	Anomaly  string // set when a model answer was coerced to none
	Err      error
}

// Classifier batches tracks, prompts the backend, resolves answers against
// the configured playlist set, and caches every resolved decision.
type Classifier struct {
	backend   Backend
	cache     ResultCache
	batchSize int
	logger    *slog.Logger
}

// New creates a Classifier. batchSize <= 0 selects the default of 20.
func New(backend Backend, cache ResultCache, batchSize int, logger *slog.Logger) *Classifier {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		backend:   backend,
		cache:     cache,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Classify returns one Decision per input track, in input order. Playlists
// define the closed answer set; any answer outside it resolves to none.
func (c *Classifier) Classify(ctx context.Context, tracks []TrackContext, playlists []curation.Playlist) []Decision {
	decisions := make([]Decision, 0, len(tracks))
	for start := 0; start < len(tracks); start += c.batchSize {
		end := min(start+c.batchSize, len(tracks))
		decisions = append(decisions, c.classifyBatch(ctx, tracks[start:end], playlists)...)
	}
	return decisions
}

func (c *Classifier) classifyBatch(ctx context.Context, batch []TrackContext, playlists []curation.Playlist) []Decision {
	prompt, err := buildPrompt(batch, playlists)
	if err != nil {
		return failBatch(batch, fmt.Errorf("building prompt: %w", err))
	}

	reply, err := c.backend.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		c.logger.Warn("classification backend failed", "tracks", len(batch), "error", err)
		return failBatch(batch, err)
	}

	answers, err := parseAnswers(reply)
	if err != nil {
		c.logger.Warn("unparseable classification reply", "tracks", len(batch), "error", err)
		return failBatch(batch, err)
	}

	validKeys := make(map[string]bool, len(playlists))
	for _, p := range playlists {
		validKeys[p.Key] = true
	}

	decisions := make([]Decision, 0, len(batch))
	for _, tc := range batch {
		d := c.resolve(tc, answers, validKeys)
		if err := c.cache.CachePut(storage.CacheEntry{
			TrackID:  d.TrackID,
			Category: d.Category,
			Energy:   d.Energy,
			Tempo:    d.Tempo,
			Mood:     d.Mood,
		}); err != nil {
			if errors.Is(err, storage.ErrCacheConflict) {
				c.logger.Warn("cache conflict, keeping original classification", "track", d.TrackID, "error", err)
			} else {
				c.logger.Error("caching classification", "track", d.TrackID, "error", err)
			}
		}
		decisions = append(decisions, d)
	}
	return decisions
}

// resolve maps a model answer onto the closed label set.
func (c *Classifier) resolve(tc TrackContext, answers map[string]modelAnswer, validKeys map[string]bool) Decision {
	d := Decision{TrackID: tc.Track.ID, Category: storage.CategoryNone}

	a, ok := answers[tc.Track.ID]
	if !ok {
		d.Anomaly = "no answer for track in model reply"
		c.logger.Warn("model reply missing track", "track", tc.Track.ID, "title", tc.Track.Title)
		return d
	}

	d.Energy = a.Energy
	d.Tempo = a.Tempo
	d.Mood = a.Mood

	switch {
	case a.Category == storage.CategoryNone:
	case validKeys[a.Category]:
		d.Category = a.Category
	default:
		d.Anomaly = fmt.Sprintf("model answered unknown category %q", a.Category)
		c.logger.Warn("model answered unknown category", "track", tc.Track.ID, "category", a.Category)
	}
	return d
}

func failBatch(batch []TrackContext, err error) []Decision {
	decisions := make([]Decision, 0, len(batch))
	for _, tc := range batch {
		decisions = append(decisions, Decision{TrackID: tc.Track.ID, Err: err})
	}
	return decisions
}

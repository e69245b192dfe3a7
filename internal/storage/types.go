package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrCacheConflict is returned when a cache put would overwrite an existing
// entry with a different category. Classification is one-shot: the original
// value is kept and the caller decides whether to log or fail.
var ErrCacheConflict = errors.New("cache conflict: track already classified with a different category")

// CategoryNone is the sentinel category for tracks that match no playlist.
const CategoryNone = "none"

// CacheEntry records the one-shot classification result for a track.
type CacheEntry struct {
	TrackID      string
	Category     string // playlist key or CategoryNone
	Energy       int    // 1-10 as reported by the model, 0 when unknown
	Tempo        string
	Mood         string
	ClassifiedAt time.Time
}

// RunError is one recoverable failure encountered during a sync run.
type RunError struct {
	TrackID string `json:"track_id,omitempty"`
	Stage   string `json:"stage"` // "fetch", "classify", "place"
	Message string `json:"message"`
}

// RunSummary is the immutable record of one sync run, appended to the run
// history when the run finishes.
type RunSummary struct {
	ID              string         `json:"id"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	TracksSeen      int            `json:"tracks_seen"`
	NewlyClassified int            `json:"newly_classified"`
	CacheHits       int            `json:"cache_hits"`
	Placements      map[string]int `json:"placements"` // playlist key -> tracks added
	Errors          []RunError     `json:"errors"`
	Status          string         `json:"status"` // "completed", "completed_with_errors", "failed"
}

// TotalPlaced sums placements across all playlists.
func (r RunSummary) TotalPlaced() int {
	total := 0
	for _, n := range r.Placements {
		total += n
	}
	return total
}

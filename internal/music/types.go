// Package music defines the history source and playlist placer abstractions
// the sync engine runs against, plus the Spotify implementation of both.
package music

import (
	"context"
	"errors"
	"time"
)

// ErrTrackNotFound is returned when the music service no longer resolves a
// track ID (removed or region-blocked).
var ErrTrackNotFound = errors.New("track not found on music service")

// Track is one play from the listening history.
type Track struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Artist   string    `json:"artist"`
	Album    string    `json:"album,omitempty"`
	PlayedAt time.Time `json:"played_at"`
}

// HistorySource yields recently played tracks strictly after a given instant,
// oldest first.
type HistorySource interface {
	RecentTracks(ctx context.Context, since time.Time, limit int) ([]Track, error)
}

// PlaylistPlacer manages playlists on the music service. Both operations are
// idempotent: EnsurePlaylist never creates a second playlist for the same
// name, and AddTrack never adds a duplicate entry.
type PlaylistPlacer interface {
	// EnsurePlaylist returns the remote ID of the playlist with the given
	// display name, creating it when absent. A non-empty remoteID hint is
	// verified first and trusted when it still resolves.
	EnsurePlaylist(ctx context.Context, name, description, remoteID string) (string, error)

	// AddTrack appends a track to a playlist unless it is already a member.
	// It reports whether the track was actually added.
	AddTrack(ctx context.Context, playlistID, trackID string) (bool, error)
}

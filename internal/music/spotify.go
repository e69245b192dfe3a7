package music

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

// Spotify implements HistorySource and PlaylistPlacer against the Spotify Web
// API using a long-lived refresh token obtained via Authorize.
type Spotify struct {
	client *spotify.Client

	mu      sync.Mutex
	userID  string
	members map[spotify.ID]map[spotify.ID]bool // playlist -> known track members
}

// NewSpotify builds an authenticated client from the stored refresh token.
// The access token is refreshed lazily by the underlying oauth2 transport.
func NewSpotify(ctx context.Context, clientID, clientSecret, refreshToken string) (*Spotify, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token; run the auth flow first")
	}

	auth := newAuthenticator(clientID, clientSecret)
	token := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Hour), // force an immediate refresh
	}

	httpClient := auth.Client(ctx, token)
	httpClient.Timeout = 30 * time.Second

	return &Spotify{
		client:  spotify.New(httpClient, spotify.WithRetry(true)),
		members: make(map[spotify.ID]map[spotify.ID]bool),
	}, nil
}

func newAuthenticator(clientID, clientSecret string) *spotifyauth.Authenticator {
	return spotifyauth.New(
		spotifyauth.WithRedirectURL(redirectURI),
		spotifyauth.WithClientID(clientID),
		spotifyauth.WithClientSecret(clientSecret),
		spotifyauth.WithScopes(
			spotifyauth.ScopeUserReadRecentlyPlayed,
			spotifyauth.ScopePlaylistReadPrivate,
			spotifyauth.ScopePlaylistModifyPrivate,
			spotifyauth.ScopePlaylistModifyPublic,
		),
	)
}

// RecentTracks returns plays strictly after since, oldest first. Spotify caps
// the recently-played window at 50 items.
func (s *Spotify) RecentTracks(ctx context.Context, since time.Time, limit int) ([]Track, error) {
	opts := &spotify.RecentlyPlayedOptions{Limit: spotify.Numeric(limit)}
	if !since.IsZero() {
		// AfterEpochMs is inclusive; shift by 1ms for strictly-after.
		opts.AfterEpochMs = since.UnixMilli() + 1
	}

	items, err := s.client.PlayerRecentlyPlayedOpt(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("fetching recently played: %w", err)
	}

	// The API returns newest first.
	tracks := make([]Track, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if !item.PlayedAt.After(since) {
			continue
		}
		tracks = append(tracks, Track{
			ID:       string(item.Track.ID),
			Title:    item.Track.Name,
			Artist:   joinArtists(item.Track.Artists),
			Album:    item.Track.Album.Name,
			PlayedAt: item.PlayedAt,
		})
	}
	return tracks, nil
}

func joinArtists(artists []spotify.SimpleArtist) string {
	out := ""
	for i, a := range artists {
		if i > 0 {
			out += ", "
		}
		out += a.Name
	}
	return out
}

// EnsurePlaylist returns the remote playlist ID for the given display name.
// A non-empty remoteID hint is verified first; otherwise the user's playlists
// are searched for an exact name match before creating a new one.
func (s *Spotify) EnsurePlaylist(ctx context.Context, name, description, remoteID string) (string, error) {
	if remoteID != "" {
		if _, err := s.client.GetPlaylist(ctx, spotify.ID(remoteID)); err == nil {
			return remoteID, nil
		}
		// Stale hint (playlist deleted remotely); fall through to search.
	}

	limit := 50
	for offset := 0; ; offset += limit {
		page, err := s.client.CurrentUsersPlaylists(ctx, spotify.Limit(limit), spotify.Offset(offset))
		if err != nil {
			return "", fmt.Errorf("listing playlists: %w", err)
		}
		for _, p := range page.Playlists {
			if p.Name == name {
				return string(p.ID), nil
			}
		}
		if len(page.Playlists) < limit {
			break
		}
	}

	userID, err := s.currentUserID(ctx)
	if err != nil {
		return "", err
	}
	created, err := s.client.CreatePlaylistForUser(ctx, userID, name, description, false, false)
	if err != nil {
		return "", fmt.Errorf("creating playlist %q: %w", name, err)
	}
	return string(created.ID), nil
}

// AddTrack appends a track to a playlist unless already present. The member
// set is fetched once per playlist per process and maintained locally.
func (s *Spotify) AddTrack(ctx context.Context, playlistID, trackID string) (bool, error) {
	pid, tid := spotify.ID(playlistID), spotify.ID(trackID)

	known, err := s.playlistMembers(ctx, pid)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	already := known[tid]
	s.mu.Unlock()
	if already {
		return false, nil
	}

	if _, err := s.client.AddTracksToPlaylist(ctx, pid, tid); err != nil {
		var se spotify.Error
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return false, fmt.Errorf("adding track %s: %w", trackID, ErrTrackNotFound)
		}
		return false, fmt.Errorf("adding track %s to playlist %s: %w", trackID, playlistID, err)
	}

	s.mu.Lock()
	known[tid] = true
	s.mu.Unlock()
	return true, nil
}

// playlistMembers returns the cached member set for a playlist, loading it
// from the API on first use.
func (s *Spotify) playlistMembers(ctx context.Context, pid spotify.ID) (map[spotify.ID]bool, error) {
	s.mu.Lock()
	if known, ok := s.members[pid]; ok {
		s.mu.Unlock()
		return known, nil
	}
	s.mu.Unlock()

	known := make(map[spotify.ID]bool)
	limit := 50
	for offset := 0; ; offset += limit {
		page, err := s.client.GetPlaylistItems(ctx, pid, spotify.Limit(limit), spotify.Offset(offset))
		if err != nil {
			return nil, fmt.Errorf("listing playlist %s items: %w", pid, err)
		}
		for _, item := range page.Items {
			if item.Track.Track != nil {
				known[item.Track.Track.ID] = true
			}
		}
		if len(page.Items) < limit {
			break
		}
	}

	s.mu.Lock()
	s.members[pid] = known
	s.mu.Unlock()
	return known, nil
}

func (s *Spotify) currentUserID(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.userID
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	user, err := s.client.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("getting current user: %w", err)
	}

	s.mu.Lock()
	s.userID = user.ID
	s.mu.Unlock()
	return user.ID, nil
}

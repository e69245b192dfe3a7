// Package curation owns the user's curation document: playlist definitions,
// the weekly schedule, and the first-sync lookback window. The document is a
// single JSON file edited through the control surface and read by the sync
// engine; it is always replaced wholesale, never patched field by field.
package curation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const defaultLookback = 72 * time.Hour

// Playlist is one user-defined category. Key is a stable slug derived from
// the name; RemoteID is filled in once the playlist exists on the music
// service.
type Playlist struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Emoji       string `json:"emoji,omitempty"`
	Description string `json:"description"`
	RemoteID    string `json:"remote_id,omitempty"`
}

// DisplayName is the name shown on the music service, emoji first.
func (p Playlist) DisplayName() string {
	if p.Emoji != "" {
		return p.Emoji + " " + p.Name
	}
	return p.Name
}

// Window is a daily [Start, End) interval in 24h "15:04" notation.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Activity is a recurring schedule entry: a label ("work", "gym") active on
// the given days during the given windows.
type Activity struct {
	Label   string   `json:"label"`
	Days    []string `json:"days"`
	Windows []Window `json:"windows"`
}

// Schedule is the user's recurring weekly schedule.
type Schedule struct {
	Activities []Activity `json:"activities"`
}

// LogEntry is a one-off activity on a specific date ("today I'm studying
// instead of going to the gym"). Log entries override the recurring schedule
// for the window they cover.
type LogEntry struct {
	Date  string `json:"date"` // "2006-01-02"
	Start string `json:"start"`
	End   string `json:"end"`
	Label string `json:"label"`
	Note  string `json:"note,omitempty"`
}

// Config is the persisted curation document.
type Config struct {
	Playlists         []Playlist `json:"playlists"`
	Schedule          Schedule   `json:"schedule"`
	ActivityLog       []LogEntry `json:"activity_log,omitempty"`
	FirstSyncLookback string     `json:"first_sync_lookback,omitempty"`
}

// LookbackDuration returns the configured first-sync lookback, defaulting to
// 72h when unset.
func (c Config) LookbackDuration() time.Duration {
	if c.FirstSyncLookback == "" {
		return defaultLookback
	}
	d, err := time.ParseDuration(c.FirstSyncLookback)
	if err != nil || d <= 0 {
		return defaultLookback
	}
	return d
}

// PlaylistByKey looks up a playlist definition by its slug key.
func (c Config) PlaylistByKey(key string) (Playlist, bool) {
	for _, p := range c.Playlists {
		if p.Key == key {
			return p, true
		}
	}
	return Playlist{}, false
}

var validDays = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true,
	"fri": true, "sat": true, "sun": true,
}

// Validate checks the whole document. A document that fails validation must
// never be persisted.
func (c Config) Validate() error {
	seen := make(map[string]string, len(c.Playlists))
	for i, p := range c.Playlists {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("playlist %d: name must not be empty", i)
		}
		key := p.Key
		if key == "" {
			key = Slugify(p.Name)
		}
		if key == "" {
			return fmt.Errorf("playlist %q: name yields an empty key", p.Name)
		}
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("duplicate playlist name: %q collides with %q", p.Name, prev)
		}
		seen[key] = p.Name
	}

	for _, a := range c.Schedule.Activities {
		if strings.TrimSpace(a.Label) == "" {
			return fmt.Errorf("schedule entry: label must not be empty")
		}
		if len(a.Days) == 0 {
			return fmt.Errorf("schedule entry %q: at least one day is required", a.Label)
		}
		for _, d := range a.Days {
			if !validDays[strings.ToLower(d)] {
				return fmt.Errorf("schedule entry %q: unknown day %q", a.Label, d)
			}
		}
		if len(a.Windows) == 0 {
			return fmt.Errorf("schedule entry %q: at least one time window is required", a.Label)
		}
		for _, w := range a.Windows {
			start, err := parseClock(w.Start)
			if err != nil {
				return fmt.Errorf("schedule entry %q: invalid start time %q: %w", a.Label, w.Start, err)
			}
			end, err := parseClock(w.End)
			if err != nil {
				return fmt.Errorf("schedule entry %q: invalid end time %q: %w", a.Label, w.End, err)
			}
			if start >= end {
				return fmt.Errorf("schedule entry %q: window %s-%s must have start before end", a.Label, w.Start, w.End)
			}
		}
	}

	for _, e := range c.ActivityLog {
		if strings.TrimSpace(e.Label) == "" {
			return fmt.Errorf("activity log entry: label must not be empty")
		}
		if _, err := time.Parse("2006-01-02", e.Date); err != nil {
			return fmt.Errorf("activity log entry %q: invalid date %q: %w", e.Label, e.Date, err)
		}
		start, err := parseClock(e.Start)
		if err != nil {
			return fmt.Errorf("activity log entry %q: invalid start time %q: %w", e.Label, e.Start, err)
		}
		end, err := parseClock(e.End)
		if err != nil {
			return fmt.Errorf("activity log entry %q: invalid end time %q: %w", e.Label, e.End, err)
		}
		if start >= end {
			return fmt.Errorf("activity log entry %q: window %s-%s must have start before end", e.Label, e.Start, e.End)
		}
	}

	if c.FirstSyncLookback != "" {
		d, err := time.ParseDuration(c.FirstSyncLookback)
		if err != nil {
			return fmt.Errorf("invalid first_sync_lookback %q: %w", c.FirstSyncLookback, err)
		}
		if d <= 0 {
			return fmt.Errorf("first_sync_lookback must be positive, got %q", c.FirstSyncLookback)
		}
	}

	return nil
}

// Normalize fills derived fields (playlist keys, lowercased days) in place.
// Called before Validate on every save path.
func (c *Config) Normalize() {
	for i := range c.Playlists {
		c.Playlists[i].Name = strings.TrimSpace(c.Playlists[i].Name)
		if c.Playlists[i].Key == "" {
			c.Playlists[i].Key = Slugify(c.Playlists[i].Name)
		}
	}
	for i := range c.Schedule.Activities {
		for j, d := range c.Schedule.Activities[i].Days {
			c.Schedule.Activities[i].Days[j] = strings.ToLower(strings.TrimSpace(d))
		}
	}
	for i := range c.ActivityLog {
		c.ActivityLog[i].Label = strings.TrimSpace(c.ActivityLog[i].Label)
	}
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives the stable key for a playlist name.
func Slugify(name string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// parseClock parses "15:04" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

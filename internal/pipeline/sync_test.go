package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"floe/internal/classifier"
	"floe/internal/curation"
	"floe/internal/music"
	"floe/internal/storage"
)

type mockStore struct {
	mu        sync.Mutex
	cache     map[string]storage.CacheEntry
	saved     []storage.RunSummary
	watermark time.Time
	hasMark   bool
	markErr   error
}

func newMockStore() *mockStore {
	return &mockStore{cache: make(map[string]storage.CacheEntry)}
}

func (m *mockStore) CacheGet(trackID string) (storage.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[trackID]
	if !ok {
		return storage.CacheEntry{}, storage.ErrNotFound
	}
	return e, nil
}

func (m *mockStore) SaveRun(r storage.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, r)
	return nil
}

func (m *mockStore) Watermark() (time.Time, error) {
	if m.markErr != nil {
		return time.Time{}, m.markErr
	}
	if !m.hasMark {
		return time.Time{}, storage.ErrNotFound
	}
	return m.watermark, nil
}

func (m *mockStore) SetWatermark(t time.Time) error {
	m.watermark = t
	m.hasMark = true
	return nil
}

type mockCuration struct {
	mu  sync.Mutex
	cfg curation.Config
}

func (m *mockCuration) Load() (curation.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, nil
}

func (m *mockCuration) Update(fn func(*curation.Config) error) (curation.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := fn(&m.cfg); err != nil {
		return curation.Config{}, err
	}
	return m.cfg, nil
}

type mockHistory struct {
	recentFunc func(ctx context.Context, since time.Time, limit int) ([]music.Track, error)
	calls      int
	lastSince  time.Time
}

func (m *mockHistory) RecentTracks(ctx context.Context, since time.Time, limit int) ([]music.Track, error) {
	m.calls++
	m.lastSince = since
	return m.recentFunc(ctx, since, limit)
}

// mockPlacer simulates a remote playlist service with real membership.
type mockPlacer struct {
	mu        sync.Mutex
	playlists map[string]string          // display name -> remote ID
	members   map[string]map[string]bool // remote ID -> track IDs
	addErr    func(playlistID, trackID string) error
	nextID    int
}

func newMockPlacer() *mockPlacer {
	return &mockPlacer{
		playlists: make(map[string]string),
		members:   make(map[string]map[string]bool),
	}
}

func (m *mockPlacer) EnsurePlaylist(_ context.Context, name, _, remoteID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remoteID != "" {
		return remoteID, nil
	}
	if id, ok := m.playlists[name]; ok {
		return id, nil
	}
	m.nextID++
	id := fmt.Sprintf("remote-%d", m.nextID)
	m.playlists[name] = id
	m.members[id] = make(map[string]bool)
	return id, nil
}

func (m *mockPlacer) AddTrack(_ context.Context, playlistID, trackID string) (bool, error) {
	if m.addErr != nil {
		if err := m.addErr(playlistID, trackID); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[playlistID] == nil {
		m.members[playlistID] = make(map[string]bool)
	}
	if m.members[playlistID][trackID] {
		return false, nil
	}
	m.members[playlistID][trackID] = true
	return true, nil
}

// mockClassifier answers from a fixed category map and caches into the store
// the way the real classifier does.
type mockClassifier struct {
	store      *mockStore
	categories map[string]string
	calls      int
	contexts   []classifier.TrackContext
}

func (m *mockClassifier) Classify(_ context.Context, tracks []classifier.TrackContext, _ []curation.Playlist) []classifier.Decision {
	m.calls++
	m.contexts = append(m.contexts, tracks...)
	var out []classifier.Decision
	for _, tc := range tracks {
		cat, ok := m.categories[tc.Track.ID]
		if !ok {
			cat = storage.CategoryNone
		}
		m.store.mu.Lock()
		m.store.cache[tc.Track.ID] = storage.CacheEntry{TrackID: tc.Track.ID, Category: cat}
		m.store.mu.Unlock()
		out = append(out, classifier.Decision{TrackID: tc.Track.ID, Category: cat})
	}
	return out
}

func testConfig() curation.Config {
	return curation.Config{
		Playlists: []curation.Playlist{
			{Key: "gym", Name: "Gym", Emoji: "🏋️", Description: "high energy"},
			{Key: "chill", Name: "Chill", Description: "wind down"},
		},
		Schedule: curation.Schedule{
			Activities: []curation.Activity{
				{Label: "gym", Days: []string{"mon"}, Windows: []curation.Window{{Start: "18:00", End: "19:00"}}},
			},
		},
	}
}

func historyOf(tracks ...music.Track) *mockHistory {
	return &mockHistory{
		recentFunc: func(_ context.Context, since time.Time, _ int) ([]music.Track, error) {
			var out []music.Track
			for _, t := range tracks {
				if t.PlayedAt.After(since) {
					out = append(out, t)
				}
			}
			return out, nil
		},
	}
}

// minutesAgo keeps test plays inside the lookback window regardless of when
// the tests run.
func minutesAgo(n int) time.Time {
	return time.Now().UTC().Add(-time.Duration(n) * time.Minute).Truncate(time.Second)
}

func TestRunEndToEnd(t *testing.T) {
	store := newMockStore()
	placer := newMockPlacer()
	newest := minutesAgo(10)
	history := historyOf(
		music.Track{ID: "t1", Title: "Lift Heavy", Artist: "A", PlayedAt: minutesAgo(90)},
		music.Track{ID: "t2", Title: "Slow Down", Artist: "B", PlayedAt: minutesAgo(45)},
		music.Track{ID: "t3", Title: "Weird Skit", Artist: "C", PlayedAt: newest},
	)
	clf := &mockClassifier{store: store, categories: map[string]string{
		"t1": "gym",
		"t2": "chill",
		"t3": storage.CategoryNone,
	}}

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: testConfig()},
		History:    history,
		Placer:     placer,
		Classifier: clf,
	})

	summary, err := e.Run(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != "completed" {
		t.Errorf("status = %q, want completed (errors: %v)", summary.Status, summary.Errors)
	}
	if summary.TracksSeen != 3 || summary.NewlyClassified != 3 || summary.CacheHits != 0 {
		t.Errorf("counters = seen %d / new %d / hits %d, want 3/3/0",
			summary.TracksSeen, summary.NewlyClassified, summary.CacheHits)
	}
	if summary.Placements["gym"] != 1 || summary.Placements["chill"] != 1 {
		t.Errorf("placements = %v, want gym:1 chill:1", summary.Placements)
	}
	if summary.TotalPlaced() != 2 {
		t.Errorf("total placed = %d, want 2 (none is never placed)", summary.TotalPlaced())
	}

	gymID := placer.playlists["🏋️ Gym"]
	if gymID == "" {
		t.Fatal("gym playlist was not created with its emoji display name")
	}
	if !placer.members[gymID]["t1"] {
		t.Error("t1 not placed into gym playlist")
	}

	// Watermark advanced to the newest play.
	mark, err := store.Watermark()
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !mark.Equal(newest) {
		t.Errorf("watermark = %v, want %v", mark, newest)
	}

	if len(store.saved) != 1 {
		t.Errorf("saved %d summaries, want 1", len(store.saved))
	}
}

func TestRunIdempotentSecondRun(t *testing.T) {
	store := newMockStore()
	placer := newMockPlacer()
	tracks := []music.Track{
		{ID: "t1", Title: "Lift Heavy", PlayedAt: minutesAgo(90)},
		{ID: "t2", Title: "Slow Down", PlayedAt: minutesAgo(45)},
	}
	clf := &mockClassifier{store: store, categories: map[string]string{"t1": "gym", "t2": "chill"}}

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: testConfig()},
		History:    historyOf(tracks...),
		Placer:     placer,
		Classifier: clf,
	})

	if _, err := e.Run(context.Background(), 24*time.Hour); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Same lookback again: same tracks come back, but everything is cached
	// and already placed.
	second, err := e.Run(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.CacheHits != 2 || second.NewlyClassified != 0 {
		t.Errorf("second run: hits %d / new %d, want 2/0", second.CacheHits, second.NewlyClassified)
	}
	if second.TotalPlaced() != 0 {
		t.Errorf("second run placed %d tracks, want 0", second.TotalPlaced())
	}
	if clf.calls != 1 {
		t.Errorf("classifier called %d times across both runs, want 1", clf.calls)
	}
	if second.Status != "completed" {
		t.Errorf("second run status = %q, want completed", second.Status)
	}
}

func TestRunPartialPlacementFailure(t *testing.T) {
	store := newMockStore()
	placer := newMockPlacer()
	placer.addErr = func(_, trackID string) error {
		if trackID == "t2" {
			return music.ErrTrackNotFound
		}
		return nil
	}
	clf := &mockClassifier{store: store, categories: map[string]string{
		"t1": "gym", "t2": "gym", "t3": "gym",
	}}

	e := New(Deps{
		Store:    store,
		Curation: &mockCuration{cfg: testConfig()},
		History: historyOf(
			music.Track{ID: "t1", PlayedAt: minutesAgo(30)},
			music.Track{ID: "t2", PlayedAt: minutesAgo(25)},
			music.Track{ID: "t3", PlayedAt: minutesAgo(20)},
		),
		Placer:     placer,
		Classifier: clf,
	})

	summary, err := e.Run(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != "completed_with_errors" {
		t.Errorf("status = %q, want completed_with_errors", summary.Status)
	}
	if summary.Placements["gym"] != 2 {
		t.Errorf("placements = %v, want the two placeable tracks", summary.Placements)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(summary.Errors), summary.Errors)
	}
	if summary.Errors[0].TrackID != "t2" || summary.Errors[0].Stage != "place" {
		t.Errorf("error = %+v, want place failure for t2", summary.Errors[0])
	}
}

func TestRunWatermarkReadFailureAborts(t *testing.T) {
	store := newMockStore()
	store.markErr = errors.New("disk gone")

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: testConfig()},
		History:    historyOf(),
		Placer:     newMockPlacer(),
		Classifier: &mockClassifier{store: store},
	})

	_, err := e.Run(context.Background(), 0)
	if err == nil {
		t.Fatal("expected error when watermark read fails")
	}
	if len(store.saved) != 0 {
		t.Errorf("saved %d summaries, want none", len(store.saved))
	}
}

func TestRunExplicitLookbackSkipsWatermark(t *testing.T) {
	store := newMockStore()
	store.markErr = errors.New("must not be read")
	history := historyOf()

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: testConfig()},
		History:    history,
		Placer:     newMockPlacer(),
		Classifier: &mockClassifier{store: store},
	})

	if _, err := e.Run(context.Background(), 6*time.Hour); err != nil {
		t.Fatalf("Run with explicit lookback: %v", err)
	}
	if history.calls != 1 {
		t.Fatalf("history called %d times, want 1", history.calls)
	}
	wantSince := time.Now().UTC().Add(-6 * time.Hour)
	if diff := history.lastSince.Sub(wantSince); diff < -time.Minute || diff > time.Minute {
		t.Errorf("since = %v, want about %v", history.lastSince, wantSince)
	}
}

func TestRunFirstSyncUsesConfiguredLookback(t *testing.T) {
	store := newMockStore()
	history := historyOf()
	cfg := testConfig()
	cfg.FirstSyncLookback = "12h"

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: cfg},
		History:    history,
		Placer:     newMockPlacer(),
		Classifier: &mockClassifier{store: store},
	})

	if _, err := e.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantSince := time.Now().UTC().Add(-12 * time.Hour)
	if diff := history.lastSince.Sub(wantSince); diff < -time.Minute || diff > time.Minute {
		t.Errorf("since = %v, want about %v", history.lastSince, wantSince)
	}
}

func TestRunFetchFailureRetriesThenFails(t *testing.T) {
	store := newMockStore()
	history := &mockHistory{
		recentFunc: func(context.Context, time.Time, int) ([]music.Track, error) {
			return nil, errors.New("service unavailable")
		},
	}

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: testConfig()},
		History:    history,
		Placer:     newMockPlacer(),
		Classifier: &mockClassifier{store: store},
	})

	summary, err := e.Run(context.Background(), time.Hour)
	if err == nil {
		t.Fatal("expected error when fetch fails twice")
	}
	if history.calls != 2 {
		t.Errorf("history called %d times, want 2 (one retry)", history.calls)
	}
	if summary.Status != "failed" {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	if len(store.saved) != 1 {
		t.Errorf("saved %d summaries, want the failed one", len(store.saved))
	}
}

func TestRunRejectsOverlap(t *testing.T) {
	store := newMockStore()
	started := make(chan struct{})
	release := make(chan struct{})
	history := &mockHistory{
		recentFunc: func(context.Context, time.Time, int) ([]music.Track, error) {
			close(started)
			<-release
			return nil, nil
		},
	}

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: testConfig()},
		History:    history,
		Placer:     newMockPlacer(),
		Classifier: &mockClassifier{store: store},
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), time.Hour)
		done <- err
	}()

	<-started
	if !e.Running() {
		t.Error("Running() = false during an active run")
	}
	if _, err := e.Run(context.Background(), time.Hour); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("overlapping Run = %v, want ErrSyncInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if e.Running() {
		t.Error("Running() = true after the run finished")
	}
}

func TestRunPersistsLearnedRemoteIDs(t *testing.T) {
	store := newMockStore()
	cur := &mockCuration{cfg: testConfig()}
	clf := &mockClassifier{store: store, categories: map[string]string{"t1": "gym"}}

	e := New(Deps{
		Store:      store,
		Curation:   cur,
		History:    historyOf(music.Track{ID: "t1", PlayedAt: minutesAgo(30)}),
		Placer:     newMockPlacer(),
		Classifier: clf,
	})

	if _, err := e.Run(context.Background(), time.Hour); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, _ := cur.Load()
	p, _ := cfg.PlaylistByKey("gym")
	if p.RemoteID == "" {
		t.Error("remote playlist ID was not persisted back to the curation document")
	}
}

func TestRunRepeatedPlayCountedOnce(t *testing.T) {
	store := newMockStore()
	placer := newMockPlacer()
	clf := &mockClassifier{store: store, categories: map[string]string{"t1": "gym"}}

	e := New(Deps{
		Store:    store,
		Curation: &mockCuration{cfg: testConfig()},
		History: historyOf(
			music.Track{ID: "t1", PlayedAt: minutesAgo(40)},
			music.Track{ID: "t1", PlayedAt: minutesAgo(5)},
		),
		Placer:     placer,
		Classifier: clf,
	})

	summary, err := e.Run(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.TracksSeen != 2 {
		t.Errorf("seen = %d, want 2 plays", summary.TracksSeen)
	}
	if summary.NewlyClassified != 1 || summary.Placements["gym"] != 1 {
		t.Errorf("classified %d / placed %v, want one unique track",
			summary.NewlyClassified, summary.Placements)
	}
}

func TestRunNoPlaylistsConfigured(t *testing.T) {
	store := newMockStore()
	history := historyOf(music.Track{ID: "t1", PlayedAt: minutesAgo(30)})

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: curation.Config{}},
		History:    history,
		Placer:     newMockPlacer(),
		Classifier: &mockClassifier{store: store},
	})

	summary, err := e.Run(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != "completed" || summary.TracksSeen != 0 {
		t.Errorf("summary = %+v, want trivial completed run", summary)
	}
	if history.calls != 0 {
		t.Errorf("history called %d times with no playlists, want 0", history.calls)
	}
}

func TestRunLogEntryOverridesScheduleContext(t *testing.T) {
	store := newMockStore()
	placer := newMockPlacer()

	played := minutesAgo(30)
	if played.Hour() == 23 {
		played = played.Add(-time.Hour) // keep the full-day log window clear of the midnight wrap
	}

	cfg := testConfig()
	cfg.ActivityLog = []curation.LogEntry{
		{Date: played.Format("2006-01-02"), Start: "00:00", End: "23:59", Label: "studying"},
	}

	clf := &mockClassifier{store: store, categories: map[string]string{"t1": "chill"}}

	e := New(Deps{
		Store:      store,
		Curation:   &mockCuration{cfg: cfg},
		History:    historyOf(music.Track{ID: "t1", Title: "Focus Beats", PlayedAt: played}),
		Placer:     placer,
		Classifier: clf,
	})

	if _, err := e.Run(context.Background(), 24*time.Hour); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(clf.contexts) != 1 || clf.contexts[0].Activity != "studying" {
		t.Errorf("classifier context = %+v, want the logged activity %q", clf.contexts, "studying")
	}
}

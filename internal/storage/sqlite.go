package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const watermarkKey = "sync_watermark"

// Store wraps a SQLite database holding the classification cache, the run
// summary history, and the sync watermark.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "floe.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" errors; the cache sees
	// concurrent puts from the placement workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// --- Classification cache ---

// CacheGet returns the cached classification for a track, or ErrNotFound.
func (s *Store) CacheGet(trackID string) (CacheEntry, error) {
	var e CacheEntry
	var classifiedAt string
	err := s.db.QueryRow(`
		SELECT track_id, category, energy, tempo, mood, classified_at
		FROM song_cache WHERE track_id = ?`, trackID,
	).Scan(&e.TrackID, &e.Category, &e.Energy, &e.Tempo, &e.Mood, &classifiedAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	t, err := time.Parse(time.RFC3339, classifiedAt)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("parsing classified_at: %w", err)
	}
	e.ClassifiedAt = t
	return e, nil
}

// CachePut records a classification result. Writing the same category for an
// already-cached track is a no-op; writing a different category returns
// ErrCacheConflict and leaves the original entry unchanged.
func (s *Store) CachePut(e CacheEntry) error {
	existing, err := s.CacheGet(e.TrackID)
	if err == nil {
		if existing.Category == e.Category {
			return nil
		}
		return fmt.Errorf("%w: track %s has %q, refused %q", ErrCacheConflict, e.TrackID, existing.Category, e.Category)
	}
	if err != ErrNotFound {
		return err
	}

	classifiedAt := e.ClassifiedAt
	if classifiedAt.IsZero() {
		classifiedAt = time.Now().UTC()
	}
	// INSERT OR IGNORE keeps the first writer's value if two workers race on
	// the same key.
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO song_cache (track_id, category, energy, tempo, mood, classified_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TrackID, e.Category, e.Energy, e.Tempo, e.Mood, classifiedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// CacheCount returns the number of cached classifications.
func (s *Store) CacheCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM song_cache").Scan(&n)
	return n, err
}

// CacheEntries returns the most recently classified entries, newest first.
func (s *Store) CacheEntries(limit int) ([]CacheEntry, error) {
	rows, err := s.db.Query(`
		SELECT track_id, category, energy, tempo, mood, classified_at
		FROM song_cache ORDER BY classified_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CacheEntry
	for rows.Next() {
		var e CacheEntry
		var classifiedAt string
		if err := rows.Scan(&e.TrackID, &e.Category, &e.Energy, &e.Tempo, &e.Mood, &classifiedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, classifiedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing classified_at: %w", err)
		}
		e.ClassifiedAt = t
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Run summaries ---

// SaveRun appends a run summary to the history. Summaries are immutable
// once written.
func (s *Store) SaveRun(r RunSummary) error {
	placements, err := json.Marshal(r.Placements)
	if err != nil {
		return fmt.Errorf("encoding placements: %w", err)
	}
	runErrors, err := json.Marshal(r.Errors)
	if err != nil {
		return fmt.Errorf("encoding errors: %w", err)
	}
	if r.Placements == nil {
		placements = []byte("{}")
	}
	if r.Errors == nil {
		runErrors = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, started_at, finished_at, tracks_seen, newly_classified, cache_hits, placements_json, errors_json, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(time.RFC3339), r.FinishedAt.UTC().Format(time.RFC3339),
		r.TracksSeen, r.NewlyClassified, r.CacheHits, string(placements), string(runErrors), r.Status,
	)
	return err
}

// ListRuns returns up to limit run summaries, newest first.
func (s *Store) ListRuns(limit int) ([]RunSummary, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, tracks_seen, newly_classified, cache_hits, placements_json, errors_json, status
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LatestRun returns the most recent run summary, or ErrNotFound when no run
// has completed yet.
func (s *Store) LatestRun() (RunSummary, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return RunSummary{}, err
	}
	if len(runs) == 0 {
		return RunSummary{}, ErrNotFound
	}
	return runs[0], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunSummary, error) {
	var r RunSummary
	var startedAt, finishedAt, placements, runErrors string
	if err := row.Scan(&r.ID, &startedAt, &finishedAt, &r.TracksSeen, &r.NewlyClassified, &r.CacheHits, &placements, &runErrors, &r.Status); err != nil {
		return RunSummary{}, err
	}

	var err error
	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return RunSummary{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
		return RunSummary{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	if err := json.Unmarshal([]byte(placements), &r.Placements); err != nil {
		return RunSummary{}, fmt.Errorf("parsing placements for run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(runErrors), &r.Errors); err != nil {
		return RunSummary{}, fmt.Errorf("parsing errors for run %s: %w", r.ID, err)
	}
	return r, nil
}

// --- Watermark / app state ---

// Watermark returns the end of the last successfully processed history
// window, or ErrNotFound before the first successful run.
func (s *Store) Watermark() (time.Time, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM app_state WHERE key = ?", watermarkKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing watermark: %w", err)
	}
	return t, nil
}

// SetWatermark records the new history watermark.
func (s *Store) SetWatermark(t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		watermarkKey, t.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

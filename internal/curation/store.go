package curation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrInvalid marks save failures caused by a document that fails validation,
// as opposed to IO problems.
var ErrInvalid = errors.New("invalid curation config")

// Store persists the curation document as a single human-recoverable JSON
// file. Saves are atomic (temp file + rename) so a crash mid-write never
// leaves a torn document behind.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the current document. A missing file is not an error: it yields
// an empty document, which is the pre-setup state.
func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save validates and fully replaces the persisted document. An invalid
// document is rejected before any write lands; the previously saved document
// remains untouched.
func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

// Update applies fn to the current document and saves the result under a
// single lock, so concurrent updates through the control surface cannot
// clobber each other.
func (s *Store) Update(fn func(*Config) error) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked()
	if err != nil {
		return Config{}, err
	}
	if err := fn(&cfg); err != nil {
		return Config{}, err
	}
	if err := s.saveLocked(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s *Store) loadLocked() (Config, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading curation file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing curation file %s: %w", s.path, err)
	}
	return cfg, nil
}

func (s *Store) saveLocked(cfg Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating curation directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding curation config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing curation file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing curation file: %w", err)
	}
	return nil
}

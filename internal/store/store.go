// ABOUTME: Document store with a single process-wide lock over pluggable backends
// ABOUTME: Provides Load/Save/Update for whole JSON documents and raw blob access

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

// Store errors
var (
	ErrNotFound   = errors.New("not found")
	ErrCorrupt    = errors.New("corrupt document")
	ErrInvalidKey = errors.New("invalid document key")
)

// Document keys used by the coordination layer.
const (
	KeyAgents = "agents"
	KeyJobs   = "jobs"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_-]+(/[A-Za-z0-9_-]+)*$`)

// ValidateKey reports whether key is safe to hand to a backend.
func ValidateKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Backend persists raw document bytes by key.
// Get returns ErrNotFound when the key has never been written.
// Put must replace the previous content atomically.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// Store serializes all document access through one mutex.
type Store struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
}

// New wraps a backend.
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.With("component", "store"),
	}
}

// Load decodes the document stored under key into doc.
// A missing document leaves doc untouched.
func (s *Store) Load(ctx context.Context, key string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, key, doc)
}

// Save atomically replaces the document stored under key.
func (s *Store) Save(ctx context.Context, key string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, key, doc)
}

// Update loads key into doc, calls mutate and writes doc back, all while holding
// the store lock. Backend calls ignore cancellation of ctx: once started, a
// read-modify-write runs to completion even if the caller has gone away. If mutate returns an error the document is not written and the
// error is returned unchanged.
func (s *Store) Update(ctx context.Context, key string, doc any, mutate func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx, key, doc); err != nil {
		return err
	}
	if err := mutate(); err != nil {
		return err
	}
	return s.saveLocked(ctx, key, doc)
}

// GetBlob returns the raw document stored under key, or ErrNotFound.
func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Get(context.WithoutCancel(ctx), key)
}

// PutBlob stores raw bytes under key.
func (s *Store) PutBlob(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Put(context.WithoutCancel(ctx), key, data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) loadLocked(ctx context.Context, key string, doc any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	data, err := s.backend.Get(context.WithoutCancel(ctx), key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, doc); err != nil {
		s.logger.Error("document is corrupt", "key", key, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func (s *Store) saveLocked(ctx context.Context, key string, doc any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.backend.Put(context.WithoutCancel(ctx), key, data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

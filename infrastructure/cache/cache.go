// Package cache provides a two-level TTL cache for oracle results: an
// in-memory map backed by an optional directory of JSON files, so results
// survive process restarts.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/go-blocking/internal/ports"
)

const fileSuffix = ".cache.json"

// Config configures a Store.
type Config struct {
	// Dir enables the disk layer. Empty keeps the cache in memory only.
	Dir string
	// DefaultTTL applies when Set is called with a zero expiration.
	// Zero means entries never expire.
	DefaultTTL time.Duration
	Logger     *slog.Logger
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	DiskHits int64 `json:"disk_hits"`
	Entries  int   `json:"entries"`
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type diskEntry struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	Value     []byte    `json:"value"`
}

// Store implements ports.CacheStore. It is safe for concurrent use.
type Store struct {
	dir        string
	defaultTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	memory map[string]entry
	stats  Stats
}

var _ ports.CacheStore = (*Store)(nil)

// New creates a Store, creating Dir when set.
func New(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &Store{
		dir:        cfg.Dir,
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
		now:        time.Now,
		memory:     make(map[string]entry),
	}, nil
}

// Get returns a live entry from memory, then from disk. Expired disk
// entries are removed; unreadable ones are removed and reported as misses.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.memory[key]; ok {
		if !e.expired(now) {
			s.stats.Hits++
			return e.value, true, nil
		}
		delete(s.memory, key)
	}

	if s.dir != "" {
		e, ok := s.readDisk(key, now)
		if ok {
			s.memory[key] = e
			s.stats.Hits++
			s.stats.DiskHits++
			return e.value, true, nil
		}
	}

	s.stats.Misses++
	return nil, false, nil
}

// Set stores value in memory and, when enabled, on disk.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if expiration == 0 {
		expiration = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if expiration > 0 {
		e.expiresAt = s.now().Add(expiration)
	}
	s.memory[key] = e

	if s.dir == "" {
		return nil
	}
	return s.writeDisk(key, e)
}

// Delete removes key from both layers.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.memory, key)
	if s.dir == "" {
		return nil
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Clear empties both layers. Only files this store writes are removed.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memory = make(map[string]entry)
	if s.dir == "" {
		return nil
	}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	var errs []error
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), fileSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of hit and miss counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Entries = len(s.memory)
	return st
}

// path maps a key to a file name. Keys are hashed so any string is safe.
func (s *Store) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+fileSuffix)
}

func (s *Store) readDisk(key string, now time.Time) (entry, bool) {
	p := s.path(key)
	data, err := os.ReadFile(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cache read failed", "path", p, "error", err)
		}
		return entry{}, false
	}

	var de diskEntry
	if err := json.Unmarshal(data, &de); err != nil || de.Key != key {
		s.logger.Warn("removing unreadable cache entry", "path", p, "error", err)
		_ = os.Remove(p)
		return entry{}, false
	}
	e := entry{value: de.Value, expiresAt: de.ExpiresAt}
	if e.expired(now) {
		_ = os.Remove(p)
		return entry{}, false
	}
	return e, true
}

// writeDisk writes through a temporary file so readers never see a partial
// entry.
func (s *Store) writeDisk(key string, e entry) error {
	data, err := json.Marshal(diskEntry{Key: key, ExpiresAt: e.expiresAt, Value: e.value})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

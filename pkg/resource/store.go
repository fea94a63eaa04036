// Package resource holds large binary artifacts under short-lived opaque ids
// so invocation responses can carry a reference instead of the bytes.
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/hostbridge/pkg/clock"
)

const logPrefix = "resource:store"

// DefaultRetention is how long an entry lives after Put.
const DefaultRetention = 5 * time.Minute

var (
	// ErrNotFound is returned for unknown, removed and expired ids.
	ErrNotFound = errors.New("resource not found")
	// ErrClosed is returned by Put after Close.
	ErrClosed = errors.New("resource store closed")
)

// Entry describes one stored artifact.
type Entry struct {
	ID        string    `json:"id"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	Path      string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type item struct {
	entry Entry
	data  []byte
	timer clock.Timer
}

// Store is a TTL-only map of artifacts. Access never extends an entry's life.
// A single mutex guards the map and the backing storage, so a read that
// races an eviction sees either the full artifact or ErrNotFound.
type Store struct {
	mu        sync.Mutex
	dir       string
	retention time.Duration
	clock     clock.Clock
	items     map[string]*item
	closed    bool
}

// NewStore creates a store. When baseDir is empty artifacts are kept in
// memory; otherwise a private directory is created under baseDir and removed
// on Close. A non-positive retention selects DefaultRetention.
func NewStore(baseDir string, retention time.Duration, clk clock.Clock) (*Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &Store{
		retention: retention,
		clock:     clk,
		items:     make(map[string]*item),
	}
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o700); err != nil {
			return nil, fmt.Errorf("%s - create base dir: %w", logPrefix, err)
		}
		dir, err := os.MkdirTemp(baseDir, "resources-")
		if err != nil {
			return nil, fmt.Errorf("%s - create store dir: %w", logPrefix, err)
		}
		s.dir = dir
		slog.Info(fmt.Sprintf("%s - file backing at %s, retention %s", logPrefix, dir, retention))
	} else {
		slog.Info(fmt.Sprintf("%s - in-memory backing, retention %s", logPrefix, retention))
	}
	return s, nil
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration { return s.retention }

// Dir returns the backing directory, or "" for in-memory stores.
func (s *Store) Dir() string { return s.dir }

// Put stores a copy of data and schedules its removal after the retention window.
func (s *Store) Put(data []byte, mimeType string) (Entry, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	id := uuid.NewString()
	now := s.clock.Now()
	it := &item{entry: Entry{
		ID:        id,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, ErrClosed
	}

	if s.dir != "" {
		path := filepath.Join(s.dir, id+extensionFor(mimeType))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return Entry{}, fmt.Errorf("%s - write %s: %w", logPrefix, id, err)
		}
		it.entry.Path = path
	} else {
		it.data = append([]byte(nil), data...)
	}

	s.items[id] = it
	it.timer = s.clock.AfterFunc(s.retention, func() { s.expire(id) })

	slog.Debug(fmt.Sprintf("%s - stored %s (%s, %d bytes)", logPrefix, id, mimeType, len(data)))
	return it.entry, nil
}

// Lookup returns the metadata of a live entry.
func (s *Store) Lookup(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.liveLocked(id)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return it.entry, nil
}

// Read returns a copy of the artifact bytes and its metadata.
func (s *Store) Read(id string) ([]byte, Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.liveLocked(id)
	if !ok {
		return nil, Entry{}, ErrNotFound
	}
	if it.entry.Path == "" {
		return append([]byte(nil), it.data...), it.entry, nil
	}
	data, err := os.ReadFile(it.entry.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			delete(s.items, id)
			it.timer.Stop()
			return nil, Entry{}, ErrNotFound
		}
		return nil, Entry{}, fmt.Errorf("%s - read %s: %w", logPrefix, id, err)
	}
	return data, it.entry, nil
}

// Remove deletes an entry and its backing storage. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close removes every entry and the backing directory. Put fails afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id := range s.items {
		s.removeLocked(id)
	}
	if s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil {
			return fmt.Errorf("%s - remove store dir: %w", logPrefix, err)
		}
	}
	return nil
}

func (s *Store) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		slog.Debug(fmt.Sprintf("%s - expired %s", logPrefix, id))
	}
	s.removeLocked(id)
}

// liveLocked returns the entry for id unless its retention window has
// passed. Timers can fire late (a suspended host does not advance the
// monotonic clock), so reads check the deadline themselves.
func (s *Store) liveLocked(id string) (*item, bool) {
	it, ok := s.items[id]
	if !ok {
		return nil, false
	}
	if !s.clock.Now().Before(it.entry.ExpiresAt) {
		slog.Debug(fmt.Sprintf("%s - expired %s on access", logPrefix, id))
		s.removeLocked(id)
		return nil, false
	}
	return it, true
}

func (s *Store) removeLocked(id string) {
	it, ok := s.items[id]
	if !ok {
		return
	}
	delete(s.items, id)
	if it.timer != nil {
		it.timer.Stop()
	}
	if it.entry.Path != "" {
		if err := os.Remove(it.entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn(fmt.Sprintf("%s - remove backing file for %s: %v", logPrefix, id, err))
		}
	}
}

var extensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/mp4":       ".m4a",
	"audio/aac":       ".aac",
	"audio/mpeg":      ".mp3",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

func extensionFor(mimeType string) string {
	if ext, ok := extensions[mimeType]; ok {
		return ext
	}
	return ".bin"
}

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const tokenLogPrefix = "identity:token"

// TokenStore persists the device token issued by the gateway on pairing.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
}

type tokenFile struct {
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileTokenStore keeps the token in a JSON file readable only by the owner.
type FileTokenStore struct {
	mu   sync.Mutex
	path string
}

// NewFileTokenStore stores the token at path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// DefaultTokenPath is the token location inside a state dir.
func DefaultTokenPath(stateDir string) string {
	return filepath.Join(stateDir, "gateway-token.json")
}

// Path returns the backing file.
func (s *FileTokenStore) Path() string { return s.path }

// Load returns the saved token, or "" when none has been saved.
func (s *FileTokenStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s - read: %w", tokenLogPrefix, err)
	}
	var f tokenFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("%s - decode: %w", tokenLogPrefix, err)
	}
	return f.Token, nil
}

// Save replaces the saved token.
func (s *FileTokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.MarshalIndent(tokenFile{Token: token, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("%s - encode: %w", tokenLogPrefix, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("%s - create dir: %w", tokenLogPrefix, err)
	}
	if err := writeFileAtomic(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("%s - write: %w", tokenLogPrefix, err)
	}
	return nil
}

// MemoryTokenStore keeps the token in memory.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
	saves int
}

// Load returns the current token.
func (m *MemoryTokenStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

// Save records token.
func (m *MemoryTokenStore) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryTokenStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

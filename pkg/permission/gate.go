// Package permission answers whether a capability may be used on this host.
package permission

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

const logPrefix = "permission:gate"

// Gate is consulted by handlers before touching a sensitive service.
type Gate interface {
	IsGranted(capability string) bool
}

// Snapshotter reports the grant state of every known capability.
type Snapshotter interface {
	Snapshot() map[string]bool
}

// StaticGate grants a fixed set of capabilities. Capabilities it does not
// name get Default.
type StaticGate struct {
	Default bool
	Grants  map[string]bool
}

// AllowAll grants everything.
func AllowAll() *StaticGate { return &StaticGate{Default: true} }

// IsGranted implements Gate.
func (g *StaticGate) IsGranted(capability string) bool {
	if v, ok := g.Grants[capability]; ok {
		return v
	}
	return g.Default
}

// Snapshot implements Snapshotter.
func (g *StaticGate) Snapshot() map[string]bool {
	out := make(map[string]bool, len(g.Grants))
	for k, v := range g.Grants {
		out[k] = v
	}
	return out
}

// fileSchema is the on-disk layout:
//
//	default: false
//	grants:
//	  file: true
//	  shell: false
type fileSchema struct {
	Default bool            `yaml:"default"`
	Grants  map[string]bool `yaml:"grants"`
}

// FileGate is a StaticGate loaded from a YAML file that can be reloaded at runtime.
type FileGate struct {
	path string
	mu   sync.RWMutex
	gate StaticGate
}

// LoadFile reads the gate at path. A missing file yields a gate that grants
// everything, matching a host with no restrictions configured.
func LoadFile(path string) (*FileGate, error) {
	g := &FileGate{path: path}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the file. On error the previous grants stay in effect.
func (g *FileGate) Reload() error {
	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		slog.Info(fmt.Sprintf("%s - No permissions file at %s, granting all capabilities", logPrefix, g.path))
		g.mu.Lock()
		g.gate = StaticGate{Default: true}
		g.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s - read %s: %w", logPrefix, g.path, err)
	}

	var parsed fileSchema
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("%s - parse %s: %w", logPrefix, g.path, err)
	}

	g.mu.Lock()
	g.gate = StaticGate{Default: parsed.Default, Grants: parsed.Grants}
	g.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Loaded %d grants from %s (default=%v)", logPrefix, len(parsed.Grants), g.path, parsed.Default))
	return nil
}

// IsGranted implements Gate.
func (g *FileGate) IsGranted(capability string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gate.IsGranted(capability)
}

// Snapshot implements Snapshotter.
func (g *FileGate) Snapshot() map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gate.Snapshot()
}

// Save writes the current grants back to the file.
func (g *FileGate) Save() error {
	g.mu.RLock()
	doc := fileSchema{Default: g.gate.Default, Grants: g.gate.Grants}
	g.mu.RUnlock()

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("%s - encode: %w", logPrefix, err)
	}
	if err := os.WriteFile(g.path, data, 0o600); err != nil {
		return fmt.Errorf("%s - write %s: %w", logPrefix, g.path, err)
	}
	return nil
}

// Set grants or revokes one capability in memory.
func (g *FileGate) Set(capability string, granted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate.Grants == nil {
		g.gate.Grants = make(map[string]bool)
	}
	g.gate.Grants[capability] = granted
}

// Report evaluates the gate for each capability, producing the permissions
// block sent in the pairing hello.
func Report(g Gate, capabilities []string) map[string]bool {
	out := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		out[c] = g.IsGranted(c)
	}
	return out
}

// Denied lists the capabilities g refuses, sorted.
func Denied(g Gate, capabilities []string) []string {
	var out []string
	for _, c := range capabilities {
		if !g.IsGranted(c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

package client

import (
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Blocklist is the set of usernames whose messages are hidden locally.
// It is safe for concurrent use. Names match exactly after trimming.
type Blocklist struct {
	mu    sync.RWMutex
	path  string // empty: not persisted
	names map[string]struct{}
}

type blocklistFile struct {
	Blocked []string `yaml:"blocked"`
}

// NewBlocklist returns an empty, unpersisted block list.
func NewBlocklist() *Blocklist {
	return &Blocklist{names: make(map[string]struct{})}
}

// LoadBlocklist reads a YAML block list from path. A missing file yields
// an empty list that Save will create.
func LoadBlocklist(path string) (*Blocklist, error) {
	b := NewBlocklist()
	b.path = path

	data, err := os.ReadFile(path) //nolint:gosec // path from user CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, err
	}
	var f blocklistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for _, name := range f.Blocked {
		b.Add(name)
	}
	return b, nil
}

// Save writes the list to its file. Unpersisted lists are a no-op.
func (b *Blocklist) Save() error {
	if b.path == "" {
		return nil
	}
	data, err := yaml.Marshal(blocklistFile{Blocked: b.List()})
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0600)
}

// Add blocks name. Returns true if it was not blocked before.
func (b *Blocklist) Add(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.names[name]; ok {
		return false
	}
	b.names[name] = struct{}{}
	return true
}

// Remove unblocks name. Returns true if it was blocked.
func (b *Blocklist) Remove(name string) bool {
	name = strings.TrimSpace(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.names[name]; !ok {
		return false
	}
	delete(b.names, name)
	return true
}

// Blocked reports whether name is blocked.
func (b *Blocklist) Blocked(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.names[strings.TrimSpace(name)]
	return ok
}

// List returns the blocked names sorted.
func (b *Blocklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.names))
	for name := range b.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

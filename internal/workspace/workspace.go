// Package workspace binds interface windows to working directories.
package workspace

import (
	"maps"
	"path/filepath"
	"strings"
	"sync"
)

type Bindings struct {
	defaultDir string

	mu   sync.RWMutex
	dirs map[string]string
}

func New(defaultDir string) *Bindings {
	return &Bindings{defaultDir: clean(defaultDir), dirs: make(map[string]string)}
}

func clean(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	return filepath.Clean(dir)
}

// Get returns the directory bound to window, or the default.
func (b *Bindings) Get(window string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if dir, ok := b.dirs[window]; ok {
		return dir
	}
	return b.defaultDir
}

// Set binds window to dir and reports whether the effective directory
// changed.
func (b *Bindings) Set(window, dir string) bool {
	dir = clean(dir)
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.dirs[window]
	if !ok {
		prev = b.defaultDir
	}
	if dir == "" {
		delete(b.dirs, window)
		return prev != b.defaultDir
	}
	b.dirs[window] = dir
	return prev != dir
}

func (b *Bindings) Remove(window string) {
	b.mu.Lock()
	delete(b.dirs, window)
	b.mu.Unlock()
}

func (b *Bindings) Default() string {
	return b.defaultDir
}

func (b *Bindings) Snapshot() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.dirs)
}

package permission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type ApprovalState string

const (
	StateDisabled      ApprovalState = "disabled"
	StateEnabled       ApprovalState = "enabled"
	StateAlwaysAllowed ApprovalState = "always_allowed"
)

func parseApprovalState(raw string) (ApprovalState, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "-", "_")
	switch ApprovalState(value) {
	case StateDisabled, StateEnabled, StateAlwaysAllowed:
		return ApprovalState(value), true
	case "alwaysallowed", "always":
		return StateAlwaysAllowed, true
	default:
		return "", false
	}
}

// Table is an immutable snapshot of tool approval records keyed by
// normalized "server:tool".
type Table struct {
	records map[string]ApprovalState
}

func NewTable(records map[string]ApprovalState) Table {
	normalized := make(map[string]ApprovalState, len(records))
	for key, state := range records {
		normalized[NormalizeKey(key)] = state
	}
	return Table{records: normalized}
}

func (t Table) Lookup(key string) (ApprovalState, bool) {
	state, ok := t.records[NormalizeKey(key)]
	return state, ok
}

func (t Table) Len() int {
	return len(t.records)
}

// Records returns a copy of the table contents.
func (t Table) Records() map[string]ApprovalState {
	out := make(map[string]ApprovalState, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}

type approvalFile struct {
	Tools map[string]string `yaml:"tools"`
}

// Store exposes the approval table persisted by the interface process.
// It never writes the file.
type Store struct {
	path   string
	logger zerolog.Logger

	mu    sync.RWMutex
	table Table
}

func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{path: path, logger: logger, table: NewTable(nil)}
}

// Snapshot returns the current table. Snapshots are never mutated.
func (s *Store) Snapshot() Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// Reload reads the file again. A missing file yields an empty table.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.swap(NewTable(nil))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read approvals %s: %w", s.path, err)
	}

	var file approvalFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse approvals %s: %w", s.path, err)
	}

	records := make(map[string]ApprovalState, len(file.Tools))
	for key, raw := range file.Tools {
		state, ok := parseApprovalState(raw)
		if !ok {
			s.logger.Warn().Str("key", key).Str("state", raw).Msg("ignoring unknown approval state")
			continue
		}
		records[key] = state
	}
	s.swap(NewTable(records))
	return nil
}

func (s *Store) swap(t Table) {
	s.mu.Lock()
	s.table = t
	s.mu.Unlock()
}

// Watch reloads the table whenever the file changes until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create approvals watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("create approvals dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn().Err(err).Msg("approval table reload failed")
					continue
				}
				s.logger.Debug().Int("records", s.Snapshot().Len()).Msg("approval table reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("approval watcher error")
			}
		}
	}()
	return nil
}

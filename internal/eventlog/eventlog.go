// Package eventlog writes an append-only record of each session.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
)

const (
	TypeSessionStart = "session_start"
	TypeUserMessage  = "user_message"
	TypeEvent        = "event"
	TypeSessionEnd   = "session_end"
)

type Record struct {
	SessionKey string
	Type       string
	// SessionID is the runtime-assigned id once known.
	SessionID string
	Data      any
}

type Sink interface {
	Record(r Record)
	// CloseSession releases resources held for key.
	CloseSession(key string)
}

type NopSink struct{}

func (NopSink) Record(Record)       {}
func (NopSink) CloseSession(string) {}

// FileSink appends one JSON line per record to <dir>/<session key>.jsonl.
// Write failures are logged and otherwise ignored.
type FileSink struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	files map[string]*sessionFile
}

type sessionFile struct {
	f   *os.File
	log zerolog.Logger
}

func NewFileSink(dir string, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	return &FileSink{dir: dir, logger: logger, files: make(map[string]*sessionFile)}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (s *FileSink) Path(key string) string {
	return filepath.Join(s.dir, unsafeName.ReplaceAllString(key, "_")+".jsonl")
}

func (s *FileSink) Record(r Record) {
	if r.SessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, ok := s.files[r.SessionKey]
	if !ok {
		f, err := os.OpenFile(s.Path(r.SessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_key", r.SessionKey).Msg("session log unavailable")
			return
		}
		sf = &sessionFile{f: f, log: zerolog.New(f).With().Timestamp().Str("session_key", r.SessionKey).Logger()}
		s.files[r.SessionKey] = sf
	}

	ev := sf.log.Log().Str("type", r.Type)
	if r.SessionID != "" {
		ev = ev.Str("session_id", r.SessionID)
	}
	if r.Data != nil {
		ev = ev.Interface("data", r.Data)
	}
	ev.Send()
}

func (s *FileSink) CloseSession(key string) {
	s.mu.Lock()
	sf, ok := s.files[key]
	delete(s.files, key)
	s.mu.Unlock()
	if ok {
		if err := sf.f.Close(); err != nil {
			s.logger.Warn().Err(err).Str("session_key", key).Msg("closing session log")
		}
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, sf := range s.files {
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, key)
	}
	return firstErr
}

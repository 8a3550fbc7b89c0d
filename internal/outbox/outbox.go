// Package outbox buffers outbound event envelopes on disk until the
// interface process acknowledges them.
package outbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	fileName     = "outbox.jsonl"
	ackedSeqFile = "outbox-acked-seq"
)

// Envelope is one outbound event as it goes over the wire.
type Envelope struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Outbox is an append-only JSONL buffer bounded by maxSize. When full the
// oldest envelope is dropped. Acked envelopes are pruned and the file is
// compacted lazily.
type Outbox struct {
	dir     string
	path    string
	maxSize int

	mu          sync.Mutex
	entries     []Envelope
	file        *os.File
	lastCompact time.Time
	dropped     int
}

func Open(dir string, maxSize int) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	o := &Outbox{
		dir:     dir,
		path:    filepath.Join(dir, fileName),
		maxSize: maxSize,
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	if err := o.openFile(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) load() error {
	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	acked, err := o.loadAckedSeq()
	if err != nil {
		return fmt.Errorf("load acked seq: %w", err)
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var env Envelope
		if json.Unmarshal(sc.Bytes(), &env) != nil || env.Seq <= acked {
			continue
		}
		o.entries = append(o.entries, env)
	}
	if len(o.entries) > o.maxSize {
		o.entries = o.entries[len(o.entries)-o.maxSize:]
	}
	return sc.Err()
}

func (o *Outbox) openFile() error {
	if o.file != nil {
		return nil
	}
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox for append: %w", err)
	}
	o.file = f
	return nil
}

func writeLine(f *os.File, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

func (o *Outbox) rewrite() error {
	tmp := o.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create outbox tmp: %w", err)
	}
	for _, env := range o.entries {
		if err := writeLine(f, env); err != nil {
			f.Close()
			return fmt.Errorf("write outbox tmp: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, o.path); err != nil {
		return fmt.Errorf("replace outbox: %w", err)
	}
	if o.file != nil {
		_ = o.file.Close()
		o.file = nil
	}
	o.lastCompact = time.Now()
	return o.openFile()
}

// Only rewrite when enough has been pruned to matter.
func (o *Outbox) maybeRewrite(removed int) error {
	if removed == 0 {
		return nil
	}
	if removed < 100 && time.Since(o.lastCompact) < 30*time.Second {
		return nil
	}
	if info, err := os.Stat(o.path); err == nil && info.Size() < 5<<20 && removed < 100 {
		return nil
	}
	return o.rewrite()
}

// Add appends env. It reports whether an older envelope was evicted.
func (o *Outbox) Add(env Envelope) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	evicted := false
	if len(o.entries) >= o.maxSize {
		o.entries = o.entries[1:]
		o.dropped++
		evicted = true
	}
	o.entries = append(o.entries, env)

	if err := o.openFile(); err != nil {
		return evicted, err
	}
	if err := writeLine(o.file, env); err != nil {
		return evicted, fmt.Errorf("append outbox: %w", err)
	}
	if evicted {
		return true, o.rewrite()
	}
	return false, nil
}

// Ack drops every envelope with Seq <= seq and persists seq.
func (o *Outbox) Ack(seq int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.entries[:0]
	removed := 0
	for _, env := range o.entries {
		if env.Seq > seq {
			kept = append(kept, env)
			continue
		}
		removed++
	}
	o.entries = kept
	if err := o.saveAckedSeq(seq); err != nil {
		return err
	}
	return o.maybeRewrite(removed)
}

// Unacked returns a copy of the buffered envelopes in sequence order.
func (o *Outbox) Unacked() []Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Envelope, len(o.entries))
	copy(out, o.entries)
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Dropped counts envelopes evicted because the outbox was full.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// LastSeq is the highest sequence number held or acked, so a restarted
// daemon continues numbering after it.
func (o *Outbox) LastSeq() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	last, _ := o.loadAckedSeq()
	if n := len(o.entries); n > 0 && o.entries[n-1].Seq > last {
		last = o.entries[n-1].Seq
	}
	return last
}

func (o *Outbox) AckedSeq() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq, _ := o.loadAckedSeq()
	return seq
}

func (o *Outbox) loadAckedSeq() (int64, error) {
	data, err := os.ReadFile(filepath.Join(o.dir, ackedSeqFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return seq, nil
}

func (o *Outbox) saveAckedSeq(seq int64) error {
	path := filepath.Join(o.dir, ackedSeqFile)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(seq, 10)), 0o644); err != nil {
		return fmt.Errorf("save acked seq: %w", err)
	}
	return nil
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	return err
}

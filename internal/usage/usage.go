// Package usage accumulates token and cost usage per session from the
// runtime's result events.
package usage

import (
	"math"
	"sync"
	"time"

	"github.com/jasonkneen/claudesky-sub000/internal/stream"
)

// SessionUsage is the running total for one session.
type SessionUsage struct {
	SessionID        string    `json:"session_id,omitempty"`
	Model            string    `json:"model,omitempty"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CacheReadTokens  int       `json:"cache_read_tokens"`
	CacheWriteTokens int       `json:"cache_write_tokens"`
	CostCents        int       `json:"cost_cents"`
	DurationMs       int64     `json:"duration_ms"`
	Turns            int       `json:"turns"`
	ReportedAt       time.Time `json:"reported_at"`
}

// TotalTokens counts every token billed to the session.
func (u SessionUsage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Tracker keeps per-session totals keyed by the local session key.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*SessionUsage
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*SessionUsage)}
}

// Add folds res into the session's totals. Token counts and durations are
// per turn and add up; total_cost_usd is already cumulative for the
// runtime session, so the larger value wins. changed is false when res
// carried nothing new.
func (t *Tracker) Add(key string, res stream.Result) (SessionUsage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.sessions[key]
	if !ok {
		cur = &SessionUsage{}
		t.sessions[key] = cur
	}
	before := *cur

	if res.SessionID != "" {
		cur.SessionID = res.SessionID
	}
	cur.InputTokens += res.Usage.InputTokens
	cur.OutputTokens += res.Usage.OutputTokens
	cur.CacheReadTokens += res.Usage.CacheReadInputTokens
	cur.CacheWriteTokens += res.Usage.CacheCreationInputTokens
	cur.DurationMs += res.DurationMs
	if res.NumTurns > 0 {
		cur.Turns += res.NumTurns
	} else {
		cur.Turns++
	}
	if cents := int(math.Round(res.TotalCostUSD * 100)); cents > cur.CostCents {
		cur.CostCents = cents
	}

	changed := !usageEqual(&before, cur)
	if changed {
		cur.ReportedAt = time.Now()
	}
	return *cur, changed
}

// SetModel records the model serving the session.
func (t *Tracker) SetModel(key, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.sessions[key]
	if !ok {
		cur = &SessionUsage{}
		t.sessions[key] = cur
	}
	cur.Model = model
}

func (t *Tracker) Get(key string) (SessionUsage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.sessions[key]
	if !ok {
		return SessionUsage{}, false
	}
	return *cur, true
}

// Remove drops tracking for a finished session.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, key)
}

func usageEqual(a, b *SessionUsage) bool {
	return a.SessionID == b.SessionID &&
		a.InputTokens == b.InputTokens &&
		a.OutputTokens == b.OutputTokens &&
		a.CacheReadTokens == b.CacheReadTokens &&
		a.CacheWriteTokens == b.CacheWriteTokens &&
		a.CostCents == b.CostCents &&
		a.DurationMs == b.DurationMs
}

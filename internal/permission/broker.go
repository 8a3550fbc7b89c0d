package permission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownRequest = errors.New("unknown approval request")

// Escalation is a tool request waiting for a human decision.
type Escalation struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Key       string         `json:"key,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Decision struct {
	Behavior     Behavior       `json:"behavior"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// PublishFunc hands an escalation to whoever can answer it.
type PublishFunc func(Escalation)

type Broker struct {
	timeout time.Duration
	publish PublishFunc

	mu      sync.Mutex
	pending map[string]pendingRequest
}

type pendingRequest struct {
	escalation Escalation
	ch         chan Decision
}

func NewBroker(timeout time.Duration, publish PublishFunc) *Broker {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Broker{
		timeout: timeout,
		publish: publish,
		pending: make(map[string]pendingRequest),
	}
}

// Request publishes esc and blocks until a decision is delivered, the
// timeout elapses or ctx is done. Timeouts and cancellation deny.
func (b *Broker) Request(ctx context.Context, esc Escalation) Decision {
	if esc.ID == "" {
		esc.ID = uuid.NewString()
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now()
	}

	ch := make(chan Decision, 1)
	b.mu.Lock()
	b.pending[esc.ID] = pendingRequest{escalation: esc, ch: ch}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, esc.ID)
		b.mu.Unlock()
	}()

	if b.publish != nil {
		b.publish(esc)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		if d.Behavior != BehaviorAllow {
			d.Behavior = BehaviorDeny
		}
		if d.Behavior == BehaviorDeny && d.Message == "" {
			d.Message = "denied by user"
		}
		return d
	case <-timer.C:
		return Decision{Behavior: BehaviorDeny, Message: "approval timed out"}
	case <-ctx.Done():
		return Decision{Behavior: BehaviorDeny, Message: "approval cancelled"}
	}
}

// Deliver resolves a pending request. It reports false when the id is
// unknown or already answered.
func (b *Broker) Deliver(id string, d Decision) bool {
	b.mu.Lock()
	req, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case req.ch <- d:
		return true
	default:
		return false
	}
}

// Pending lists outstanding escalations, oldest first.
func (b *Broker) Pending() []Escalation {
	b.mu.Lock()
	out := make([]Escalation, 0, len(b.pending))
	for _, req := range b.pending {
		out = append(out, req.escalation)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

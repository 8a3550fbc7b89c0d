// Package queue holds user messages waiting to be handed to the active
// agent session. Messages leave the queue strictly in enqueue order.
package queue

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull     = errors.New("pending message queue is full")
	ErrSourceClaimed = errors.New("queue already has an active consumer")
)

type Message struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Attachments []string  `json:"attachments,omitempty"`
	WindowID    string    `json:"window_id,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

type Options struct {
	// MaxPending bounds the queue; 0 means unbounded. Enqueue beyond the
	// bound fails with ErrQueueFull.
	MaxPending int
	// OnDepth observes the queue depth after every change. It runs under
	// the queue lock and must not call back into the queue.
	OnDepth func(depth int)
}

type entry struct {
	msg     Message
	receipt *Receipt
}

type Queue struct {
	opts Options

	mu      sync.Mutex
	items   []entry
	wake    chan struct{}
	current *Source
}

func New(opts Options) *Queue {
	return &Queue{opts: opts, wake: make(chan struct{})}
}

// Enqueue appends msg to the tail. The receipt resolves once the message
// is handed to a consumer, or is dropped by Clear.
func (q *Queue) Enqueue(msg Message) (*Receipt, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.opts.MaxPending > 0 && len(q.items) >= q.opts.MaxPending {
		return nil, ErrQueueFull
	}
	r := newReceipt(msg.ID)
	q.items = append(q.items, entry{msg: msg, receipt: r})
	close(q.wake)
	q.wake = make(chan struct{})
	q.depthLocked()
	return r, nil
}

func (q *Queue) depthLocked() {
	if q.opts.OnDepth != nil {
		q.opts.OnDepth(len(q.items))
	}
}

// Clear drops every queued message and resolves their receipts as
// Dropped. It returns the number of messages removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.depthLocked()
	q.mu.Unlock()

	for _, e := range items {
		e.receipt.resolve(Dropped)
	}
	return len(items)
}

// Hold stops the current consumer from receiving further messages without
// ending its sequence. Next blocks until the sequence ends.
func (q *Queue) Hold() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil {
		q.current.held = true
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued messages in order.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.items))
	for i, e := range q.items {
		out[i] = e.msg
	}
	return out
}

// HandoffFunc runs under the queue lock for every message handed to the
// consumer, before the message's receipt resolves.
type HandoffFunc func(Message)

// Source claims the single consumer slot. It ends when stop is closed, on
// Abort, or on Close. Only one Source may be live at a time.
func (q *Queue) Source(stop <-chan struct{}, onHandoff HandoffFunc) (*Source, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil {
		return nil, ErrSourceClaimed
	}
	s := &Source{
		q:         q,
		stop:      stop,
		end:       make(chan struct{}),
		onHandoff: onHandoff,
	}
	q.current = s
	return s, nil
}

type Source struct {
	q         *Queue
	stop      <-chan struct{}
	end       chan struct{}
	ended     bool
	held      bool
	onHandoff HandoffFunc
}

// Next blocks until a message is available or the sequence ends. ok is
// false at end of sequence or when ctx is done.
func (s *Source) Next(ctx context.Context) (Message, bool) {
	q := s.q
	for {
		q.mu.Lock()
		if s.ended {
			q.mu.Unlock()
			return Message{}, false
		}
		select {
		case <-s.stop:
			s.finishLocked()
			q.mu.Unlock()
			return Message{}, false
		default:
		}
		if len(q.items) > 0 && !s.held {
			e := q.items[0]
			q.items[0] = entry{}
			q.items = q.items[1:]
			q.depthLocked()
			if s.onHandoff != nil {
				s.onHandoff(e.msg)
			}
			q.mu.Unlock()
			e.receipt.resolve(Delivered)
			return e.msg, true
		}
		wake := q.wake
		if s.held {
			wake = nil
		}
		q.mu.Unlock()

		select {
		case <-wake:
		case <-s.end:
			return Message{}, false
		case <-s.stop:
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// All adapts Next to a range-over-func sequence.
func (s *Source) All(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			msg, ok := s.Next(ctx)
			if !ok || !yield(msg) {
				return
			}
		}
	}
}

// CloseIfDrained runs cond under the queue lock and ends the sequence
// when cond returns true and no message is queued. cond always runs.
func (s *Source) CloseIfDrained(cond func() bool) bool {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	ok := cond == nil || cond()
	if !ok || len(s.q.items) > 0 {
		return false
	}
	s.finishLocked()
	return true
}

// Close ends the sequence and releases the consumer slot.
func (s *Source) Close() {
	s.q.mu.Lock()
	s.finishLocked()
	s.q.mu.Unlock()
}

// Done is closed when the sequence has ended.
func (s *Source) Done() <-chan struct{} {
	return s.end
}

func (s *Source) finishLocked() {
	if !s.ended {
		s.ended = true
		close(s.end)
	}
	if s.q.current == s {
		s.q.current = nil
	}
}

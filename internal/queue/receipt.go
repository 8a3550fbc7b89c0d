package queue

import (
	"context"
	"sync"
)

type Outcome int

const (
	Pending Outcome = iota
	Delivered
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	default:
		return "pending"
	}
}

// Receipt resolves exactly once, either when its message is handed to the
// session or when the message is dropped by Clear.
type Receipt struct {
	ID string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newReceipt(id string) *Receipt {
	return &Receipt{ID: id, done: make(chan struct{})}
}

func (r *Receipt) resolve(o Outcome) {
	r.once.Do(func() {
		r.outcome = o
		close(r.done)
	})
}

func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Outcome reports Pending until the receipt resolves.
func (r *Receipt) Outcome() Outcome {
	select {
	case <-r.done:
		return r.outcome
	default:
		return Pending
	}
}

func (r *Receipt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

package shape

import (
	"context"
	"sync"

	"github.com/roach88/lofi/internal/queryir"
)

// Subscription is one caller's handle on a shape.
type Subscription struct {
	m     *Manager
	entry *entry
	key   string

	syncedOnce sync.Once
	synced     chan struct{}

	cancelOnce sync.Once
	done       chan struct{}
}

func newSubscription(m *Manager, e *entry) *Subscription {
	return &Subscription{
		m:      m,
		entry:  e,
		key:    e.key,
		synced: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Key returns the shape key.
func (s *Subscription) Key() string {
	return s.key
}

// Shape returns the normalized definition.
func (s *Subscription) Shape() queryir.Shape {
	return s.entry.shape
}

// Synced is closed once, when the initial snapshot has been applied to the
// Local Store. It never closes for a subscription cancelled before that.
func (s *Subscription) Synced() <-chan struct{} {
	return s.synced
}

// Wait blocks until the shape is synced, the subscription is cancelled
// (ErrUnsubscribed) or ctx is done.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.synced:
		return nil
	default:
	}
	select {
	case <-s.synced:
		return nil
	case <-s.done:
		return ErrUnsubscribed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe cancels this handle. The shape itself is unsubscribed when its
// last handle goes. Safe to call more than once.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.cancelOnce.Do(func() {
		close(s.done)
		err = s.m.unsubscribe(ctx, s)
	})
	return err
}

// markSynced is called with the manager lock held.
func (s *Subscription) markSynced() {
	select {
	case <-s.done:
		return
	default:
	}
	s.syncedOnce.Do(func() { close(s.synced) })
}

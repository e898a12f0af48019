// Package limiter bounds the number of tasks executing concurrently across
// the whole process, independent of per-agent capacity.
package limiter

import (
	"context"
	"errors"
)

// ErrNoSlots indicates every execution slot is taken and the caller asked
// not to wait.
var ErrNoSlots = errors.New("limiter: no execution slots available")

// Limiter is a slot semaphore. A slot must be acquired before a task attempt
// starts and released exactly once when it ends, whatever the outcome.
type Limiter struct {
	slots chan struct{}
}

// New creates a limiter with the given number of slots. Sizes below one are
// clamped to one.
func New(maxConcurrent int) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{slots: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a slot is free or the context is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking, returning ErrNoSlots when full.
func (l *Limiter) TryAcquire() error {
	select {
	case l.slots <- struct{}{}:
		return nil
	default:
		return ErrNoSlots
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
		// Unbalanced release is a programming error; tolerate it rather
		// than corrupt the slot count.
	}
}

// InUse reports how many slots are currently held.
func (l *Limiter) InUse() int {
	return len(l.slots)
}

// Cap reports the slot ceiling.
func (l *Limiter) Cap() int {
	return cap(l.slots)
}

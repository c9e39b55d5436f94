package channel

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// holderWeight is the "large number of permits" of spec.md §4.F: holding
// one is shared (the channel is stable for the block's duration); holding
// all of them is exclusive (a state transition is in flight).
const holderWeight = 1 << 20

// Holder is a single-slot resource with two modes, each scoped to a
// caller-supplied block: Opened guarantees an open channel exists for the
// block's duration, Closed guarantees the channel is closed. Internal
// state is exactly one of {closed, open(channel)}.
//
// Deadlock rule (documented, not enforced): a caller that currently holds
// the channel Opened must not, on the same goroutine, call Closed before
// returning from that block, and vice versa.
type Holder struct {
	sem    *semaphore.Weighted
	opener *Opener

	mu      sync.Mutex // guards channel below; never held across I/O
	channel Channel
}

// NewHolder builds a Holder around opener, starting Closed.
func NewHolder(opener *Opener) *Holder {
	return &Holder{sem: semaphore.NewWeighted(holderWeight), opener: opener}
}

// Opened runs fn with a guaranteed-open channel. If the channel is
// already open, fn runs under a shared permit. If it is closed, Opened
// upgrades to the exclusive lock, allocates it uninterruptibly (even if
// ctx is cancelled mid-transition, per spec.md §4.F and §5), then
// downgrades back to shared before running fn.
func (h *Holder) Opened(ctx context.Context, fn func(Channel) error) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	h.mu.Lock()
	ch := h.channel
	h.mu.Unlock()

	if ch == nil {
		h.sem.Release(1)

		if err := h.sem.Acquire(context.Background(), holderWeight); err != nil {
			return fmt.Errorf("channel: acquire exclusive lock for open: %w", err)
		}

		h.mu.Lock()
		ch = h.channel
		if ch == nil {
			opened, err := h.opener.Open(context.Background())
			if err != nil {
				h.mu.Unlock()
				h.sem.Release(holderWeight)
				return err
			}
			h.channel = opened
			ch = opened
		}
		h.mu.Unlock()

		h.sem.Release(holderWeight - 1)
	}

	defer h.sem.Release(1)
	return fn(ch)
}

// Closed runs fn with a guaranteed-closed channel. Symmetric to Opened:
// if a channel is open it is closed uninterruptibly before fn runs.
func (h *Holder) Closed(ctx context.Context, fn func() error) error {
	if err := h.sem.Acquire(ctx, holderWeight); err != nil {
		return err
	}
	defer h.sem.Release(holderWeight)

	h.mu.Lock()
	ch := h.channel
	h.channel = nil
	h.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			return fmt.Errorf("channel: close during transition: %w", err)
		}
	}

	return fn()
}

// Finalize closes any Open state. Called once at process shutdown.
func (h *Holder) Finalize() error {
	h.mu.Lock()
	ch := h.channel
	h.channel = nil
	h.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}

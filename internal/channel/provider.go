package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loader/internal/alert"
	"loader/internal/health"
)

// Provider wraps a Holder with the setup retry policy and shared-backoff
// behavior of spec.md §4.G: concurrent callers racing a failed open do
// not multiply retries against the warehouse — the first failure arms a
// single backoff timer every other waiter attaches to.
type Provider struct {
	holder  *Holder
	base    time.Duration
	health  *health.Cell
	alerter *alert.Alerter

	mu      sync.Mutex
	pending *sharedRetry // non-nil while a shared backoff is in flight
	attempt int          // persists across failures until a success resets it
}

// sharedRetry is the single pending-retry future concurrent Opened
// callers attach to instead of arming their own timer.
type sharedRetry struct {
	done chan struct{}
}

// NewProvider builds a Provider around holder.
func NewProvider(holder *Holder, base time.Duration, h *health.Cell, a *alert.Alerter) *Provider {
	return &Provider{holder: holder, base: base, health: h, alerter: a}
}

// Opened guarantees an open channel for fn's duration, opening it first
// if necessary. A failed open is retried with exponential backoff shared
// across every concurrent caller currently blocked in Opened.
func (p *Provider) Opened(ctx context.Context, fn func(Channel) error) error {
	for {
		err := p.holder.Opened(ctx, fn)
		if err == nil {
			p.mu.Lock()
			p.attempt = 0
			p.mu.Unlock()
			p.health.SetHealthy()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.health.SetUnhealthy(err.Error())
		if waitErr := p.waitForSharedRetry(ctx, err); waitErr != nil {
			return waitErr
		}
		// On success (shared retry resolved), loop back and try Opened
		// again — the channel will either already be open (another
		// waiter opened it) or we race to open it ourselves.
	}
}

// waitForSharedRetry arms a single backoff timer on the first caller to
// observe a failure and blocks every concurrent caller on it, so a
// thundering herd of openers during an outage produces one alert and one
// delay, not one per caller.
func (p *Provider) waitForSharedRetry(ctx context.Context, cause error) error {
	p.mu.Lock()
	if p.pending == nil {
		p.attempt++
		attempt := p.attempt
		sr := &sharedRetry{done: make(chan struct{})}
		p.pending = sr
		p.mu.Unlock()

		p.alerter.Send(ctx, alert.SeverityCritical,
			fmt.Sprintf("channel open: attempt %d failed: %v", attempt, cause))

		shift := attempt - 1
		if shift > 20 {
			shift = 20
		}
		delay := p.base * (1 << shift)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.mu.Lock()
			p.pending = nil
			p.mu.Unlock()
			close(sr.done)
			return ctx.Err()
		case <-timer.C:
		}

		p.mu.Lock()
		p.pending = nil
		p.mu.Unlock()
		close(sr.done)
		return nil
	}

	sr := p.pending
	p.mu.Unlock()

	select {
	case <-sr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset requests Closed, then returns: the next Opened call re-opens the
// channel against (presumably) the now-evolved schema.
func (p *Provider) Reset(ctx context.Context) error {
	return p.holder.Closed(context.Background(), func() error { return nil })
}

// Package retry implements the two backoff policies of spec.md §4.A:
// an unbounded "setup" policy for persistent configuration/permission
// errors, and a bounded "transient" policy for errors expected to
// resolve on their own. Both drive the shared health cell and alerter.
package retry

import (
	"context"
	"fmt"
	"time"

	"loader/internal/alert"
	"loader/internal/health"
)

// maxBackoffShift bounds delay_n = base * 2^n so an unbounded setup
// retry's delay cannot overflow or grow to an impractical duration across
// a long outage.
const maxBackoffShift = 20

// Policy runs a fallible action with exponential backoff: delay_n = base *
// 2^n. On success the health cell is set Healthy and the loop stops. On
// failure the health cell is set Unhealthy; Setup policies also alert at
// every attempt boundary before sleeping and trying again.
type Policy struct {
	Base       time.Duration
	MaxAttempts int // 0 means unbounded (Setup policy)
	Alerting   bool

	health  *health.Cell
	alerter *alert.Alerter
}

// NewSetup returns the unbounded, alerting policy used for setup errors
// (auth, permissions, unknown database/schema/table).
func NewSetup(base time.Duration, h *health.Cell, a *alert.Alerter) *Policy {
	return &Policy{Base: base, MaxAttempts: 0, Alerting: true, health: h, alerter: a}
}

// NewTransient returns the bounded, non-alerting policy used for
// network/server-side errors expected to resolve by retry.
func NewTransient(base time.Duration, attempts int, h *health.Cell) *Policy {
	return &Policy{Base: base, MaxAttempts: attempts, Alerting: false, health: h}
}

// Run executes action, retrying on error according to the policy. It
// returns nil on the first success. For a Setup policy it only returns
// when action succeeds or ctx is cancelled. For a Transient policy it
// gives up and returns the last error once MaxAttempts is exhausted.
func (p *Policy) Run(ctx context.Context, name string, action func(context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := action(ctx)
		if err == nil {
			p.health.SetHealthy()
			return nil
		}

		lastErr = err
		p.health.SetUnhealthy(err.Error())

		if p.Alerting && p.alerter != nil {
			p.alerter.Send(ctx, alert.SeverityCritical,
				fmt.Sprintf("%s: attempt %d failed: %v", name, attempt+1, err))
		}

		if p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt+1, lastErr)
		}

		shift := attempt
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		delay := p.Base * (1 << shift)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

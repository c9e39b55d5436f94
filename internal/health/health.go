// Package health tracks the loader's overall liveness as a single
// lock-free cell, following the two-state design in spec.md §4.B.
package health

import "sync/atomic"

// State is a snapshot of the loader's health.
type State struct {
	Healthy bool
	Reason  string
}

// Healthy is the zero-reason healthy state.
var Healthy = State{Healthy: true}

// Cell is an atomically-swapped health flag. The zero value starts
// Unhealthy, per spec.md §3 ("starts Unhealthy; becomes Healthy after
// first successful table initialisation").
type Cell struct {
	state atomic.Pointer[State]
}

// NewCell returns a Cell starting Unhealthy with the given reason.
func NewCell(reason string) *Cell {
	c := &Cell{}
	c.state.Store(&State{Healthy: false, Reason: reason})
	return c
}

// SetHealthy flips the cell to Healthy. Last writer wins; there is no
// fairness guarantee between concurrent writers.
func (c *Cell) SetHealthy() {
	s := Healthy
	c.state.Store(&s)
}

// SetUnhealthy flips the cell to Unhealthy with the given reason.
func (c *Cell) SetUnhealthy(reason string) {
	c.state.Store(&State{Healthy: false, Reason: reason})
}

// Snapshot returns the cell's current state. Readers may observe a
// briefly stale value under concurrent writes.
func (c *Cell) Snapshot() State {
	s := c.state.Load()
	if s == nil {
		return State{}
	}
	return *s
}

// IsHealthy is a convenience wrapper over Snapshot, used by the liveness
// probe handler.
func (c *Cell) IsHealthy() bool {
	return c.Snapshot().Healthy
}

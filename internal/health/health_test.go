package health

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCell_StartsUnhealthy(t *testing.T) {
	c := NewCell("starting up")
	assert.False(t, c.IsHealthy())
	assert.Equal(t, "starting up", c.Snapshot().Reason)
}

func TestCell_SetHealthy(t *testing.T) {
	c := NewCell("starting up")
	c.SetHealthy()
	assert.True(t, c.IsHealthy())
	assert.Empty(t, c.Snapshot().Reason)
}

func TestCell_SetUnhealthy(t *testing.T) {
	c := NewCell("starting up")
	c.SetHealthy()
	c.SetUnhealthy("channel reopen failed")
	assert.False(t, c.IsHealthy())
	assert.Equal(t, "channel reopen failed", c.Snapshot().Reason)
}

func TestCell_ConcurrentAccess(t *testing.T) {
	c := NewCell("starting up")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); c.SetHealthy() }()
		go func() { defer wg.Done(); _ = c.IsHealthy() }()
	}
	wg.Wait()
}

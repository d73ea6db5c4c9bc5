// Package system provides the wall clock used for run timestamps and lock
// ages, plus a manually driven clock for tests and replays.
package system

import (
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// Clock implements analyzer.Clock using time.Now in UTC.
type Clock struct{}

var (
	_ analyzer.Clock = Clock{}
	_ analyzer.Clock = (*Manual)(nil)
)

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Manual only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual starts a Manual clock at start, normalized to UTC.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time. Negative
// durations are ignored so timestamps never go backwards.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	return m.now
}

// Set jumps to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

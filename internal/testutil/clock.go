package testutil

import (
	"fmt"
	"sync"
	"time"
)

// FixedTime is the instant every fixture clock starts at:
// 2024-01-15 14:30:22 UTC, the timestamp token 20240115_143022.
func FixedTime() time.Time {
	return time.Date(2024, 1, 15, 14, 30, 22, 0, time.UTC)
}

// ManualClock only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// FixedClock returns a ManualClock at FixedTime.
func FixedClock() *ManualClock {
	return NewManualClock(FixedTime())
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SequentialIDs hands out "transfer-1", "transfer-2", ...
type SequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (g *SequentialIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("transfer-%d", g.n)
}

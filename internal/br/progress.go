package br

import (
	"sync/atomic"
	"time"
)

// ProgressObserver receives a transfer's progress after every chunk. It runs
// on the transfer's goroutine and must treat the Progress as read-only.
type ProgressObserver interface {
	OnProgress(p *Progress)
}

// ProgressFunc adapts a function to ProgressObserver.
type ProgressFunc func(p *Progress)

func (f ProgressFunc) OnProgress(p *Progress) { f(p) }

// Progress tracks one in-flight transfer. Only the transfer engine advances
// the counter; Cancel may be called by anyone holding a reference.
type Progress struct {
	name        string
	total       int64
	startedAt   time.Time
	clock       Clock
	observer    ProgressObserver
	transferred atomic.Int64
	cancel      atomic.Bool
}

// NewProgress creates a tracker for a transfer of total bytes. observer may be nil.
func NewProgress(name string, total int64, clock Clock, observer ProgressObserver) *Progress {
	if clock == nil {
		clock = RealClock{}
	}
	return &Progress{
		name:      name,
		total:     total,
		startedAt: clock.Now(),
		clock:     clock,
		observer:  observer,
	}
}

// Name is the artifact being transferred.
func (p *Progress) Name() string { return p.name }

// Total is fixed at creation.
func (p *Progress) Total() int64 { return p.total }

// Transferred never decreases.
func (p *Progress) Transferred() int64 { return p.transferred.Load() }

func (p *Progress) StartedAt() time.Time { return p.startedAt }

// Add credits delta bytes and notifies the observer. A delta <= 0 changes
// nothing and is not reported, so the observer only sees increasing values.
func (p *Progress) Add(delta int64) {
	if delta <= 0 {
		return
	}
	p.transferred.Add(delta)
	p.notify()
}

// Seed sets the counter to n bytes already present (resume) and notifies the
// observer before any new byte moves. It never lowers the counter, and a
// Seed that does not raise it is only reported while nothing has moved yet.
func (p *Progress) Seed(n int64) {
	raised := false
	for {
		cur := p.transferred.Load()
		if n <= cur {
			break
		}
		if p.transferred.CompareAndSwap(cur, n) {
			raised = true
			break
		}
	}
	if raised || p.Transferred() == 0 {
		p.notify()
	}
}

func (p *Progress) notify() {
	if p.observer != nil {
		p.observer.OnProgress(p)
	}
}

// Cancel asks the engine to stop before the next chunk.
func (p *Progress) Cancel() { p.cancel.Store(true) }

// CancelRequested reports whether Cancel was called.
func (p *Progress) CancelRequested() bool { return p.cancel.Load() }

// Percentage is capped at 100. A zero-byte transfer always reports 0.
func (p *Progress) Percentage() float64 {
	if p.total <= 0 {
		return 0
	}
	pct := float64(p.Transferred()) / float64(p.total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Elapsed is the time since the transfer started.
func (p *Progress) Elapsed() time.Duration {
	return p.clock.Now().Sub(p.startedAt)
}

// Throughput in bytes per second; 0 until time has passed.
func (p *Progress) Throughput() float64 {
	secs := p.Elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.Transferred()) / secs
}

// ETA estimates the remaining time. ok is false while nothing has been
// transferred or throughput is still zero.
func (p *Progress) ETA() (eta time.Duration, ok bool) {
	transferred := p.Transferred()
	rate := p.Throughput()
	if transferred == 0 || rate == 0 {
		return 0, false
	}
	remaining := p.total - transferred
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second)), true
}

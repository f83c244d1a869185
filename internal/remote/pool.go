package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// DialFunc opens a new connection to host.
type DialFunc[T io.Closer] func(ctx context.Context, host string) (T, error)

// Pool keeps at most one live connection per host. Connections are opened on
// first Acquire and live until Invalidate or Close.
type Pool[T io.Closer] struct {
	dial DialFunc[T]

	mu     sync.Mutex
	conns  map[string]T
	closed bool
}

func NewPool[T io.Closer](dial DialFunc[T]) *Pool[T] {
	return &Pool[T]{
		dial:  dial,
		conns: make(map[string]T),
	}
}

// Acquire returns the pooled connection for host, dialing if there is none.
// The lock is held while dialing so concurrent callers for the same host
// share one connection.
func (p *Pool[T]) Acquire(ctx context.Context, host string) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if p.closed {
		return zero, ErrPoolClosed
	}
	if c, ok := p.conns[host]; ok {
		return c, nil
	}

	c, err := p.dial(ctx, host)
	if err != nil {
		return zero, fmt.Errorf("connecting to %s: %w", host, err)
	}
	p.conns[host] = c
	return c, nil
}

// Invalidate closes and forgets the connection for host so the next Acquire
// dials again. Used after transport errors.
func (p *Pool[T]) Invalidate(host string) {
	p.mu.Lock()
	c, ok := p.conns[host]
	delete(p.conns, host)
	p.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Hosts lists hosts with a live connection.
func (p *Pool[T]) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]string, 0, len(p.conns))
	for h := range p.conns {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Close closes every connection. It returns the first close error.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]T)
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for host, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing connection to %s: %w", host, err)
		}
	}
	return firstErr
}

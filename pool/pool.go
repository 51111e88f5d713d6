// Package pool provides the bounded set of execution slots the miner fans
// its puzzle work across.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrClosed is returned by Acquire once the pool has been torn down.
var ErrClosed = errors.New("pool: closed")

// DefaultCapacity leaves one hardware thread free for the orchestrator.
func DefaultCapacity() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// Pool hands out ownership of slot indices in [0, capacity). Acquire
// blocks cooperatively until a slot is idle, the caller's context fires,
// or the pool is closed. No fairness is guaranteed, only liveness.
type Pool struct {
	idle chan int

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func New(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		idle: make(chan int, capacity),
		done: make(chan struct{}),
	}
	for i := 0; i < capacity; i++ {
		p.idle <- i
	}
	return p
}

// Capacity reports the number of slots.
func (p *Pool) Capacity() int {
	return cap(p.idle)
}

// Acquire returns ownership of an idle slot index.
func (p *Pool) Acquire(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
		return 0, ErrClosed
	case slot := <-p.idle:
		return slot, nil
	}
}

// Release returns a slot to the idle set. Releasing after Close is a
// no-op so borrowers never block on teardown.
func (p *Pool) Release(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.idle <- slot:
	default:
		panic("pool: release of slot that was never acquired")
	}
}

// Close tears the pool down and unblocks every pending Acquire.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseCyclesAllSlots(t *testing.T) {
	p := New(3)
	defer p.Close()
	require.Equal(t, 3, p.Capacity())

	ctx := context.Background()
	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		slot, err := p.Acquire(ctx)
		require.NoError(t, err)
		require.False(t, seen[slot], "slot %d handed out twice", slot)
		seen[slot] = true
	}

	// All slots borrowed: the next acquire must block until a release.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(blocked)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(0)
	slot, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, slot)
}

func TestConcurrentBorrowersNeverExceedCapacity(t *testing.T) {
	const capacity = 4
	const borrowers = 32

	p := New(capacity)
	defer p.Close()

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < borrowers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := p.Acquire(context.Background())
			require.NoError(t, err)
			defer p.Release(slot)

			now := active.Add(1)
			for {
				prev := peak.Load()
				if now <= prev || peak.CompareAndSwap(prev, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int64(capacity))
}

func TestAcquireHonorsCancellation(t *testing.T) {
	p := New(1)
	defer p.Close()

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	p.Release(slot)
}

func TestCloseUnblocksWaiters(t *testing.T) {
	p := New(1)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_ = slot

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()

	p.Close()
	require.ErrorIs(t, <-done, ErrClosed)

	// Releasing a borrowed slot after close must not panic or block.
	p.Release(slot)
	p.Close()
}

func TestDefaultCapacityIsPositive(t *testing.T) {
	require.GreaterOrEqual(t, DefaultCapacity(), 1)
}

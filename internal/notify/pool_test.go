package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	defer p.Shutdown()

	var active, peak int64
	for range 8 {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			n := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		}))
	}
	p.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	assert.Equal(t, int64(8), p.Stats().Completed)
}

func TestPool_CountsFailuresAndPanics(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return errors.New("x") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("boom") }))
	p.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(0), stats.Active)
}

func TestPool_Shutdown(t *testing.T) {
	p := NewPool(1)
	p.Shutdown()
	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	p.Shutdown()
}

func TestPool_SubmitHonorsContext(t *testing.T) {
	p := NewPool(1)
	defer p.Shutdown()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

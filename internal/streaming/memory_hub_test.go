package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertQuiet(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		TenantID:   "acme",
		EntityType: "deal",
		EntityID:   "d-1",
		EventType:  EventEntityTransitioned,
		Payload:    map[string]any{"to": "approved"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, "d-1", got.EntityID)
	assert.Equal(t, EventEntityTransitioned, got.EventType)
	assert.False(t, got.At.IsZero())
}

func TestFilterByTenantAndEntity(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{TenantID: "acme", EntityType: "deal", EntityID: "d-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "other", EntityType: "deal", EntityID: "d-1", EventType: EventEntityUpdated}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EntityType: "lead", EntityID: "d-1", EventType: EventEntityUpdated}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EntityType: "deal", EntityID: "d-2", EventType: EventEntityUpdated}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EntityType: "deal", EntityID: "d-1", EventType: EventEntityUpdated}))

	got := receive(t, ch)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "d-1", got.EntityID)
	assertQuiet(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{EventDispatchFailed, EventActionDegraded},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EventType: EventDispatchFailed}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EventType: EventDispatchSent}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EventType: EventActionDegraded}))

	assert.Equal(t, EventDispatchFailed, receive(t, ch).EventType)
	assert.Equal(t, EventActionDegraded, receive(t, ch).EventType)
	assertQuiet(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EventType: EventEntityCreated}))
	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		assert.Equal(t, EventEntityCreated, receive(t, ch).EventType)
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EventType: EventEntityUpdated}))
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{TenantID: "acme", EventType: "tick"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, StreamEvent{TenantID: "acme", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{EventType: "tick"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

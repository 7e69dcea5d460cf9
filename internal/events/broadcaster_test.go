package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_PublishSubscribe(t *testing.T) {
	b := NewBroadcaster[int](4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, 2, <-ch)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcaster_FullSubscriberDrops(t *testing.T) {
	b := NewBroadcaster[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBroadcaster_CancelClosesChannel(t *testing.T) {
	b := NewBroadcaster[string](0)
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
	assert.Equal(t, 0, b.Subscribers())
}

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "dispatcher")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	env := model.Envelope{Name: model.EventPing, RedisMetadata: model.Metadata{Origin: "p1"}}
	require.NoError(t, b.Publish(ctx, "dispatcher", env))

	select {
	case got := <-sub.C():
		require.Equal(t, env, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBus_FanOutToMultipleSubscribers(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)
	defer func() { _ = sub1.Close() }()
	defer func() { _ = sub2.Close() }()

	env := model.Envelope{Name: "accountingFolder", RedisMetadata: model.Metadata{Origin: "p1"}}
	require.NoError(t, b.Publish(ctx, "c1", env))

	for _, s := range []Subscriber{sub1, sub2} {
		select {
		case got := <-s.C():
			require.Equal(t, env, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestMemoryBus_CloseStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, ok := <-sub.C()
	require.False(t, ok, "channel should be closed")
}

func TestMemoryBus_PublishContextCanceled(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	// Saturate the subscriber's buffer so the next publish must block on
	// the channel send, making the context-cancellation path deterministic.
	filler := model.Envelope{Name: "x", RedisMetadata: model.Metadata{Origin: "o"}}
	for i := 0; i < cap(sub.(*memSub).ch); i++ {
		require.NoError(t, b.Publish(ctx, "c1", filler))
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	err = b.Publish(cancelCtx, "c1", filler)
	require.Error(t, err)
}

package ping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MyUnisoft/events-dispatcher/internal/bus"
	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/registry"
	"github.com/MyUnisoft/events-dispatcher/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEvictor struct {
	evicted []model.Incomer
}

func (f *fakeEvictor) EvictIncomer(ctx context.Context, i model.Incomer) error {
	f.evicted = append(f.evicted, i)
	return nil
}

func TestPingRound_PublishesAndRecordsMainPerPeer(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	b := bus.NewMemoryBus()
	c := clock.NewFake(time.Now())

	reg := registry.New(kv, "test:", c)
	_, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "peer-1", Name: "worker"})
	require.NoError(t, err)

	stores := store.NewFactory(kv, "test:", c)
	lv := New(b, reg, stores, c, &fakeEvictor{})
	lv.Prefix = "test:"
	lv.SelfProvidedUUID = "self"

	incomers, err := reg.GetIncomers(ctx)
	require.NoError(t, err)
	var peerUUID string
	for id := range incomers {
		peerUUID = id
	}

	sub, err := b.Subscribe(ctx, model.IncomerChannel("test:", peerUUID))
	require.NoError(t, err)
	defer sub.Close()

	lv.PingNow(ctx)

	select {
	case env := <-sub.C():
		require.Equal(t, model.EventPing, env.Name)
		require.Equal(t, "self", env.RedisMetadata.Origin)
	case <-time.After(time.Second):
		t.Fatal("expected a ping envelope")
	}

	txns, err := stores.Dispatcher().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	for _, tx := range txns {
		require.True(t, tx.MainTransaction)
		require.Equal(t, peerUUID, tx.To)
	}
}

func TestPingRound_SelfIncomerBumpsActivityDirectly(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	b := bus.NewMemoryBus()
	c := clock.NewFake(time.Now())

	reg := registry.New(kv, "test:", c)
	providedUUID, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "self", Name: "dispatcher"})
	require.NoError(t, err)

	stores := store.NewFactory(kv, "test:", c)
	lv := New(b, reg, stores, c, &fakeEvictor{})
	lv.Prefix = "test:"
	lv.SelfProvidedUUID = "self"

	c.Advance(time.Minute)
	lv.PingNow(ctx)

	updated, err := reg.Get(ctx, providedUUID)
	require.NoError(t, err)
	require.Equal(t, c.NowMillis(), updated.LastActivity)

	txns, err := stores.Dispatcher().GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, txns, "no ping envelope should be sent to self")
}

func TestActivityCheckRound_EvictsStaleIncomerWithoutRecentPing(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	b := bus.NewMemoryBus()
	c := clock.NewFake(time.Now())

	reg := registry.New(kv, "test:", c)
	providedUUID, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "peer-1", Name: "worker"})
	require.NoError(t, err)

	stores := store.NewFactory(kv, "test:", c)
	ev := &fakeEvictor{}
	lv := New(b, reg, stores, c, ev)
	lv.Prefix = "test:"
	lv.SelfProvidedUUID = "self"
	lv.IdleTime = 10 * time.Second

	c.Advance(time.Minute)
	lv.activityCheckRound(ctx)

	require.Len(t, ev.evicted, 1)
	require.Equal(t, providedUUID, ev.evicted[0].ProvidedUUID)
}

func TestActivityCheckRound_RecentPingResponseAvoidsEviction(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	b := bus.NewMemoryBus()
	c := clock.NewFake(time.Now())

	reg := registry.New(kv, "test:", c)
	providedUUID, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "peer-1", Name: "worker"})
	require.NoError(t, err)

	stores := store.NewFactory(kv, "test:", c)
	ev := &fakeEvictor{}
	lv := New(b, reg, stores, c, ev)
	lv.Prefix = "test:"
	lv.SelfProvidedUUID = "self"
	lv.IdleTime = 10 * time.Second

	c.Advance(time.Minute)
	_, err = stores.Incomer(providedUUID).Set(ctx, model.Transaction{Name: model.EventPing})
	require.NoError(t, err)

	lv.activityCheckRound(ctx)

	require.Empty(t, ev.evicted)
	updated, err := reg.Get(ctx, providedUUID)
	require.NoError(t, err)
	require.Equal(t, c.NowMillis(), updated.LastActivity)
}

func TestRunPingLoop_ReconfigurePingAppliesWithoutRestart(t *testing.T) {
	kv := store.NewMemoryKV()
	b := bus.NewMemoryBus()
	c := clock.NewFake(time.Now())

	reg := registry.New(kv, "test:", c)
	_, err := reg.SetIncomer(context.Background(), model.Incomer{BaseUUID: "peer-1", Name: "worker"})
	require.NoError(t, err)

	stores := store.NewFactory(kv, "test:", c)
	lv := New(b, reg, stores, c, &fakeEvictor{})
	lv.Prefix = "test:"
	lv.SelfProvidedUUID = "self"
	lv.PingInterval = time.Hour // long enough that only the reload, not the ticker, can fire a round in this test

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lv.RunPingLoop(ctx) }()

	lv.ReconfigurePing(20 * time.Millisecond)

	select {
	case <-time.After(500 * time.Millisecond):
	case <-done:
		t.Fatal("RunPingLoop returned unexpectedly")
	}
	require.Equal(t, 20*time.Millisecond, lv.PingInterval, "reconfigured interval should be applied by the loop goroutine")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

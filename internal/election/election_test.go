package election

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

func newTestElection(t *testing.T, b bus.Bus, kv store.KV, privateUUID, selfProvidedUUID string) *Election {
	t.Helper()
	reg := registry.New(kv, "test:", clock.System{})
	e := New(b, reg, clock.System{})
	e.DispatcherChannel = model.DispatcherChannel("test:")
	e.PrivateUUID = privateUUID
	e.SelfProvidedUUID = selfProvidedUUID
	e.InstanceName = "dispatcher"
	e.MinWait = 0
	e.MaxWait = 5 * time.Millisecond
	e.SettleWindow = 20 * time.Millisecond
	e.PingInterval = 10 * time.Millisecond
	e.IdleTime = 50 * time.Millisecond
	return e
}

func TestElection_SoleCandidateBecomesActive(t *testing.T) {
	b := bus.NewMemoryBus()
	e := newTestElection(t, b, store.NewMemoryKV(), "priv-1", "self-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	won := make(chan bool, 1)
	go func() {
		_ = e.Run(ctx, func(_ context.Context, evicted *model.Incomer) {
			won <- true
			require.Nil(t, evicted)
		})
	}()

	select {
	case <-won:
		require.True(t, e.IsActive())
	case <-time.After(500 * time.Millisecond):
		t.Fatal("election never became active")
	}
}

func TestElection_LoserDefersToEarlierOK(t *testing.T) {
	b := bus.NewMemoryBus()
	kv := store.NewMemoryKV()

	winner := newTestElection(t, b, kv, "priv-winner", "self-winner")
	winner.MinWait = 0
	winner.MaxWait = time.Millisecond

	loser := newTestElection(t, b, kv, "priv-loser", "self-loser")
	loser.MinWait = 40 * time.Millisecond
	loser.MaxWait = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Subscribe the loser's NotifyOK plumbing before the winner ever
	// publishes, simulating the router's standing subscription to the
	// dispatcher channel.
	sub, err := b.Subscribe(ctx, loser.DispatcherChannel)
	require.NoError(t, err)
	go func() {
		for env := range sub.C() {
			if env.Name == model.EventOK {
				loser.NotifyOK(env.RedisMetadata.Origin)
			}
		}
	}()

	winnerActive := make(chan struct{}, 1)
	go func() {
		_ = winner.Run(ctx, func(context.Context, *model.Incomer) {
			close(winnerActive)
		})
	}()

	<-winnerActive
	require.True(t, winner.IsActive())

	done := make(chan struct{})
	go func() {
		_ = loser.Run(ctx, func(context.Context, *model.Incomer) {
			close(done)
		})
	}()

	select {
	case <-done:
		t.Fatal("loser should not have become active while a live peer exists")
	case <-time.After(150 * time.Millisecond):
	}
	require.False(t, loser.IsActive())
	cancel()
	_ = sub.Close()
}

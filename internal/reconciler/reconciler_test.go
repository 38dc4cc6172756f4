package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MyUnisoft/events-dispatcher/internal/bus"
	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/registry"
	"github.com/MyUnisoft/events-dispatcher/internal/router"
	"github.com/MyUnisoft/events-dispatcher/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestReconciler(kv store.KV, c clock.Clock) (*Reconciler, *registry.Registry, *store.Factory) {
	b := bus.NewMemoryBus()
	reg := registry.New(kv, "test:", c)
	stores := store.NewFactory(kv, "test:", c)
	rt := router.New(b, reg, stores, nil, nil, c)
	rt.Prefix = "test:"
	rc := New(b, reg, stores, rt, c)
	rc.Prefix = "test:"
	rc.PrivateUUID = "dispatcher-priv"
	return rc, reg, stores
}

func TestEvictIncomer_MigratesMainToSiblingAndRewritesChildren(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	c := clock.NewFake(time.Now())
	rc, reg, stores := newTestReconciler(kv, c)

	dead, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "dead-base", Name: "worker"})
	require.NoError(t, err)
	sibling, err := reg.SetIncomer(ctx, model.Incomer{
		BaseUUID: "sibling-base", Name: "worker",
		EventsCast: []string{"orders.created"},
	})
	require.NoError(t, err)

	main, err := stores.Incomer(dead).Set(ctx, model.Transaction{
		Name:            "orders.created",
		MainTransaction: true,
	})
	require.NoError(t, err)

	child, err := stores.Dispatcher().Set(ctx, model.Transaction{
		Name:               "orders.created",
		To:                 "some-consumer",
		RelatedTransaction: model.Ptr(main.TransactionID),
	})
	require.NoError(t, err)

	deadRec, err := reg.Get(ctx, dead)
	require.NoError(t, err)
	require.NoError(t, rc.EvictIncomer(ctx, *deadRec))

	_, err = reg.Get(ctx, dead)
	require.NoError(t, err)
	gone, err := reg.Get(ctx, dead)
	require.NoError(t, err)
	require.Nil(t, gone)

	siblingTxns, err := stores.Incomer(sibling).GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, siblingTxns, 1)
	var newMainID string
	for id, tx := range siblingTxns {
		require.Equal(t, "orders.created", tx.Name)
		require.True(t, tx.MainTransaction)
		newMainID = id
	}

	updatedChild, err := stores.Dispatcher().Get(ctx, child.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, updatedChild)
	require.Equal(t, sibling, updatedChild.To)
	require.Equal(t, newMainID, *updatedChild.RelatedTransaction)
	require.False(t, updatedChild.MainTransaction)
}

func TestRedistributeBackupIncomers_MigratesResolvedBackup(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	c := clock.NewFake(time.Now())
	rc, reg, stores := newTestReconciler(kv, c)

	target, err := reg.SetIncomer(ctx, model.Incomer{
		BaseUUID: "target-base", Name: "consumer",
		EventsSubscribe: []model.EventSubscription{{Name: "orders.created"}},
	})
	require.NoError(t, err)

	backup := model.Transaction{
		TransactionID:      "backup-1",
		Name:               "orders.created",
		RelatedTransaction: model.Ptr("gone"),
		Resolved:           true,
	}
	require.NoError(t, stores.BackupIncomer().Put(ctx, backup))

	require.NoError(t, rc.redistributeBackupIncomers(ctx))

	backups, err := stores.BackupIncomer().GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, backups)

	migrated, err := stores.Incomer(target).Get(ctx, "backup-1")
	require.NoError(t, err)
	require.NotNil(t, migrated)

	diff := cmp.Diff(backup, *migrated, cmpopts.IgnoreFields(model.Transaction{}, "Data"))
	require.Empty(t, diff, "migrated transaction should be byte-identical to the parked backup")
}

func TestResolvePairs_DefaultKindMarksResolvedAndBumpsActivity(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	c := clock.NewFake(time.Now())
	rc, reg, stores := newTestReconciler(kv, c)

	recipient, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "recipient-base", Name: "consumer"})
	require.NoError(t, err)

	d, err := stores.Dispatcher().Set(ctx, model.Transaction{
		Name: "orders.created",
		To:   recipient,
	})
	require.NoError(t, err)

	require.NoError(t, stores.Incomer(recipient).Put(ctx, model.Transaction{
		TransactionID:      "ack-1",
		Name:               "orders.created",
		RelatedTransaction: model.Ptr(d.TransactionID),
		Resolved:           true,
	}))

	c.Advance(time.Minute)
	require.NoError(t, rc.resolvePairs(ctx))

	resolved, err := stores.Dispatcher().Get(ctx, d.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	require.True(t, resolved.Resolved)

	acks, err := stores.Incomer(recipient).GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, acks)

	rec, err := reg.Get(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, c.NowMillis(), rec.LastActivity)
}

func TestResolveMains_DeletesMainOnceAllChildrenResolved(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	c := clock.NewFake(time.Now())
	rc, reg, stores := newTestReconciler(kv, c)

	sender, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "sender-base", Name: "producer"})
	require.NoError(t, err)
	recipient, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "recipient-base", Name: "consumer"})
	require.NoError(t, err)

	main, err := stores.Incomer(sender).Set(ctx, model.Transaction{
		Name:            "orders.created",
		MainTransaction: true,
	})
	require.NoError(t, err)

	child, err := stores.Dispatcher().Set(ctx, model.Transaction{
		Name:               "orders.created",
		To:                 recipient,
		RelatedTransaction: model.Ptr(main.TransactionID),
		Resolved:           true,
	})
	require.NoError(t, err)

	c.Advance(time.Minute)
	require.NoError(t, rc.resolveMains(ctx))

	gone, err := stores.Incomer(sender).Get(ctx, main.TransactionID)
	require.NoError(t, err)
	require.Nil(t, gone)

	deletedChild, err := stores.Dispatcher().Get(ctx, child.TransactionID)
	require.NoError(t, err)
	require.Nil(t, deletedChild)

	rec, err := reg.Get(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, c.NowMillis(), rec.LastActivity)
}

func TestResolveMains_KeepsMainWhileChildUnresolved(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	c := clock.NewFake(time.Now())
	rc, reg, stores := newTestReconciler(kv, c)

	sender, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "sender-base-2", Name: "producer"})
	require.NoError(t, err)
	recipient, err := reg.SetIncomer(ctx, model.Incomer{BaseUUID: "recipient-base-2", Name: "consumer"})
	require.NoError(t, err)

	main, err := stores.Incomer(sender).Set(ctx, model.Transaction{
		Name:            "orders.created",
		MainTransaction: true,
	})
	require.NoError(t, err)

	_, err = stores.Dispatcher().Set(ctx, model.Transaction{
		Name:               "orders.created",
		To:                 recipient,
		RelatedTransaction: model.Ptr(main.TransactionID),
		Resolved:           false,
	})
	require.NoError(t, err)

	require.NoError(t, rc.resolveMains(ctx))

	still, err := stores.Incomer(sender).Get(ctx, main.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestRunLoop_ReconfigureIntervalAppliesWithoutRestart(t *testing.T) {
	kv := store.NewMemoryKV()
	c := clock.NewFake(time.Now())
	rc, _, _ := newTestReconciler(kv, c)
	rc.CheckTransactionInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rc.RunLoop(ctx) }()

	rc.ReconfigureInterval(20 * time.Millisecond)

	select {
	case <-time.After(500 * time.Millisecond):
	case <-done:
		t.Fatal("RunLoop returned unexpectedly")
	}
	require.Equal(t, 20*time.Millisecond, rc.CheckTransactionInterval)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

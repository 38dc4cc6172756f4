package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

func TestTransactionStore_SetAssignsIDAndAliveSince(t *testing.T) {
	kv := newMemoryKV()
	fc := clock.NewFake(time.Unix(1000, 0))
	s := New(kv, DispatcherKey(""), fc)

	tx, err := s.Set(context.Background(), model.Transaction{Name: model.EventPing, MainTransaction: true})
	require.NoError(t, err)
	require.NotEmpty(t, tx.TransactionID)
	require.Equal(t, fc.NowMillis(), tx.AliveSince)

	got, err := s.Get(context.Background(), tx.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, tx.Name, got.Name)
}

func TestTransactionStore_GetMissingReturnsNil(t *testing.T) {
	kv := newMemoryKV()
	s := New(kv, DispatcherKey(""), clock.System{})

	got, err := s.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestTransactionStore_DeleteEmptiesKey(t *testing.T) {
	kv := newMemoryKV()
	s := New(kv, DispatcherKey(""), clock.System{})
	ctx := context.Background()

	tx, err := s.Set(ctx, model.Transaction{Name: "accountingFolder"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, tx.TransactionID))

	_, ok := kv.data[DispatcherKey("")]
	require.False(t, ok, "empty map must delete the backing key")
}

func TestTransactionStore_UpdateUnknownIDFails(t *testing.T) {
	kv := newMemoryKV()
	s := New(kv, DispatcherKey(""), clock.System{})

	err := s.Update(context.Background(), "nope", model.Transaction{})
	require.Error(t, err)
}

func TestTransactionStore_GetAllReturnsEverything(t *testing.T) {
	kv := newMemoryKV()
	s := New(kv, DispatcherKey(""), clock.System{})
	ctx := context.Background()

	t1, err := s.Set(ctx, model.Transaction{Name: "a"})
	require.NoError(t, err)
	t2, err := s.Set(ctx, model.Transaction{Name: "b"})
	require.NoError(t, err)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Contains(t, all, t1.TransactionID)
	require.Contains(t, all, t2.TransactionID)
}

func TestFactory_KeyIsolation(t *testing.T) {
	kv := newMemoryKV()
	f := NewFactory(kv, "env-", clock.System{})

	require.Equal(t, "env-dispatcher-transaction", f.Dispatcher().Key())
	require.Equal(t, "env-abc-incomer-transaction", f.Incomer("abc").Key())
	require.Equal(t, "env-backup-dispatcher-transaction", f.BackupDispatcher().Key())
	require.Equal(t, "env-backup-incomer-transaction", f.BackupIncomer().Key())
}

package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

type memoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryKV() *memoryKV { return &memoryKV{data: make(map[string][]byte)} }

func (m *memoryKV) Get(ctx context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *memoryKV) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *memoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func TestRegistry_SetIncomerAllocatesUUID(t *testing.T) {
	kv := newMemoryKV()
	r := New(kv, "", clock.System{})
	ctx := context.Background()

	id, err := r.SetIncomer(ctx, model.Incomer{BaseUUID: "base-1", Name: "foo"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "foo", got.Name)
}

func TestRegistry_UpdateIncomerState(t *testing.T) {
	kv := newMemoryKV()
	fc := clock.NewFake(time.Unix(5000, 0))
	r := New(kv, "", fc)
	ctx := context.Background()

	id, err := r.SetIncomer(ctx, model.Incomer{BaseUUID: "b", Name: "foo"})
	require.NoError(t, err)

	fc.Advance(time.Minute)
	require.NoError(t, r.UpdateIncomerState(ctx, id))

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, fc.NowMillis(), got.LastActivity)
}

func TestRegistry_DeleteIncomer(t *testing.T) {
	kv := newMemoryKV()
	r := New(kv, "", clock.System{})
	ctx := context.Background()

	id, err := r.SetIncomer(ctx, model.Incomer{BaseUUID: "b", Name: "foo"})
	require.NoError(t, err)
	require.NoError(t, r.DeleteIncomer(ctx, id))

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRegistry_FindByBaseUUIDRejectsDuplicates(t *testing.T) {
	kv := newMemoryKV()
	r := New(kv, "", clock.System{})
	ctx := context.Background()

	_, err := r.SetIncomer(ctx, model.Incomer{BaseUUID: "dup", Name: "foo"})
	require.NoError(t, err)

	found, err := r.FindByBaseUUID(ctx, "dup")
	require.NoError(t, err)
	require.NotNil(t, found)

	notFound, err := r.FindByBaseUUID(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, notFound)
}

func TestRegistry_FindActiveDispatcherExcludesSelf(t *testing.T) {
	kv := newMemoryKV()
	r := New(kv, "", clock.System{})
	ctx := context.Background()

	_, err := r.SetIncomer(ctx, model.Incomer{
		BaseUUID: "self", Name: "dispatcher", IsDispatcherActiveInstance: true,
	})
	require.NoError(t, err)

	found, err := r.FindActiveDispatcher(ctx, "dispatcher", "self")
	require.NoError(t, err)
	require.Nil(t, found, "must not return the caller's own record")

	_, err = r.SetIncomer(ctx, model.Incomer{
		BaseUUID: "peer", Name: "dispatcher", IsDispatcherActiveInstance: true,
	})
	require.NoError(t, err)

	found, err = r.FindActiveDispatcher(ctx, "dispatcher", "self")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "peer", found.BaseUUID)
}

func TestByName(t *testing.T) {
	all := map[string]model.Incomer{
		"a": {ProvidedUUID: "a", Name: "svc"},
		"b": {ProvidedUUID: "b", Name: "svc"},
		"c": {ProvidedUUID: "c", Name: "other"},
	}
	got := ByName(all, "svc")
	require.Len(t, got, 2)
}

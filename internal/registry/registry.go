// Package registry implements the incomer registry component (spec §4.2):
// a persistent directory of approved incomers, stored as a single JSON
// map under one Redis key. Grounded on the same read-modify-write
// contract as internal/store.TransactionStore, since both are
// "coarse-grained replacement of a map" stores over the same KV
// primitive (spec §3's "Stores" table lists them side by side).
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/store"
)

// Registry is the single-key incomer directory for one environment prefix.
type Registry struct {
	kv    store.KV
	key   string
	clock clock.Clock

	mu sync.Mutex
}

// New binds a Registry to the incomer key for prefix.
func New(kv store.KV, prefix string, c clock.Clock) *Registry {
	if c == nil {
		c = clock.System{}
	}
	return &Registry{kv: kv, key: store.IncomerRegistryKey(prefix), clock: c}
}

func (r *Registry) readLocked(ctx context.Context) (map[string]model.Incomer, error) {
	m := make(map[string]model.Incomer)
	_, err := r.kv.Get(ctx, r.key, &m)
	if err != nil {
		return nil, fmt.Errorf("registry: get %q: %w", r.key, err)
	}
	if m == nil {
		m = make(map[string]model.Incomer)
	}
	return m, nil
}

// GetIncomers returns every approved incomer.
func (r *Registry) GetIncomers(ctx context.Context) (map[string]model.Incomer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked(ctx)
}

// Get returns one incomer record, or (nil, nil) if not present.
func (r *Registry) Get(ctx context.Context, providedUUID string) (*model.Incomer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	i, ok := m[providedUUID]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

// SetIncomer allocates a providedUUID (if the record doesn't already
// carry one) and inserts/overwrites the record, returning the assigned
// UUID.
func (r *Registry) SetIncomer(ctx context.Context, rec model.Incomer) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.readLocked(ctx)
	if err != nil {
		return "", err
	}
	if rec.ProvidedUUID == "" {
		rec.ProvidedUUID = uuid.NewString()
	}
	m[rec.ProvidedUUID] = rec
	if err := r.kv.Set(ctx, r.key, m); err != nil {
		return "", fmt.Errorf("registry: set %q: %w", r.key, err)
	}
	return rec.ProvidedUUID, nil
}

// UpdateIncomer replaces an existing record in place. It is a no-op
// error (ErrNotFound) if the providedUUID is absent.
func (r *Registry) UpdateIncomer(ctx context.Context, rec model.Incomer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.readLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := m[rec.ProvidedUUID]; !ok {
		return fmt.Errorf("registry: update %q: %w", rec.ProvidedUUID, model.ErrNotFound)
	}
	m[rec.ProvidedUUID] = rec
	if err := r.kv.Set(ctx, r.key, m); err != nil {
		return fmt.Errorf("registry: update %q: %w", r.key, err)
	}
	return nil
}

// UpdateIncomerState bumps lastActivity to now for providedUUID. Silently
// returns nil if the incomer is no longer registered (it may have just
// been evicted by a concurrent pass).
func (r *Registry) UpdateIncomerState(ctx context.Context, providedUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.readLocked(ctx)
	if err != nil {
		return err
	}
	rec, ok := m[providedUUID]
	if !ok {
		return nil
	}
	rec.LastActivity = r.clock.NowMillis()
	m[providedUUID] = rec
	if err := r.kv.Set(ctx, r.key, m); err != nil {
		return fmt.Errorf("registry: update state %q: %w", r.key, err)
	}
	return nil
}

// DeleteIncomer removes a record by providedUUID.
func (r *Registry) DeleteIncomer(ctx context.Context, providedUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.readLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := m[providedUUID]; !ok {
		return nil
	}
	delete(m, providedUUID)
	if len(m) == 0 {
		if err := r.kv.Delete(ctx, r.key); err != nil {
			return fmt.Errorf("registry: delete empty %q: %w", r.key, err)
		}
		return nil
	}
	if err := r.kv.Set(ctx, r.key, m); err != nil {
		return fmt.Errorf("registry: delete %q from %q: %w", providedUUID, r.key, err)
	}
	return nil
}

// FindByBaseUUID returns the first record with the given baseUUID, used
// to reject duplicate registrations (spec invariant 3).
func (r *Registry) FindByBaseUUID(ctx context.Context, baseUUID string) (*model.Incomer, error) {
	m, err := r.GetIncomers(ctx)
	if err != nil {
		return nil, err
	}
	for _, i := range m {
		if i.BaseUUID == baseUUID {
			cp := i
			return &cp, nil
		}
	}
	return nil, nil
}

// FindActiveDispatcher returns the incomer record (if any) with
// name=instanceName, BaseUUID != selfBaseUUID, and
// IsDispatcherActiveInstance=true.
func (r *Registry) FindActiveDispatcher(ctx context.Context, instanceName, selfBaseUUID string) (*model.Incomer, error) {
	m, err := r.GetIncomers(ctx)
	if err != nil {
		return nil, err
	}
	for _, i := range m {
		if i.Name == instanceName && i.BaseUUID != selfBaseUUID && i.IsDispatcherActiveInstance {
			cp := i
			return &cp, nil
		}
	}
	return nil, nil
}

// ByName returns every incomer sharing the same capability name, in
// registry iteration order. Spec §4.7 "Tie-breaks" explicitly leaves
// selection among these as first-match, implementation-order-dependent.
func ByName(all map[string]model.Incomer, name string) []model.Incomer {
	var out []model.Incomer
	for _, i := range all {
		if i.Name == name {
			out = append(out, i)
		}
	}
	return out
}

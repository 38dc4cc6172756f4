package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/redisx"
)

var errMissingTransactionID = errors.New("transaction has no TransactionID")

// KV is the minimal key/value contract TransactionStore needs; satisfied
// by *redisx.KVStore in production and a fake in unit tests.
type KV interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

var _ KV = (*redisx.KVStore)(nil)

// TransactionStore is a single-key map<transactionId, Transaction>,
// bound at construction to one Redis key (dispatcher, a specific
// incomer, or a backup store). Reads and writes are coarse-grained
// replacements of the whole map, per spec §4.1: concurrent writers race,
// and a lost update is expected to converge on the next reconciliation
// tick rather than be prevented here.
type TransactionStore struct {
	kv    KV
	key   string
	clock clock.Clock

	// mu serializes read-modify-write calls made through this specific
	// TransactionStore instance. It bounds (but, per spec, does not
	// eliminate) the race window: the dispatcher is the sole writer to
	// dispatcher-side stores, and the sole *remote* writer to an
	// incomer's store during eviction/reconciliation.
	mu sync.Mutex
}

// New binds a TransactionStore to a resolved Redis key.
func New(kv KV, key string, c clock.Clock) *TransactionStore {
	if c == nil {
		c = clock.System{}
	}
	return &TransactionStore{kv: kv, key: key, clock: c}
}

// GetAll returns every transaction currently in the store.
func (s *TransactionStore) GetAll(ctx context.Context) (map[string]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *TransactionStore) readLocked(ctx context.Context) (map[string]model.Transaction, error) {
	m := make(map[string]model.Transaction)
	_, err := s.kv.Get(ctx, s.key, &m)
	if err != nil {
		return nil, fmt.Errorf("store: get_all %q: %w", s.key, err)
	}
	if m == nil {
		m = make(map[string]model.Transaction)
	}
	return m, nil
}

// Get returns one transaction by ID, or (nil, nil) if absent.
func (s *TransactionStore) Get(ctx context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Set assigns a fresh transaction ID, stamps AliveSince, writes the
// record, and returns the stored value (with its assigned ID).
func (s *TransactionStore) Set(ctx context.Context, partial model.Transaction) (model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readLocked(ctx)
	if err != nil {
		return model.Transaction{}, err
	}

	partial.TransactionID = uuid.NewString()
	partial.AliveSince = s.clock.NowMillis()
	m[partial.TransactionID] = partial

	if err := s.kv.Set(ctx, s.key, m); err != nil {
		return model.Transaction{}, fmt.Errorf("store: set %q: %w", s.key, err)
	}
	return partial, nil
}

// Put writes t verbatim under its own existing TransactionID, neither
// assigning a new ID (as Set does) nor requiring the ID to already be
// present (as Update does). Used by migration/backup-parking paths that
// must preserve a transaction's identity across stores so other records'
// relatedTransaction pointers stay valid (spec §4.6/§4.7).
func (s *TransactionStore) Put(ctx context.Context, t model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.TransactionID == "" {
		return fmt.Errorf("store: put into %q: %w", s.key, errMissingTransactionID)
	}

	m, err := s.readLocked(ctx)
	if err != nil {
		return err
	}
	m[t.TransactionID] = t

	if err := s.kv.Set(ctx, s.key, m); err != nil {
		return fmt.Errorf("store: put %q: %w", s.key, err)
	}
	return nil
}

// Update replaces the transaction at id in place. It is an error to
// update an ID that doesn't exist, mirroring the reconciler's
// expectation that Update targets a record it just read.
func (s *TransactionStore) Update(ctx context.Context, id string, t model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return fmt.Errorf("store: update %q in %q: %w", id, s.key, model.ErrNotFound)
	}
	t.TransactionID = id
	m[id] = t

	if err := s.kv.Set(ctx, s.key, m); err != nil {
		return fmt.Errorf("store: update %q: %w", s.key, err)
	}
	return nil
}

// Delete removes a transaction by ID. If the map becomes empty, the
// backing key itself is deleted rather than left as an empty object.
func (s *TransactionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return nil
	}
	delete(m, id)

	if len(m) == 0 {
		if err := s.kv.Delete(ctx, s.key); err != nil {
			return fmt.Errorf("store: delete empty %q: %w", s.key, err)
		}
		return nil
	}
	if err := s.kv.Set(ctx, s.key, m); err != nil {
		return fmt.Errorf("store: delete %q from %q: %w", id, s.key, err)
	}
	return nil
}

// Key returns the Redis key this store is bound to, used by callers
// that need to log or assert on store identity.
func (s *TransactionStore) Key() string { return s.key }

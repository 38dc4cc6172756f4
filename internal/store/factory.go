package store

import (
	"github.com/MyUnisoft/events-dispatcher/internal/clock"
)

// Factory builds the family of TransactionStores a dispatcher needs for
// one environment prefix, all sharing the same backing KV.
type Factory struct {
	kv     KV
	prefix string
	clock  clock.Clock
}

func NewFactory(kv KV, prefix string, c clock.Clock) *Factory {
	return &Factory{kv: kv, prefix: prefix, clock: c}
}

// Dispatcher returns the dispatcher-side transaction store.
func (f *Factory) Dispatcher() *TransactionStore {
	return New(f.kv, DispatcherKey(f.prefix), f.clock)
}

// Incomer returns the transaction store owned by a single incomer.
func (f *Factory) Incomer(providedUUID string) *TransactionStore {
	return New(f.kv, IncomerKey(f.prefix, providedUUID), f.clock)
}

// BackupDispatcher returns the parking store for orphaned
// dispatcher-side transactions.
func (f *Factory) BackupDispatcher() *TransactionStore {
	return New(f.kv, BackupDispatcherKey(f.prefix), f.clock)
}

// BackupIncomer returns the parking store for orphaned incomer-side
// main transactions and unresolved related transactions.
func (f *Factory) BackupIncomer() *TransactionStore {
	return New(f.kv, BackupIncomerKey(f.prefix), f.clock)
}

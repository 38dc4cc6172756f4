// Package store implements the transaction store component (spec §4.1):
// a keyed collection of transactions, scoped by an environment prefix and
// bound to either the dispatcher's own bookkeeping or a single incomer's.
// Grounded on the teacher's internal/pipeline/store.StateStore contract
// (CRUD + bulk read over a backing KV store) adapted from per-row Redis
// keys to the spec's single-key, whole-map read-modify-write contract.
package store

// DispatcherKey is the Redis key holding the dispatcher's own
// transaction map.
func DispatcherKey(prefix string) string {
	return prefix + "dispatcher-transaction"
}

// IncomerKey is the Redis key holding a single incomer's transaction map.
func IncomerKey(prefix, incomerUUID string) string {
	return prefix + incomerUUID + "-incomer-transaction"
}

// BackupDispatcherKey parks dispatcher-side transactions whose recipient
// has gone missing until reconciliation re-homes or redelivers them.
func BackupDispatcherKey(prefix string) string {
	return prefix + "backup-dispatcher-transaction"
}

// BackupIncomerKey parks incomer-side main transactions, and related
// transactions left unresolved, whose owning incomer was evicted before
// a sibling could be found.
func BackupIncomerKey(prefix string) string {
	return prefix + "backup-incomer-transaction"
}

// IncomerRegistryKey is the Redis key holding the full incomer registry.
func IncomerRegistryKey(prefix string) string {
	return prefix + "incomer"
}

// Package config holds the dispatcher's tunable options (spec §6),
// loaded from environment variables and/or a YAML file, modeled on the
// teacher's internal/config env-parsing helpers.
package config

import "time"

// Options recognized by the dispatcher core (spec §6). LoadFile decodes
// the on-disk YAML (where durations are plain strings like "5m") into
// this shape itself rather than relying on yaml struct tags, since
// time.Duration has no native YAML scalar mapping.
type Options struct {
	// Prefix scopes every Redis key and channel to one environment.
	Prefix string

	PingInterval              time.Duration
	CheckLastActivityInterval time.Duration
	CheckTransactionInterval  time.Duration
	IdleTime                  time.Duration

	// IncomerUUID is this dispatcher process's selfProvidedUUID (its
	// baseUUID when it registers itself into the incomer registry).
	IncomerUUID string
	// InstanceName groups dispatcher-role-capable processes for leader
	// election.
	InstanceName string

	// MinElectionWait/MaxElectionWait bound the jittered wait before a
	// standby-less process tries to become active (spec §4.3 default
	// [0, 60_000] ms).
	MinElectionWait time.Duration
	MaxElectionWait time.Duration
}

// Defaults returns the option values spec §6 specifies when unset.
func Defaults() Options {
	return Options{
		Prefix:                     "",
		PingInterval:               300_000 * time.Millisecond,
		CheckLastActivityInterval:  120_000 * time.Millisecond,
		CheckTransactionInterval:   180_000 * time.Millisecond,
		IdleTime:                   600_000 * time.Millisecond,
		InstanceName:               "dispatcher",
		MinElectionWait:            0,
		MaxElectionWait:            60_000 * time.Millisecond,
	}
}

// Merge overlays the non-zero fields of overlay onto the receiver,
// returning the combined Options. MinElectionWait is taken from overlay
// whenever overlay sets either election bound. The entrypoint layers env
// vars over built-in defaults, and file config over both.
func (o Options) Merge(overlay Options) Options {
	merged := o
	if overlay.Prefix != "" {
		merged.Prefix = overlay.Prefix
	}
	if overlay.PingInterval != 0 {
		merged.PingInterval = overlay.PingInterval
	}
	if overlay.CheckLastActivityInterval != 0 {
		merged.CheckLastActivityInterval = overlay.CheckLastActivityInterval
	}
	if overlay.CheckTransactionInterval != 0 {
		merged.CheckTransactionInterval = overlay.CheckTransactionInterval
	}
	if overlay.IdleTime != 0 {
		merged.IdleTime = overlay.IdleTime
	}
	if overlay.IncomerUUID != "" {
		merged.IncomerUUID = overlay.IncomerUUID
	}
	if overlay.InstanceName != "" {
		merged.InstanceName = overlay.InstanceName
	}
	if overlay.MaxElectionWait != 0 {
		merged.MaxElectionWait = overlay.MaxElectionWait
	}
	if overlay.MinElectionWait != 0 || overlay.MaxElectionWait != 0 {
		merged.MinElectionWait = overlay.MinElectionWait
	}
	return merged
}

// withMutableFieldsFrom copies only the knobs a hot reload may change.
// Identity (Prefix, IncomerUUID, InstanceName) keeps its value from
// process start.
func (o Options) withMutableFieldsFrom(overlay Options) Options {
	merged := o
	if overlay.PingInterval != 0 {
		merged.PingInterval = overlay.PingInterval
	}
	if overlay.CheckLastActivityInterval != 0 {
		merged.CheckLastActivityInterval = overlay.CheckLastActivityInterval
	}
	if overlay.CheckTransactionInterval != 0 {
		merged.CheckTransactionInterval = overlay.CheckTransactionInterval
	}
	if overlay.IdleTime != 0 {
		merged.IdleTime = overlay.IdleTime
	}
	return merged
}

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
)

const envPrefix = "DISPATCHER_"

// ParseString reads a string from an environment variable or returns
// defaultValue, logging the source for observability, in the teacher's
// internal/config/env.go style.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		logger.Debug().Str("key", key).Str("source", "environment").Msg("using environment variable")
		return v
	}
	logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
	return defaultValue
}

// ParseDuration reads a Go-duration-formatted environment variable (e.g.
// "5s", "300000ms") or returns defaultValue.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Dur("default", defaultValue).Msg("using default value")
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable")
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		d := time.Duration(ms) * time.Millisecond
		logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable (milliseconds)")
		return d
	}
	logger.Warn().Str("key", key).Str("value", v).Dur("default", defaultValue).Msg("invalid duration, using default")
	return defaultValue
}

// FromEnv overlays environment-variable overrides on top of base.
func FromEnv(base Options) Options {
	overlay := Options{
		Prefix:                    ParseString("PREFIX", ""),
		PingInterval:              ParseDuration("PING_INTERVAL", 0),
		CheckLastActivityInterval: ParseDuration("CHECK_LAST_ACTIVITY_INTERVAL", 0),
		CheckTransactionInterval:  ParseDuration("CHECK_TRANSACTION_INTERVAL", 0),
		IdleTime:                  ParseDuration("IDLE_TIME", 0),
		IncomerUUID:               ParseString("INCOMER_UUID", ""),
		InstanceName:              ParseString("INSTANCE_NAME", ""),
		MinElectionWait:           ParseDuration("MIN_ELECTION_WAIT", 0),
		MaxElectionWait:           ParseDuration("MAX_ELECTION_WAIT", 0),
	}
	return base.Merge(overlay)
}

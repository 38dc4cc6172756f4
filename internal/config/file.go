package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
)

// fileOptions mirrors Options but keeps durations as YAML scalar
// strings (e.g. "5m", "300000ms") since time.Duration has no native
// YAML decoding support.
type fileOptions struct {
	Prefix                    string `yaml:"prefix"`
	PingInterval              string `yaml:"pingInterval"`
	CheckLastActivityInterval string `yaml:"checkLastActivityInterval"`
	CheckTransactionInterval  string `yaml:"checkTransactionInterval"`
	IdleTime                  string `yaml:"idleTime"`
	IncomerUUID               string `yaml:"incomerUUID"`
	InstanceName              string `yaml:"instanceName"`
	MinElectionWait           string `yaml:"minElectionWait"`
	MaxElectionWait           string `yaml:"maxElectionWait"`
}

func (f fileOptions) toOverlay() (Options, error) {
	var overlay Options
	overlay.Prefix = f.Prefix
	overlay.IncomerUUID = f.IncomerUUID
	overlay.InstanceName = f.InstanceName

	for _, d := range []struct {
		raw string
		out *time.Duration
	}{
		{f.PingInterval, &overlay.PingInterval},
		{f.CheckLastActivityInterval, &overlay.CheckLastActivityInterval},
		{f.CheckTransactionInterval, &overlay.CheckTransactionInterval},
		{f.IdleTime, &overlay.IdleTime},
		{f.MinElectionWait, &overlay.MinElectionWait},
		{f.MaxElectionWait, &overlay.MaxElectionWait},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Options{}, fmt.Errorf("config: invalid duration %q: %w", d.raw, err)
		}
		*d.out = parsed
	}
	return overlay, nil
}

// LoadFile parses a YAML config file and overlays it on base.
func LoadFile(path string, base Options) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	var raw fileOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Options{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	overlay, err := raw.toOverlay()
	if err != nil {
		return Options{}, err
	}
	return base.Merge(overlay), nil
}

// Watcher hot-reloads the mutable subset of Options (intervals, idle
// time) from a YAML file on every write, leaving identity fields
// (prefix, incomerUUID, instanceName) pinned to their value at startup.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Options

	onReload func(Options)
}

// NewWatcher starts watching path for changes, applying mutable-field
// updates onto initial as they arrive. onReload, if non-nil, is invoked
// with the updated Options after each successful reload, from the
// watcher's own goroutine; callers wire a running Dispatcher's
// ApplyOptions here to push updates onto the live ping/reconciliation
// loops.
func NewWatcher(path string, initial Options, onReload func(Options)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fw, current: initial, onReload: onReload}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	logger := log.WithComponent("config-watcher")
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(logger)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload(logger zerolog.Logger) {
	w.mu.RLock()
	base := w.current
	w.mu.RUnlock()

	overlaid, err := LoadFile(w.path, base)
	if err != nil {
		logger.Warn().Err(err).Str("path", w.path).Msg("failed to reload config, keeping previous values")
		return
	}

	w.mu.Lock()
	w.current = w.current.withMutableFieldsFrom(overlaid)
	updated := w.current
	w.mu.Unlock()

	logger.Info().Str("path", w.path).Msg("reloaded mutable config from file")

	if w.onReload != nil {
		w.onReload(updated)
	}
}

// Options returns the current effective options.
func (w *Watcher) Options() Options {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Package reconciler implements eviction/orphan resolution (spec §4.6)
// and the transaction reconciler (spec §4.7): redistributing parked
// backups, resolving matched dispatcher/incomer transaction pairs, and
// sweeping fully-resolved main transactions. Grounded on the teacher's
// internal/pipeline/worker periodic-sweep style, generalized to a
// three-phase pass instead of the teacher's single sweep.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MyUnisoft/events-dispatcher/internal/bus"
	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/metrics"
	"github.com/MyUnisoft/events-dispatcher/internal/registry"
	"github.com/MyUnisoft/events-dispatcher/internal/router"
	"github.com/MyUnisoft/events-dispatcher/internal/store"
)

// defaultRepublishRate bounds how fast a single reconciliation pass
// republishes parked/orphaned transactions, so a mass eviction (many
// incomers falling over at once) doesn't turn one reconciliation tick
// into a publish burst against Redis and the surviving incomers.
const defaultRepublishRate = 50

// Reconciler owns the periodic reconciliation pass and the eviction walk
// it shares bookkeeping helpers with.
type Reconciler struct {
	Bus      bus.Bus
	Registry *registry.Registry
	Stores   *store.Factory
	Router   *router.Router
	Clock    clock.Clock

	Prefix      string
	PrivateUUID string

	CheckTransactionInterval time.Duration

	// RepublishLimiter throttles the redistribution/re-homing publishes
	// issued by one reconciliation pass (backup redistribution, orphan
	// migration). Defaults to defaultRepublishRate events/sec.
	RepublishLimiter *rate.Limiter

	// runMu enforces spec §5's "reconciliation passes MUST NOT overlap
	// with themselves on one process" by making a tick that arrives while
	// the previous one is still running simply skip.
	runMu sync.Mutex

	reload chan time.Duration
}

// New constructs a Reconciler with the System clock when c is nil.
func New(b bus.Bus, reg *registry.Registry, stores *store.Factory, rt *router.Router, c clock.Clock) *Reconciler {
	if c == nil {
		c = clock.System{}
	}
	return &Reconciler{
		Bus: b, Registry: reg, Stores: stores, Router: rt, Clock: c,
		RepublishLimiter: rate.NewLimiter(rate.Limit(defaultRepublishRate), defaultRepublishRate),
		reload:           make(chan time.Duration, 1),
	}
}

// ReconfigureInterval submits a new CheckTransactionInterval for RunLoop
// to pick up on its next select iteration (config hot-reload; spec §6's
// mutable tuning knobs). Safe to call concurrently with RunLoop.
func (rc *Reconciler) ReconfigureInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	select {
	case <-rc.reload:
	default:
	}
	rc.reload <- interval
}

// throttleRepublish blocks until the republish limiter admits one more
// publish, or ctx is canceled.
func (rc *Reconciler) throttleRepublish(ctx context.Context) error {
	if rc.RepublishLimiter == nil {
		return nil
	}
	return rc.RepublishLimiter.Wait(ctx)
}

// RunLoop ticks at CheckTransactionInterval until ctx is canceled.
func (rc *Reconciler) RunLoop(ctx context.Context) error {
	interval := rc.CheckTransactionInterval
	if interval <= 0 {
		interval = 180 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case interval = <-rc.reload:
			rc.CheckTransactionInterval = interval
			ticker.Reset(interval)
		case <-ticker.C:
			rc.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full reconciliation pass: backup redistribution,
// pair resolution, and main resolution, in that order.
func (rc *Reconciler) RunOnce(ctx context.Context) {
	if !rc.runMu.TryLock() {
		l := log.WithComponent("reconciler")
		l.Debug().Msg("skipping tick, previous reconciliation pass still running")
		return
	}
	defer rc.runMu.Unlock()

	start := rc.Clock.Now()
	logger := log.WithComponent("reconciler")

	if err := rc.redistributeBackups(ctx); err != nil {
		logger.Warn().Err(err).Msg("backup redistribution failed")
	}
	if err := rc.resolvePairs(ctx); err != nil {
		logger.Warn().Err(err).Msg("pair resolution failed")
	}
	if err := rc.resolveMains(ctx); err != nil {
		logger.Warn().Err(err).Msg("main resolution failed")
	}

	metrics.ReconciliationDuration.Observe(rc.Clock.Now().Sub(start).Seconds())
}

// redistributeBackups implements spec §4.7(a).
func (rc *Reconciler) redistributeBackups(ctx context.Context) error {
	if err := rc.redistributeBackupIncomers(ctx); err != nil {
		return fmt.Errorf("reconciler: redistribute incomer backups: %w", err)
	}
	if err := rc.redistributeBackupDispatchers(ctx); err != nil {
		return fmt.Errorf("reconciler: redistribute dispatcher backups: %w", err)
	}
	return nil
}

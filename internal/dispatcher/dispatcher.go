// Package dispatcher wires every component (channel adapter, stores,
// registry, election, ping, router, reconciler) into the single runnable
// unit described by spec §5: three independent periodic tasks plus
// reactive pub/sub handlers, sharing one cancellation token. Grounded on
// the teacher's top-level orchestrator pattern of a struct holding every
// subsystem and a Run(ctx) that fans tasks out via errgroup.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MyUnisoft/events-dispatcher/internal/bus"
	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/config"
	"github.com/MyUnisoft/events-dispatcher/internal/election"
	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/ping"
	"github.com/MyUnisoft/events-dispatcher/internal/reconciler"
	"github.com/MyUnisoft/events-dispatcher/internal/registry"
	"github.com/MyUnisoft/events-dispatcher/internal/router"
	"github.com/MyUnisoft/events-dispatcher/internal/store"
	"github.com/MyUnisoft/events-dispatcher/internal/validation"
)

// Dispatcher is one dispatcher process: it may run as standby (doing
// nothing but polling for relay takeover) or active (running the full
// ping/activity-check/reconciliation/router task set).
type Dispatcher struct {
	opts  config.Options
	clock clock.Clock

	bus      bus.Bus
	registry *registry.Registry
	stores   *store.Factory

	election   *election.Election
	router     *router.Router
	liveness   *ping.Liveness
	reconciler *reconciler.Reconciler

	privateUUID string
}

// Dependencies bundles the externally-supplied collaborators a
// Dispatcher needs; the KV/Bus pair is usually backed by the same Redis
// client (internal/redisx.KVStore and internal/bus.RedisBus), but memory
// implementations are accepted for tests.
type Dependencies struct {
	KV        store.KV
	Bus       bus.Bus
	Clock     clock.Clock
	Validator *validation.Validator
}

// New builds a Dispatcher from options and dependencies. It does not
// start any background work; call Run.
func New(opts config.Options, deps Dependencies) *Dispatcher {
	c := deps.Clock
	if c == nil {
		c = clock.System{}
	}

	reg := registry.New(deps.KV, opts.Prefix, c)
	stores := store.NewFactory(deps.KV, opts.Prefix, c)

	el := election.New(deps.Bus, reg, c)
	el.DispatcherChannel = model.DispatcherChannel(opts.Prefix)
	el.PrivateUUID = uuid.NewString()
	el.SelfProvidedUUID = opts.IncomerUUID
	el.InstanceName = opts.InstanceName
	el.MinWait = opts.MinElectionWait
	el.MaxWait = opts.MaxElectionWait
	el.IdleTime = opts.IdleTime
	el.PingInterval = opts.PingInterval

	rt := router.New(deps.Bus, reg, stores, deps.Validator, el, c)
	rt.Prefix = opts.Prefix
	rt.PrivateUUID = el.PrivateUUID

	rc := reconciler.New(deps.Bus, reg, stores, rt, c)
	rc.Prefix = opts.Prefix
	rc.PrivateUUID = el.PrivateUUID
	rc.CheckTransactionInterval = opts.CheckTransactionInterval

	lv := ping.New(deps.Bus, reg, stores, c, rc)
	lv.Prefix = opts.Prefix
	lv.SelfProvidedUUID = opts.IncomerUUID
	lv.PingInterval = opts.PingInterval
	lv.CheckLastActivityInterval = opts.CheckLastActivityInterval
	lv.IdleTime = opts.IdleTime

	return &Dispatcher{
		opts:        opts,
		clock:       c,
		bus:         deps.Bus,
		registry:    reg,
		stores:      stores,
		election:    el,
		router:      rt,
		liveness:    lv,
		reconciler:  rc,
		privateUUID: el.PrivateUUID,
	}
}

// Run blocks until ctx is canceled or an unrecoverable error occurs. It
// subscribes to the dispatcher channel immediately (registrations must
// be received even while standby), negotiates the active role, and only
// then starts ping/activity-check/reconciliation once this process wins
// it.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.WithComponent("dispatcher")
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return d.router.Run(gctx)
	})
	group.Go(func() error {
		return d.router.SubscribeDispatcher(gctx)
	})

	group.Go(func() error {
		return d.election.Run(gctx, func(activeCtx context.Context, evicted *model.Incomer) {
			logger.Info().Msg("became active dispatcher")
			d.onBecomeActive(gctx, group, evicted)
		})
	})

	return group.Wait()
}

// onBecomeActive starts the active-only task set: an immediate ping
// round, the three periodic tasks, and (after checkTransactionInterval,
// per spec §4.3's relay-takeover contract) the first reconciliation
// pass. It also subscribes to every existing incomer's channel, which is
// a no-op on first-ever startup (the registry is empty) and exactly the
// "subscribe to every existing incomer's channel" behavior on relay.
func (d *Dispatcher) onBecomeActive(ctx context.Context, group *errgroup.Group, evicted *model.Incomer) {
	logger := log.WithComponent("dispatcher")

	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list incomers on becoming active")
	}
	for providedUUID := range incomers {
		if err := d.router.SubscribeIncomer(ctx, providedUUID); err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, providedUUID).Msg("failed to subscribe existing incomer channel on activation")
		}
	}

	d.liveness.PingNow(ctx)
	if evicted != nil {
		if err := d.reconciler.EvictIncomer(ctx, *evicted); err != nil {
			logger.Warn().Err(err).Msg("failed to evict former active dispatcher's own incomer record")
		}
	}

	group.Go(func() error { return d.liveness.RunPingLoop(ctx) })
	group.Go(func() error { return d.liveness.RunActivityCheckLoop(ctx) })
	group.Go(func() error {
		delay := d.opts.CheckTransactionInterval
		if delay <= 0 {
			delay = 180 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		d.reconciler.RunOnce(ctx)
		return d.reconciler.RunLoop(ctx)
	})
}

// ApplyOptions pushes a reloaded Options' mutable tuning knobs (ping,
// activity-check, and transaction-check intervals, plus idle time) onto
// the running ping and reconciliation loops. Identity fields (Prefix,
// IncomerUUID, InstanceName) are fixed for the process's lifetime and
// ignored here; wired from internal/config.Watcher via cmd/dispatcher.
func (d *Dispatcher) ApplyOptions(opts config.Options) {
	d.liveness.ReconfigurePing(opts.PingInterval)
	d.liveness.ReconfigureActivity(opts.CheckLastActivityInterval, opts.IdleTime)
	d.reconciler.ReconfigureInterval(opts.CheckTransactionInterval)
}

// PrivateUUID returns this process's ephemeral bus identity.
func (d *Dispatcher) PrivateUUID() string { return d.privateUUID }

// IsActive reports whether this process currently holds the active role.
func (d *Dispatcher) IsActive() bool { return d.election.IsActive() }

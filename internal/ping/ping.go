// Package ping implements ping/liveness (spec §4.4): periodic pinging of
// every registered incomer via a dispatcher-side main transaction per
// incomer, and a periodic activity-check pass that turns stale
// incomers into eviction candidates. Grounded on the teacher's
// internal/pipeline/worker ticker-driven task style (one goroutine per
// periodic concern, select over ctx.Done() and ticker.C).
package ping

import (
	"context"
	"time"

	"github.com/MyUnisoft/events-dispatcher/internal/bus"
	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/metrics"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/registry"
	"github.com/MyUnisoft/events-dispatcher/internal/store"
)

// Evictor is implemented by the reconciler; EvictIncomer runs the full
// orphan-resolution walk of spec §4.6 for one evicted incomer.
type Evictor interface {
	EvictIncomer(ctx context.Context, incomer model.Incomer) error
}

// Liveness runs the ping and activity-check periodic tasks.
type Liveness struct {
	Bus      bus.Bus
	Registry *registry.Registry
	Stores   *store.Factory
	Clock    clock.Clock
	Evictor  Evictor

	Prefix                    string
	SelfProvidedUUID          string
	PingInterval              time.Duration
	CheckLastActivityInterval time.Duration
	IdleTime                  time.Duration

	pingReload     chan time.Duration
	activityReload chan activityIntervals
}

// activityIntervals bundles the two knobs RunActivityCheckLoop reads, so
// a single reload carries both without racing one against the other.
type activityIntervals struct {
	checkInterval time.Duration
	idleTime      time.Duration
}

// New constructs a Liveness runner with the System clock when c is nil.
func New(b bus.Bus, reg *registry.Registry, stores *store.Factory, c clock.Clock, ev Evictor) *Liveness {
	if c == nil {
		c = clock.System{}
	}
	return &Liveness{
		Bus: b, Registry: reg, Stores: stores, Clock: c, Evictor: ev,
		pingReload:     make(chan time.Duration, 1),
		activityReload: make(chan activityIntervals, 1),
	}
}

// ReconfigurePing submits a new PingInterval for RunPingLoop to pick up
// on its next select iteration (config hot-reload; spec §6's mutable
// tuning knobs). Safe to call concurrently with RunPingLoop; only the
// most recent value before the loop next wakes is kept.
func (l *Liveness) ReconfigurePing(interval time.Duration) {
	if interval <= 0 {
		return
	}
	select {
	case <-l.pingReload:
	default:
	}
	l.pingReload <- interval
}

// ReconfigureActivity submits new CheckLastActivityInterval/IdleTime
// values for RunActivityCheckLoop to pick up on its next select
// iteration. A zero value leaves the corresponding field unchanged.
func (l *Liveness) ReconfigureActivity(checkInterval, idleTime time.Duration) {
	select {
	case <-l.activityReload:
	default:
	}
	l.activityReload <- activityIntervals{checkInterval: checkInterval, idleTime: idleTime}
}

// RunPingLoop publishes a ping to every incomer at PingInterval until ctx
// is canceled.
func (l *Liveness) RunPingLoop(ctx context.Context) error {
	interval := l.PingInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case interval = <-l.pingReload:
			l.PingInterval = interval
			ticker.Reset(interval)
		case <-ticker.C:
			l.pingRound(ctx)
		}
	}
}

// PingNow runs one ping round immediately, bypassing the ticker. Used by
// the dispatcher orchestrator right after winning the active role (spec
// §4.3's "issue a ping round immediately" on relay takeover).
func (l *Liveness) PingNow(ctx context.Context) {
	l.pingRound(ctx)
}

func (l *Liveness) pingRound(ctx context.Context) {
	logger := log.WithComponent("ping")

	incomers, err := l.Registry.GetIncomers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list incomers for ping round")
		return
	}

	dispatcherStore := l.Stores.Dispatcher()
	for uuid, incomer := range incomers {
		if incomer.BaseUUID == l.SelfProvidedUUID {
			if err := l.Registry.UpdateIncomerState(ctx, uuid); err != nil {
				logger.Warn().Err(err).Str(log.FieldProvidedUUID, uuid).Msg("failed to bump own incomer activity")
			}
			continue
		}

		channel := model.IncomerChannel(l.Prefix, uuid)
		msg := model.Envelope{
			Name: model.EventPing,
			RedisMetadata: model.Metadata{
				Origin: l.SelfProvidedUUID,
				To:     uuid,
			},
		}
		if err := l.Bus.Publish(ctx, channel, msg); err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, uuid).Msg("failed to publish ping")
			continue
		}

		_, err := dispatcherStore.Set(ctx, model.Transaction{
			Name:               model.EventPing,
			To:                 uuid,
			MainTransaction:    true,
			RelatedTransaction: nil,
			Resolved:           false,
		})
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, uuid).Msg("failed to record ping transaction")
			continue
		}
		metrics.PingsSentTotal.Inc()
	}
}

// RunActivityCheckLoop scans for stale incomers at CheckLastActivityInterval
// and evicts the ones without a recent ping response.
func (l *Liveness) RunActivityCheckLoop(ctx context.Context) error {
	interval := l.CheckLastActivityInterval
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-l.activityReload:
			if next.checkInterval > 0 {
				l.CheckLastActivityInterval = next.checkInterval
				ticker.Reset(next.checkInterval)
			}
			if next.idleTime > 0 {
				l.IdleTime = next.idleTime
			}
		case <-ticker.C:
			l.activityCheckRound(ctx)
		}
	}
}

func (l *Liveness) activityCheckRound(ctx context.Context) {
	logger := log.WithComponent("ping")

	incomers, err := l.Registry.GetIncomers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list incomers for activity check")
		return
	}

	now := l.Clock.NowMillis()
	idleMillis := l.IdleTime.Milliseconds()

	for uuid, incomer := range incomers {
		if incomer.LastActivity+idleMillis >= now {
			continue
		}

		recent, err := l.hasRecentPingResponse(ctx, uuid, now, idleMillis)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, uuid).Msg("failed to inspect incomer transaction store")
			continue
		}
		if recent {
			if err := l.Registry.UpdateIncomerState(ctx, uuid); err != nil {
				logger.Warn().Err(err).Str(log.FieldProvidedUUID, uuid).Msg("failed to bump activity after recent ping")
			}
			continue
		}

		metrics.EvictionsTotal.WithLabelValues(incomer.Name).Inc()
		logger.Info().Str(log.FieldProvidedUUID, uuid).Str(log.FieldIncomerName, incomer.Name).Msg("evicting inactive incomer")
		if err := l.Evictor.EvictIncomer(ctx, incomer); err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, uuid).Msg("eviction failed")
		}
	}
}

// hasRecentPingResponse consults the incomer's transaction store for a
// ping transaction still within idleTime and, if found, deletes it as
// the spec's "treat it as recent activity ... delete the stale ping"
// step.
func (l *Liveness) hasRecentPingResponse(ctx context.Context, providedUUID string, now, idleMillis int64) (bool, error) {
	incomerStore := l.Stores.Incomer(providedUUID)
	txns, err := incomerStore.GetAll(ctx)
	if err != nil {
		return false, err
	}
	for id, t := range txns {
		if t.Name != model.EventPing {
			continue
		}
		if t.AliveSince+idleMillis <= now {
			continue
		}
		if err := incomerStore.Delete(ctx, id); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

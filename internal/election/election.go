// Package election implements leader election and relay takeover
// (spec §4.3): detecting a live peer dispatcher, negotiating the active
// role via a jittered pub/sub race, and taking relay when the active
// process disappears.
//
// Design note (resolves spec.md §9 ambiguity #3 and fills in the
// unspecified tie-break of the startup/relay race): after the jitter
// wait, a process re-checks for a foreign OK that arrived during the
// wait (losing immediately without publishing), then publishes its own
// OK and holds a short settle window during which a still-later foreign
// OK reverts its own claim. This makes "first OK observed, by wall
// clock, wins" the tie-break, with the loser's registry mutation rolled
// back so invariant 4 (at most one active per name) holds even when two
// processes both attempt to announce close together.
package election

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/MyUnisoft/events-dispatcher/internal/bus"
	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/metrics"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/registry"
)

// OnActiveFunc is invoked exactly once, when this process becomes (or
// becomes again, via relay) the active dispatcher. evictedPeer is set
// when the transition was a relay takeover of a dead peer.
type OnActiveFunc func(ctx context.Context, evictedPeer *model.Incomer)

// Election negotiates the single active-dispatcher role among every
// process sharing InstanceName.
type Election struct {
	Bus      bus.Bus
	Registry *registry.Registry
	Clock    clock.Clock

	DispatcherChannel string
	PrivateUUID       string
	SelfProvidedUUID  string
	InstanceName      string

	MinWait      time.Duration
	MaxWait      time.Duration
	SettleWindow time.Duration
	IdleTime     time.Duration
	PingInterval time.Duration

	active atomic.Bool
	okCh   chan string
}

// New constructs an Election with sane defaults for SettleWindow when
// unset.
func New(b bus.Bus, reg *registry.Registry, c clock.Clock) *Election {
	if c == nil {
		c = clock.System{}
	}
	return &Election{
		Bus:          b,
		Registry:     reg,
		Clock:        c,
		SettleWindow: 500 * time.Millisecond,
		okCh:         make(chan string, 8),
	}
}

// IsActive reports whether this process currently holds the active role.
func (e *Election) IsActive() bool {
	return e.active.Load()
}

// NotifyOK is called by the router whenever an OK envelope from a
// different origin is observed on the dispatcher channel.
func (e *Election) NotifyOK(origin string) {
	if origin == e.PrivateUUID {
		return
	}
	if e.IsActive() {
		log.L().Warn().
			Str(log.FieldOrigin, origin).
			Str("component", "election").
			Msg("observed a foreign OK announcement while already active; possible split-brain")
		return
	}
	select {
	case e.okCh <- origin:
	default:
		// The buffer is already full of unread foreign OKs; dropping this
		// one changes nothing, since any buffered OK already makes the
		// next attemptActive check lose.
	}
}

// Run performs the startup negotiation and, if this process loses it,
// the standby relay-polling loop, until ctx is canceled or this process
// becomes active. onActive is called from within Run the moment this
// process wins the active role.
func (e *Election) Run(ctx context.Context, onActive OnActiveFunc) error {
	logger := log.WithComponent("election")

	peer, err := e.Registry.FindActiveDispatcher(ctx, e.InstanceName, e.SelfProvidedUUID)
	if err != nil {
		return fmt.Errorf("election: lookup active peer: %w", err)
	}

	now := e.Clock.NowMillis()
	if peer != nil && peer.LastActivity+e.IdleTime.Milliseconds() > now {
		logger.Info().Str(log.FieldBaseUUID, peer.BaseUUID).Msg("live peer dispatcher found, starting as standby")
		return e.runStandby(ctx, onActive)
	}

	won, err := e.attemptActive(ctx)
	if err != nil {
		return err
	}
	if won {
		metrics.ElectionTransitionsTotal.WithLabelValues("active").Inc()
		onActive(ctx, nil)
		return nil
	}
	return e.runStandby(ctx, onActive)
}

func (e *Election) runStandby(ctx context.Context, onActive OnActiveFunc) error {
	logger := log.WithComponent("election")
	metrics.ElectionTransitionsTotal.WithLabelValues("standby").Inc()

	interval := e.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			dead, err := e.findDeadActivePeer(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to scan registry for relay takeover")
				continue
			}
			if dead == nil {
				continue
			}
			logger.Info().Str(log.FieldBaseUUID, dead.BaseUUID).Msg("active peer appears dead, attempting relay takeover")

			won, err := e.attemptActive(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("relay takeover attempt failed")
				continue
			}
			if !won {
				logger.Info().Msg("lost relay takeover race, remaining standby")
				continue
			}

			if err := e.Registry.DeleteIncomer(ctx, dead.ProvidedUUID); err != nil {
				logger.Warn().Err(err).Msg("failed to clear dead peer's registry entry after relay takeover")
			}
			metrics.ElectionTransitionsTotal.WithLabelValues("active").Inc()
			onActive(ctx, dead)
			return nil
		}
	}
}

func (e *Election) findDeadActivePeer(ctx context.Context) (*model.Incomer, error) {
	all, err := e.Registry.GetIncomers(ctx)
	if err != nil {
		return nil, err
	}
	now := e.Clock.NowMillis()
	for _, p := range registry.ByName(all, e.InstanceName) {
		if p.BaseUUID == e.SelfProvidedUUID {
			continue
		}
		if p.IsDispatcherActiveInstance && p.LastActivity+e.IdleTime.Milliseconds() < now {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

// attemptActive runs one jittered announce-and-race attempt. It returns
// true iff this process ends the attempt holding the active role.
func (e *Election) attemptActive(ctx context.Context) (bool, error) {
	select {
	case <-time.After(e.jitter()):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	// Someone else may have already won while we waited.
	select {
	case <-e.okCh:
		return false, nil
	default:
	}

	if err := e.markSelfActive(ctx); err != nil {
		return false, fmt.Errorf("election: mark self active: %w", err)
	}

	announcement := model.Envelope{
		Name:          model.EventOK,
		RedisMetadata: model.Metadata{Origin: e.PrivateUUID},
	}
	if err := e.Bus.Publish(ctx, e.DispatcherChannel, announcement); err != nil {
		return false, fmt.Errorf("election: publish OK: %w", err)
	}

	settle := e.SettleWindow
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	select {
	case <-time.After(settle):
		e.active.Store(true)
		return true, nil
	case <-e.okCh:
		_ = e.clearSelfActive(ctx)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *Election) jitter() time.Duration {
	lo, hi := e.MinWait, e.MaxWait
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(rand.Int63n(int64(span)))
}

func (e *Election) markSelfActive(ctx context.Context) error {
	if e.SelfProvidedUUID == "" {
		return nil
	}
	self, err := e.Registry.FindByBaseUUID(ctx, e.SelfProvidedUUID)
	if err != nil || self == nil {
		return err
	}
	self.IsDispatcherActiveInstance = true
	return e.Registry.UpdateIncomer(ctx, *self)
}

func (e *Election) clearSelfActive(ctx context.Context) error {
	if e.SelfProvidedUUID == "" {
		return nil
	}
	self, err := e.Registry.FindByBaseUUID(ctx, e.SelfProvidedUUID)
	if err != nil || self == nil {
		return err
	}
	self.IsDispatcherActiveInstance = false
	return e.Registry.UpdateIncomer(ctx, *self)
}

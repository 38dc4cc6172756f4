// Package router implements the registration handler (spec §4.5) and
// event router with fan-out (spec §4.8): the dispatcher's reactive
// handling of every pub/sub message, dispatched by the (channel, name)
// tuple as spec §9's "Polymorphism over message shape" note prescribes.
// Grounded on the teacher's pipeline dispatch style: one goroutine per
// subscribed channel pumping into a shared handler, tracked in a
// mutex-guarded map so channels can be added (on registration) and torn
// down (on eviction) at runtime.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/MyUnisoft/events-dispatcher/internal/bus"
	"github.com/MyUnisoft/events-dispatcher/internal/clock"
	"github.com/MyUnisoft/events-dispatcher/internal/election"
	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/registry"
	"github.com/MyUnisoft/events-dispatcher/internal/store"
	"github.com/MyUnisoft/events-dispatcher/internal/validation"
)

// ChannelKind discriminates the two channel families a message can
// arrive on.
type ChannelKind int

const (
	ChannelDispatcher ChannelKind = iota
	ChannelIncomer
)

// Router owns every subscribed channel and dispatches each received
// envelope per spec §4.8.
type Router struct {
	Bus       bus.Bus
	Registry  *registry.Registry
	Stores    *store.Factory
	Validator *validation.Validator
	Election  *election.Election
	Clock     clock.Clock

	Prefix      string
	PrivateUUID string

	mu     sync.Mutex
	ctx    context.Context
	cancel bool // not set or read by any code path; pumps started after Run returns run under Run's canceled ctx and exit at once
	subs   map[string]bus.Subscriber
}

// New constructs a Router. Call Run before SubscribeIncomer/
// SubscribeDispatcher so pumps have a context to run under.
func New(b bus.Bus, reg *registry.Registry, stores *store.Factory, v *validation.Validator, el *election.Election, c clock.Clock) *Router {
	if c == nil {
		c = clock.System{}
	}
	return &Router{
		Bus: b, Registry: reg, Stores: stores, Validator: v, Election: el, Clock: c,
		subs: make(map[string]bus.Subscriber),
	}
}

// Run stores the background context used for every channel pump and
// blocks until ctx is canceled, closing every open subscription on the
// way out.
func (r *Router) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, sub := range r.subs {
		_ = sub.Close()
		delete(r.subs, name)
	}
	return ctx.Err()
}

// SubscribeDispatcher opens the shared dispatcher channel and pumps its
// messages into HandleMessage.
func (r *Router) SubscribeDispatcher(ctx context.Context) error {
	channel := model.DispatcherChannel(r.Prefix)
	return r.subscribe(ctx, channel, ChannelDispatcher)
}

// SubscribeIncomer opens a single incomer's private channel. Safe to
// call multiple times for the same providedUUID; later calls are no-ops.
func (r *Router) SubscribeIncomer(ctx context.Context, providedUUID string) error {
	channel := model.IncomerChannel(r.Prefix, providedUUID)
	return r.subscribe(ctx, channel, ChannelIncomer)
}

// UnsubscribeIncomer closes an incomer's private channel, used on
// eviction.
func (r *Router) UnsubscribeIncomer(providedUUID string) error {
	channel := model.IncomerChannel(r.Prefix, providedUUID)
	r.mu.Lock()
	sub, ok := r.subs[channel]
	if ok {
		delete(r.subs, channel)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Close()
}

func (r *Router) subscribe(ctx context.Context, channel string, kind ChannelKind) error {
	r.mu.Lock()
	if _, ok := r.subs[channel]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sub, err := r.Bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("router: subscribe %q: %w", channel, err)
	}

	r.mu.Lock()
	r.subs[channel] = sub
	pumpCtx := r.ctx
	r.mu.Unlock()
	if pumpCtx == nil {
		pumpCtx = ctx
	}

	go r.pump(pumpCtx, channel, kind, sub)
	return nil
}

func (r *Router) pump(ctx context.Context, channel string, kind ChannelKind, sub bus.Subscriber) {
	logger := log.WithComponent("router")
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if err := r.HandleMessage(ctx, kind, env); err != nil {
				logger.Warn().
					Err(err).
					Str(log.FieldChannel, channel).
					Str(log.FieldEvent, env.Name).
					Msg("failed to handle message")
			}
		}
	}
}

// HandleMessage implements spec §4.8's dispatch steps 1-4.
func (r *Router) HandleMessage(ctx context.Context, kind ChannelKind, env model.Envelope) error {
	if !r.Election.IsActive() {
		if env.Name == model.EventOK && env.RedisMetadata.Origin != r.PrivateUUID {
			r.Election.NotifyOK(env.RedisMetadata.Origin)
		}
		return nil
	}

	if env.RedisMetadata.Origin == r.PrivateUUID {
		return nil
	}

	if err := env.Validate(); err != nil {
		return err
	}
	if err := r.Validator.ValidateMetadata(env.RedisMetadata); err != nil {
		return err
	}
	if err := r.Validator.ValidateEvent(env.Name, env.Data); err != nil {
		return err
	}

	switch kind {
	case ChannelDispatcher:
		if env.Name != model.EventRegister {
			l := log.WithComponent("router")
			l.Debug().Str(log.FieldEvent, env.Name).Msg("ignoring non-register message on dispatcher channel")
			return nil
		}
		return r.handleRegister(ctx, env)
	case ChannelIncomer:
		return r.fanOut(ctx, env)
	default:
		return nil
	}
}

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

// RedisBus publishes and subscribes through Redis pub/sub channels. It
// is the production Bus implementation; MemoryBus exists purely for
// tests and local wiring.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redis.PubSub)}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, msg model.Envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope for %q: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("bus: publish %q: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscriber, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: subscribe %q: %w", channel, err)
	}

	b.mu.Lock()
	b.subs[channel] = ps
	b.mu.Unlock()

	out := make(chan model.Envelope, 64)
	go pump(ps, out, channel)

	return &redisSub{bus: b, channel: channel, ps: ps, ch: out}, nil
}

func pump(ps *redis.PubSub, out chan<- model.Envelope, channel string) {
	defer close(out)
	for msg := range ps.Channel() {
		var env model.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.L().Warn().
				Str(log.FieldChannel, channel).
				Err(err).
				Msg("bus: dropping message that failed to decode")
			continue
		}
		out <- env
	}
}

func (b *RedisBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	ps, ok := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}

type redisSub struct {
	bus     *RedisBus
	channel string
	ps      *redis.PubSub
	ch      chan model.Envelope
}

func (s *redisSub) C() <-chan model.Envelope { return s.ch }

func (s *redisSub) Close() error {
	return s.bus.Unsubscribe(context.Background(), s.channel)
}

var _ Bus = (*RedisBus)(nil)

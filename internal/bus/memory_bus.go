package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

// MemoryBus is an in-process pub/sub used for unit tests and for
// wiring two dispatcher instances together in-process (standby/active
// failover tests) without a real Redis server. Not durable; each
// subscriber receives a message at most once, and if the publish context
// ends while a subscriber's buffer is full, Publish returns and the
// remaining subscribers miss it.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan model.Envelope
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan model.Envelope)}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, msg model.Envelope) error {
	if ctx == nil {
		return fmt.Errorf("bus: publish context is nil")
	}
	b.mu.RLock()
	chs := append([]chan model.Envelope(nil), b.subs[channel]...)
	b.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			log.L().Warn().
				Str(log.FieldChannel, channel).
				Err(ctx.Err()).
				Msg("memory bus dropped publish: context done")
			return fmt.Errorf("bus: publish %q: %w", channel, ctx.Err())
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscriber, error) {
	ch := make(chan model.Envelope, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return &memSub{bus: b, channel: channel, ch: ch}, nil
}

func (b *MemoryBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		close(ch)
	}
	delete(b.subs, channel)
	return nil
}

type memSub struct {
	bus     *MemoryBus
	channel string
	ch      chan model.Envelope
}

func (s *memSub) C() <-chan model.Envelope { return s.ch }

func (s *memSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	lst := s.bus.subs[s.channel]
	out := lst[:0]
	for _, c := range lst {
		if c != s.ch {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.bus.subs, s.channel)
	} else {
		s.bus.subs[s.channel] = out
	}
	close(s.ch)
	return nil
}

var _ Bus = (*MemoryBus)(nil)

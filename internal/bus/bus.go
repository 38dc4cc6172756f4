// Package bus is the channel adapter component: a thin wrap of pub/sub
// publish and subscribe-by-name, grounded on the teacher's
// internal/pipeline/bus.MemoryBus (interface shape, in-memory backend)
// and internal/cache.RedisCache (Redis connection conventions, adapted
// here to pub/sub instead of key/value).
package bus

import (
	"context"

	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

// Subscriber receives envelopes published on one channel name.
type Subscriber interface {
	C() <-chan model.Envelope
	Close() error
}

// Bus publishes and subscribes to named channels carrying Envelope
// messages. Both the dispatcher channel and every per-incomer private
// channel are modeled as named topics on the same Bus.
type Bus interface {
	Publish(ctx context.Context, channel string, msg model.Envelope) error
	Subscribe(ctx context.Context, channel string) (Subscriber, error)
	// Unsubscribe drops a channel entirely; implementations that don't
	// need explicit bookkeeping beyond closing their Subscriber may
	// treat this as a no-op.
	Unsubscribe(ctx context.Context, channel string) error
}

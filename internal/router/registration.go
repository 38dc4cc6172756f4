package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/metrics"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

// registerPayload is the register event's data body (spec §3's Data
// model `eventsCast`/`eventsSubscribe`), carried alongside the fixed
// redisMetadata envelope fields.
type registerPayload struct {
	EventsCast      []string                  `json:"eventsCast,omitempty"`
	EventsSubscribe []model.EventSubscription `json:"eventsSubscribe,omitempty"`
}

// handleRegister implements spec §4.5.
func (r *Router) handleRegister(ctx context.Context, env model.Envelope) error {
	logger := log.WithComponent("router")
	origin := env.RedisMetadata.Origin
	transactionID := env.RedisMetadata.TransactionID

	// 1. The incomer maintains its own pending transaction, keyed under its
	// self-chosen origin id, describing this registration attempt.
	pendingStore := r.Stores.Incomer(origin)
	pending, err := pendingStore.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("router: lookup pending registration: %w", err)
	}
	if pending == nil {
		metrics.RegistrationsTotal.WithLabelValues("missing_transaction").Inc()
		return fmt.Errorf("router: registration %s: %w", transactionID, model.ErrMissingRelatedTransaction)
	}

	// 2. Reject duplicate registrations.
	if existing, err := r.Registry.FindByBaseUUID(ctx, origin); err != nil {
		return fmt.Errorf("router: check duplicate registration: %w", err)
	} else if existing != nil {
		if err := r.deletePendingApprovement(ctx, transactionID); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, transactionID).Msg("failed to clean up pending approvement for duplicate registration")
		}
		metrics.RegistrationsTotal.WithLabelValues("duplicate_rejected").Inc()
		return fmt.Errorf("router: registration from %s: %w", origin, model.ErrDuplicateRegistration)
	}

	// 3. Allocate providedUUID, insert into the registry, carrying the
	// capability lists (eventsCast/eventsSubscribe) the incomer advertised
	// in its register payload.
	var payload registerPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			metrics.RegistrationsTotal.WithLabelValues("invalid_payload").Inc()
			return fmt.Errorf("router: decode register payload: %w", err)
		}
	}

	now := r.Clock.NowMillis()
	rec := model.Incomer{
		BaseUUID:                   origin,
		Name:                       env.RedisMetadata.IncomerName,
		Prefix:                     env.RedisMetadata.Prefix,
		EventsCast:                 payload.EventsCast,
		EventsSubscribe:            payload.EventsSubscribe,
		AliveSince:                 now,
		LastActivity:               now,
		IsDispatcherActiveInstance: origin == r.PrivateUUID,
	}
	providedUUID, err := r.Registry.SetIncomer(ctx, rec)
	if err != nil {
		return fmt.Errorf("router: register incomer: %w", err)
	}

	// 4. Subscribe to the incomer's private channel.
	if err := r.SubscribeIncomer(ctx, providedUUID); err != nil {
		return fmt.Errorf("router: subscribe new incomer channel: %w", err)
	}

	// 5. Publish the approvement on the shared dispatcher channel (the
	// registering incomer is listening there, and doesn't yet know its
	// private channel name) and record the dispatcher-side transaction.
	channel := model.DispatcherChannel(r.Prefix)
	approvement := model.Envelope{
		Name: model.EventApprovement,
		Data: mustMarshalUUID(providedUUID),
		RedisMetadata: model.Metadata{
			Origin:             r.PrivateUUID,
			To:                 providedUUID,
			RelatedTransaction: &transactionID,
			Resolved:           false,
		},
	}
	if err := r.Bus.Publish(ctx, channel, approvement); err != nil {
		return fmt.Errorf("router: publish approvement: %w", err)
	}

	related := transactionID
	if _, err := r.Stores.Dispatcher().Set(ctx, model.Transaction{
		Name:               model.EventApprovement,
		To:                 providedUUID,
		MainTransaction:    false,
		RelatedTransaction: &related,
		Resolved:           false,
	}); err != nil {
		return fmt.Errorf("router: record approvement transaction: %w", err)
	}

	metrics.RegistrationsTotal.WithLabelValues("approved").Inc()
	logger.Info().Str(log.FieldProvidedUUID, providedUUID).Str(log.FieldOrigin, origin).Msg("incomer registered")
	return nil
}

// deletePendingApprovement removes any dispatcher-side approvement
// transaction already referencing this registration attempt, per spec
// §4.5 step 2's "delete the dispatcher transaction that would have
// approved it".
func (r *Router) deletePendingApprovement(ctx context.Context, transactionID string) error {
	dispatcherStore := r.Stores.Dispatcher()
	all, err := dispatcherStore.GetAll(ctx)
	if err != nil {
		return err
	}
	for id, t := range all {
		if t.Name == model.EventApprovement && t.RelatedTransaction != nil && *t.RelatedTransaction == transactionID {
			return dispatcherStore.Delete(ctx, id)
		}
	}
	return nil
}

func mustMarshalUUID(uuid string) []byte {
	return []byte(fmt.Sprintf(`{"uuid":%q}`, uuid))
}

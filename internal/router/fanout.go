package router

import (
	"context"
	"fmt"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/metrics"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

// fanOut implements spec §4.8's "Fan-out" subsection for a message
// received on an incomer channel.
func (r *Router) fanOut(ctx context.Context, env model.Envelope) error {
	logger := log.WithComponent("router")
	origin := env.RedisMetadata.Origin
	transactionID := env.RedisMetadata.TransactionID

	senderStore := r.Stores.Incomer(origin)
	main, err := senderStore.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("router: lookup sender main transaction: %w", err)
	}
	if main == nil {
		return fmt.Errorf("router: fan-out %s from %s: %w", env.Name, origin, model.ErrMissingRelatedTransaction)
	}

	all, err := r.Registry.GetIncomers(ctx)
	if err != nil {
		return fmt.Errorf("router: list incomers for fan-out: %w", err)
	}

	targets := selectFanOutTargets(all, env.Name)

	if len(targets) == 0 {
		if env.Name == model.EventPing {
			logger.Debug().Str(log.FieldEvent, env.Name).Msg("ping fan-out with zero subscribers, dropping")
			return nil
		}
		main.Published = true
		if err := senderStore.Update(ctx, transactionID, *main); err != nil {
			return fmt.Errorf("router: mark sender main published: %w", err)
		}
		if _, err := r.Stores.BackupDispatcher().Set(ctx, model.Transaction{
			Name:               env.Name,
			To:                 "",
			RelatedTransaction: model.Ptr(transactionID),
			Resolved:           false,
		}); err != nil {
			return fmt.Errorf("router: park backup dispatcher transaction: %w", err)
		}
		metrics.BackupParkedTotal.WithLabelValues("dispatcher").Inc()
		return nil
	}

	dispatcherStore := r.Stores.Dispatcher()
	for _, target := range targets {
		channel := model.IncomerChannel(r.Prefix, target.ProvidedUUID)
		if err := r.SubscribeIncomer(ctx, target.ProvidedUUID); err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, target.ProvidedUUID).Msg("failed to ensure target channel subscription")
		}

		outgoing := model.Envelope{
			Name: env.Name,
			Data: env.Data,
			RedisMetadata: model.Metadata{
				Origin:      r.PrivateUUID,
				To:          target.ProvidedUUID,
				IncomerName: target.Name,
			},
		}
		if err := r.Bus.Publish(ctx, channel, outgoing); err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, target.ProvidedUUID).Msg("failed to publish fan-out event")
			continue
		}

		if _, err := dispatcherStore.Set(ctx, model.Transaction{
			Name:               env.Name,
			To:                 target.ProvidedUUID,
			MainTransaction:    false,
			RelatedTransaction: model.Ptr(transactionID),
			Resolved:           false,
		}); err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, target.ProvidedUUID).Msg("failed to record fan-out transaction")
			continue
		}
		metrics.FanOutTargetsTotal.WithLabelValues(env.Name).Inc()
	}

	if err := r.Registry.UpdateIncomerState(ctx, origin); err != nil {
		logger.Warn().Err(err).Str(log.FieldProvidedUUID, origin).Msg("failed to bump sender activity")
	}
	main.Published = true
	if err := senderStore.Update(ctx, transactionID, *main); err != nil {
		return fmt.Errorf("router: mark sender main published: %w", err)
	}
	return nil
}

// selectFanOutTargets applies the subscription and horizontal-scale
// filters of spec §4.8.
func selectFanOutTargets(all map[string]model.Incomer, event string) []model.Incomer {
	byName := make(map[string][]model.Incomer)
	var horizontal []model.Incomer

	for _, incomer := range all {
		sub, ok := incomer.SubscriptionFor(event)
		if !ok {
			continue
		}
		if sub.HorizontalScale {
			horizontal = append(horizontal, incomer)
			continue
		}
		byName[incomer.Name] = append(byName[incomer.Name], incomer)
	}

	targets := make([]model.Incomer, 0, len(byName)+len(horizontal))
	for _, group := range byName {
		// Tie-break is intentionally iteration-order-dependent (spec §4.7
		// "Tie-breaks"); map iteration over `all` already randomizes group
		// membership order.
		targets = append(targets, group[0])
	}
	targets = append(targets, horizontal...)
	return targets
}

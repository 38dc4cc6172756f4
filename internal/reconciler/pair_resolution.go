package reconciler

import (
	"context"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/metrics"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

// resolvePairs implements spec §4.7(b).
func (rc *Reconciler) resolvePairs(ctx context.Context) error {
	logger := log.WithComponent("reconciler")
	dispatcherStore := rc.Stores.Dispatcher()

	pending, err := dispatcherStore.GetAll(ctx)
	if err != nil {
		return err
	}

	for id, d := range pending {
		if d.To == "" {
			continue
		}
		recipient, err := rc.Registry.Get(ctx, d.To)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, d.To).Msg("failed to look up recipient")
			continue
		}
		if recipient == nil {
			continue
		}

		incomerStore := rc.Stores.Incomer(d.To)
		acks, err := incomerStore.GetAll(ctx)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, d.To).Msg("failed to read recipient store")
			continue
		}

		ackID, ack, found := findResolvedAck(acks, id)
		if !found {
			continue
		}

		switch {
		case d.MainTransaction:
			if err := rc.Registry.UpdateIncomerState(ctx, d.To); err != nil {
				logger.Warn().Err(err).Str(log.FieldProvidedUUID, d.To).Msg("failed to bump activity on ping pair resolution")
			}
			_ = dispatcherStore.Delete(ctx, id)
			_ = incomerStore.Delete(ctx, ackID)

		case d.Name == model.EventApprovement:
			if !ack.Resolved {
				continue
			}
			_ = dispatcherStore.Delete(ctx, id)
			_ = incomerStore.Delete(ctx, ackID)

		default:
			d.Resolved = true
			if err := dispatcherStore.Update(ctx, id, d); err != nil {
				logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to mark dispatcher transaction resolved")
				continue
			}
			_ = incomerStore.Delete(ctx, ackID)
			if err := rc.Registry.UpdateIncomerState(ctx, recipient.ProvidedUUID); err != nil {
				logger.Warn().Err(err).Str(log.FieldProvidedUUID, recipient.ProvidedUUID).Msg("failed to bump recipient activity")
			}
		}
		metrics.ReconciliationPairsResolvedTotal.Inc()
	}
	return nil
}

func findResolvedAck(acks map[string]model.Transaction, dispatcherTransactionID string) (string, model.Transaction, bool) {
	for id, a := range acks {
		if a.RelatedTransaction != nil && *a.RelatedTransaction == dispatcherTransactionID && a.Resolved {
			return id, a, true
		}
	}
	return "", model.Transaction{}, false
}

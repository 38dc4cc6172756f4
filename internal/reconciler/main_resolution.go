package reconciler

import (
	"context"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/store"
)

// resolveMains implements spec §4.7(c).
func (rc *Reconciler) resolveMains(ctx context.Context) error {
	logger := log.WithComponent("reconciler")

	live, err := rc.Registry.GetIncomers(ctx)
	if err != nil {
		return err
	}

	dispatcherStore := rc.Stores.Dispatcher()
	dispatcherTxns, err := dispatcherStore.GetAll(ctx)
	if err != nil {
		return err
	}
	backupDispatcherStore := rc.Stores.BackupDispatcher()
	backupTxns, err := backupDispatcherStore.GetAll(ctx)
	if err != nil {
		return err
	}

	for _, incomer := range live {
		incomerStore := rc.Stores.Incomer(incomer.ProvidedUUID)
		txns, err := incomerStore.GetAll(ctx)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldProvidedUUID, incomer.ProvidedUUID).Msg("failed to read incomer store for main resolution")
			continue
		}

		for mainID, m := range txns {
			if !m.MainTransaction {
				continue
			}
			rc.resolveOneMain(ctx, incomerStore, mainID, m, live, dispatcherStore, dispatcherTxns, backupDispatcherStore, backupTxns)
		}
	}
	return nil
}

func (rc *Reconciler) resolveOneMain(
	ctx context.Context,
	incomerStore *store.TransactionStore,
	mainID string,
	m model.Transaction,
	live map[string]model.Incomer,
	dispatcherStore *store.TransactionStore,
	dispatcherTxns map[string]model.Transaction,
	backupDispatcherStore *store.TransactionStore,
	backupTxns map[string]model.Transaction,
) {
	logger := log.WithComponent("reconciler")

	var liveChildren []string
	anyUnresolved := false
	for id, d := range dispatcherTxns {
		if d.RelatedTransaction != nil && *d.RelatedTransaction == mainID {
			liveChildren = append(liveChildren, id)
			if !d.Resolved {
				anyUnresolved = true
			}
		}
	}

	var backupChildrenRemaining bool
	for id, b := range backupTxns {
		if b.RelatedTransaction == nil || *b.RelatedTransaction != mainID {
			continue
		}
		var target *model.Incomer
		if b.To != "" {
			if rec, ok := live[b.To]; ok {
				cp := rec
				target = &cp
			}
		} else if targets := selectSubscribers(live, b.Name); len(targets) > 0 {
			target = &targets[0]
		}
		if target == nil {
			backupChildrenRemaining = true
			continue
		}
		if err := rc.throttleRepublish(ctx); err != nil {
			logger.Warn().Err(err).Msg("republish throttle wait aborted")
			backupChildrenRemaining = true
			continue
		}

		channel := model.IncomerChannel(rc.Prefix, target.ProvidedUUID)
		outgoing := model.Envelope{
			Name: b.Name,
			RedisMetadata: model.Metadata{
				Origin:             rc.PrivateUUID,
				To:                 target.ProvidedUUID,
				IncomerName:        target.Name,
				RelatedTransaction: b.RelatedTransaction,
				Iteration:          b.Iteration + 1,
			},
		}
		if err := rc.Bus.Publish(ctx, channel, outgoing); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to republish backup child during main resolution")
			backupChildrenRemaining = true
			continue
		}
		b.To = target.ProvidedUUID
		b.Iteration++
		if err := dispatcherStore.Put(ctx, b); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to restore backup child during main resolution")
			backupChildrenRemaining = true
			continue
		}
		_ = backupDispatcherStore.Delete(ctx, id)
	}

	if anyUnresolved || backupChildrenRemaining {
		return
	}

	for _, id := range liveChildren {
		d := dispatcherTxns[id]
		_ = dispatcherStore.Delete(ctx, id)
		if d.To != "" {
			if err := rc.Registry.UpdateIncomerState(ctx, d.To); err != nil {
				logger.Warn().Err(err).Str(log.FieldProvidedUUID, d.To).Msg("failed to bump recipient activity after main resolution")
			}
		}
	}
	if err := incomerStore.Delete(ctx, mainID); err != nil {
		logger.Warn().Err(err).Str(log.FieldTransactionID, mainID).Msg("failed to delete fully-resolved main")
	}
}

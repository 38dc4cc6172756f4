package reconciler

import (
	"context"
	"fmt"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
	"github.com/MyUnisoft/events-dispatcher/internal/registry"
)

// EvictIncomer implements spec §4.6 for one evicted incomer X: its
// registry record is removed, its own transaction store is walked and
// every entry migrated, re-homed, or parked, and the dispatcher store is
// walked for anything still addressed to X.
func (rc *Reconciler) EvictIncomer(ctx context.Context, x model.Incomer) error {
	logger := log.WithComponent("reconciler")

	if err := rc.Registry.DeleteIncomer(ctx, x.ProvidedUUID); err != nil {
		return fmt.Errorf("reconciler: evict %s: delete registry record: %w", x.ProvidedUUID, err)
	}
	if err := rc.Router.UnsubscribeIncomer(x.ProvidedUUID); err != nil {
		logger.Warn().Err(err).Str(log.FieldProvidedUUID, x.ProvidedUUID).Msg("failed to unsubscribe evicted incomer channel")
	}

	remaining, err := rc.Registry.GetIncomers(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: evict %s: list remaining incomers: %w", x.ProvidedUUID, err)
	}

	if err := rc.walkEvictedIncomerStore(ctx, x, remaining); err != nil {
		return err
	}
	if err := rc.walkDispatcherStoreForEvicted(ctx, x, remaining); err != nil {
		return err
	}
	return nil
}

func (rc *Reconciler) walkEvictedIncomerStore(ctx context.Context, x model.Incomer, remaining map[string]model.Incomer) error {
	logger := log.WithComponent("reconciler")
	xStore := rc.Stores.Incomer(x.ProvidedUUID)
	txns, err := xStore.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: evict %s: read incomer store: %w", x.ProvidedUUID, err)
	}
	dispatcherStore := rc.Stores.Dispatcher()

	for id, t := range txns {
		switch {
		case t.Name == model.EventPing:
			if t.RelatedTransaction != nil {
				if err := dispatcherStore.Delete(ctx, *t.RelatedTransaction); err != nil {
					logger.Warn().Err(err).Str(log.FieldTransactionID, *t.RelatedTransaction).Msg("failed to delete paired dispatcher ping")
				}
			}

		case t.Name == model.EventRegister && t.MainTransaction:
			all, err := dispatcherStore.GetAll(ctx)
			if err != nil {
				return err
			}
			for dID, d := range all {
				if d.Name == model.EventApprovement && d.RelatedTransaction != nil && *d.RelatedTransaction == id {
					_ = dispatcherStore.Delete(ctx, dID)
				}
			}

		case t.MainTransaction:
			if err := rc.migrateOrBackupMain(ctx, x, t, remaining); err != nil {
				logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to migrate/backup main transaction")
			}

		default:
			if err := rc.rehomeOrBackupRelated(ctx, t, remaining); err != nil {
				logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to re-home related transaction")
			}
		}

		if err := xStore.Delete(ctx, id); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to clear evicted incomer's transaction")
		}
	}
	return nil
}

// migrateOrBackupMain handles a main transaction other than register:
// migrate it to a surviving sibling's store and rewrite dependent
// dispatcher children, or park it in the incomer backup store.
func (rc *Reconciler) migrateOrBackupMain(ctx context.Context, x model.Incomer, main model.Transaction, remaining map[string]model.Incomer) error {
	sibling := findSibling(remaining, x.Name, main.Name)
	if sibling == nil {
		backup := main.Clone()
		if err := rc.Stores.BackupIncomer().Put(ctx, backup); err != nil {
			return fmt.Errorf("park main to backup incomer store: %w", err)
		}
		return nil
	}

	migrated := main.Clone()
	migrated.Origin = sibling.ProvidedUUID
	newMain, err := rc.Stores.Incomer(sibling.ProvidedUUID).Set(ctx, migrated)
	if err != nil {
		return fmt.Errorf("migrate main to sibling store: %w", err)
	}

	return rc.rewriteChildrenOfMain(ctx, main.TransactionID, sibling.ProvidedUUID, newMain.TransactionID)
}

// rewriteChildrenOfMain retargets every live dispatcher transaction whose
// RelatedTransaction pointed at oldMainID.
func (rc *Reconciler) rewriteChildrenOfMain(ctx context.Context, oldMainID, newTo, newMainID string) error {
	dispatcherStore := rc.Stores.Dispatcher()
	all, err := dispatcherStore.GetAll(ctx)
	if err != nil {
		return err
	}
	for id, d := range all {
		if d.RelatedTransaction == nil || *d.RelatedTransaction != oldMainID {
			continue
		}
		d.To = newTo
		d.RelatedTransaction = model.Ptr(newMainID)
		d.MainTransaction = false
		if err := dispatcherStore.Update(ctx, id, d); err != nil {
			return err
		}
	}
	return nil
}

// rehomeOrBackupRelated handles an evicted incomer's non-main
// (acknowledgement) transaction: re-publish the underlying event to
// another subscriber, park it if unresolved and no subscriber exists, or
// drop it if already resolved.
func (rc *Reconciler) rehomeOrBackupRelated(ctx context.Context, t model.Transaction, remaining map[string]model.Incomer) error {
	if t.Resolved {
		return nil
	}

	targets := selectSubscribers(remaining, t.Name)
	if len(targets) == 0 {
		backup := t.Clone()
		if err := rc.Stores.BackupIncomer().Put(ctx, backup); err != nil {
			return fmt.Errorf("park related transaction to backup incomer store: %w", err)
		}
		return nil
	}

	target := targets[0]
	if err := rc.throttleRepublish(ctx); err != nil {
		return fmt.Errorf("republish related transaction: %w", err)
	}
	channel := model.IncomerChannel(rc.Prefix, target.ProvidedUUID)
	outgoing := model.Envelope{
		Name: t.Name,
		RedisMetadata: model.Metadata{
			Origin:      rc.PrivateUUID,
			To:          target.ProvidedUUID,
			IncomerName: target.Name,
			Iteration:   t.Iteration + 1,
		},
	}
	if err := rc.Bus.Publish(ctx, channel, outgoing); err != nil {
		return fmt.Errorf("republish related transaction: %w", err)
	}

	if t.RelatedTransaction != nil {
		if err := rc.Stores.Dispatcher().Delete(ctx, *t.RelatedTransaction); err != nil {
			return fmt.Errorf("delete previous dispatcher child: %w", err)
		}
	}

	replacement := t.Clone()
	replacement.To = target.ProvidedUUID
	replacement.Iteration = t.Iteration + 1
	if _, err := rc.Stores.Dispatcher().Set(ctx, replacement); err != nil {
		return fmt.Errorf("record re-homed dispatcher transaction: %w", err)
	}
	return nil
}

// walkDispatcherStoreForEvicted handles dispatcher-side transactions
// still addressed to the just-evicted incomer.
func (rc *Reconciler) walkDispatcherStoreForEvicted(ctx context.Context, x model.Incomer, remaining map[string]model.Incomer) error {
	logger := log.WithComponent("reconciler")
	dispatcherStore := rc.Stores.Dispatcher()
	all, err := dispatcherStore.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: evict %s: read dispatcher store: %w", x.ProvidedUUID, err)
	}

	for id, d := range all {
		if d.To != x.ProvidedUUID {
			continue
		}
		if d.Name == model.EventPing || d.Name == model.EventApprovement {
			if err := dispatcherStore.Delete(ctx, id); err != nil {
				logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to delete stale dispatcher transaction")
			}
			continue
		}

		targets := selectSubscribers(remaining, d.Name)
		if len(targets) == 0 {
			backup := d.Clone()
			if err := rc.Stores.BackupDispatcher().Put(ctx, backup); err != nil {
				logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to park orphaned dispatcher transaction")
				continue
			}
			_ = dispatcherStore.Delete(ctx, id)
			continue
		}

		target := targets[0]
		if err := rc.throttleRepublish(ctx); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("republish throttle wait aborted")
			continue
		}
		channel := model.IncomerChannel(rc.Prefix, target.ProvidedUUID)
		outgoing := model.Envelope{
			Name: d.Name,
			RedisMetadata: model.Metadata{
				Origin:             rc.PrivateUUID,
				To:                 target.ProvidedUUID,
				IncomerName:        target.Name,
				RelatedTransaction: d.RelatedTransaction,
				Iteration:          d.Iteration + 1,
			},
		}
		if err := rc.Bus.Publish(ctx, channel, outgoing); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to re-home dispatcher transaction")
			continue
		}
		d.To = target.ProvidedUUID
		d.Iteration++
		if err := dispatcherStore.Update(ctx, id, d); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to update re-homed dispatcher transaction")
		}
	}
	return nil
}

func findSibling(all map[string]model.Incomer, name, event string) *model.Incomer {
	for _, i := range registry.ByName(all, name) {
		if i.CanCast(event) {
			cp := i
			return &cp
		}
	}
	return nil
}

func selectSubscribers(all map[string]model.Incomer, event string) []model.Incomer {
	var out []model.Incomer
	for _, i := range all {
		if _, ok := i.SubscriptionFor(event); ok {
			out = append(out, i)
		}
	}
	return out
}

package reconciler

import (
	"context"
	"fmt"

	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

func (rc *Reconciler) redistributeBackupIncomers(ctx context.Context) error {
	logger := log.WithComponent("reconciler")
	backupStore := rc.Stores.BackupIncomer()

	backups, err := backupStore.GetAll(ctx)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return nil
	}

	live, err := rc.Registry.GetIncomers(ctx)
	if err != nil {
		return err
	}

	for id, b := range backups {
		if b.MainTransaction {
			sibling := findSibling(live, b.IncomerName, b.Name)
			if sibling == nil {
				continue
			}
			migrated := b.Clone()
			migrated.Origin = sibling.ProvidedUUID
			newMain, err := rc.Stores.Incomer(sibling.ProvidedUUID).Set(ctx, migrated)
			if err != nil {
				logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to migrate backup main to sibling")
				continue
			}
			if err := rc.rewriteChildrenOfMain(ctx, b.TransactionID, sibling.ProvidedUUID, newMain.TransactionID); err != nil {
				logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to rewrite children of migrated main")
			}
			_ = backupStore.Delete(ctx, id)
			continue
		}

		if b.RelatedTransaction == nil {
			continue
		}
		targets := selectSubscribers(live, b.Name)
		if len(targets) == 0 {
			continue
		}
		target := targets[0]

		if !b.Resolved {
			if err := rc.throttleRepublish(ctx); err != nil {
				return err
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
				logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to republish backup incomer transaction")
				continue
			}
			if err := rc.Stores.Dispatcher().Delete(ctx, *b.RelatedTransaction); err != nil {
				logger.Warn().Err(err).Str(log.FieldTransactionID, *b.RelatedTransaction).Msg("failed to delete paired backup-dispatcher record")
			}
			_ = backupStore.Delete(ctx, id)
			continue
		}

		migrated := b.Clone()
		if err := rc.Stores.Incomer(target.ProvidedUUID).Put(ctx, migrated); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to migrate resolved backup into incomer store")
			continue
		}
		_ = backupStore.Delete(ctx, id)
	}
	return nil
}

func (rc *Reconciler) redistributeBackupDispatchers(ctx context.Context) error {
	logger := log.WithComponent("reconciler")
	backupStore := rc.Stores.BackupDispatcher()

	backups, err := backupStore.GetAll(ctx)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return nil
	}

	live, err := rc.Registry.GetIncomers(ctx)
	if err != nil {
		return err
	}

	for id, b := range backups {
		targets := selectSubscribers(live, b.Name)
		if len(targets) == 0 {
			continue
		}
		target := targets[0]

		if err := rc.throttleRepublish(ctx); err != nil {
			return err
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
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to republish backup dispatcher transaction")
			continue
		}

		b.To = target.ProvidedUUID
		b.Iteration++
		if err := rc.Stores.Dispatcher().Put(ctx, b); err != nil {
			logger.Warn().Err(err).Str(log.FieldTransactionID, id).Msg("failed to restore dispatcher transaction from backup")
			continue
		}
		if err := backupStore.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete redistributed backup dispatcher transaction: %w", err)
		}
	}
	return nil
}

package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/outbox"
	"github.com/soundleaf/soundleaf/internal/transport"
)

// PullStats counts what one entity kind's pull did.
type PullStats struct {
	Applied    int `json:"applied"`
	Conflicted int `json:"conflicted"`
	Ignored    int `json:"ignored"`
	Deleted    int `json:"deleted"`
}

// kindPuller binds one entity kind to its typed pull routine. Each kind's
// delta is applied in its own transaction, so one kind failing never unwinds
// another.
type kindPuller struct {
	kind library.Kind
	run  func(ctx context.Context, e *Engine) (PullStats, error)
}

func newKindPuller[T any, PT interface {
	*T
	library.Record
}](kind library.Kind) kindPuller {
	return kindPuller{
		kind: kind,
		run: func(ctx context.Context, e *Engine) (PullStats, error) {
			return pullKind[T, PT](ctx, e, kind)
		},
	}
}

type localRow struct {
	ID             string
	SyncState      library.SyncState
	LastModifiedMS int64
}

// pullKind fetches one kind's delta, routes every record through the conflict
// detector, and applies the outcome in a single transaction. Re-running with
// the same server response reproduces the same end state: every write is an
// upsert keyed by entity id.
func pullKind[T any, PT interface {
	*T
	library.Record
}](ctx context.Context, e *Engine, kind library.Kind) (PullStats, error) {
	cursor, err := e.store.Cursor(ctx, kind)
	if err != nil {
		return PullStats{}, err
	}
	page, err := e.client.FetchDelta(ctx, string(kind), cursor)
	if err != nil {
		return PullStats{}, err
	}

	table, err := library.TableNameForKind(kind)
	if err != nil {
		return PullStats{}, err
	}

	var stats PullStats
	var changedIDs []string

	txErr := e.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []localRow
		if err := tx.Table(table).
			Select("id, sync_state, last_modified_ms").
			Find(&rows).Error; err != nil {
			return fmt.Errorf("load local state: %w", err)
		}
		locals := make(map[string]LocalState, len(rows))
		for _, row := range rows {
			locals[row.ID] = LocalState{SyncState: row.SyncState, LastModifiedMS: row.LastModifiedMS}
		}

		classified := ClassifyBatch(locals, page.Records)
		stats.Ignored = classified.Ignored

		upsert := func(records []transport.DeltaRecord, state library.SyncState) error {
			for _, record := range records {
				var row T
				if err := json.Unmarshal(record.Data, &row); err != nil {
					return fmt.Errorf("decode %s record %s: %w", kind, record.ID, err)
				}
				typed := PT(&row)
				if typed.RecordID() != record.ID {
					return fmt.Errorf("record id mismatch for %s: %q vs %q", kind, typed.RecordID(), record.ID)
				}
				meta := typed.Meta()
				meta.ServerVersionMS = record.UpdatedAtMS
				meta.SyncState = state
				if local, ok := locals[record.ID]; ok {
					meta.LastModifiedMS = local.LastModifiedMS
					// An applied record on a still-unresolved CONFLICT row
					// refreshes content but keeps the conflict visible.
					if state == library.SyncStateSynced && local.SyncState == library.SyncStateConflict {
						meta.SyncState = library.SyncStateConflict
					}
				}
				if err := tx.Save(typed).Error; err != nil {
					return fmt.Errorf("upsert %s %s: %w", kind, record.ID, err)
				}
				changedIDs = append(changedIDs, record.ID)
			}
			return nil
		}
		if err := upsert(classified.Apply, library.SyncStateSynced); err != nil {
			return err
		}
		stats.Applied = len(classified.Apply)
		if err := upsert(classified.Conflict, library.SyncStateConflict); err != nil {
			return err
		}
		stats.Conflicted = len(classified.Conflict)

		// A conflicted entity's queued operations carry content the server
		// has superseded. Park them so the push never delivers a stale
		// payload over the newer server version; the snapshots stay
		// inspectable until the conflict is resolved.
		for _, record := range classified.Conflict {
			if err := outbox.FailQueuedForEntity(tx, outbox.Kind(kind), record.ID, "superseded_by_server"); err != nil {
				return fmt.Errorf("park operations for %s %s: %w", kind, record.ID, err)
			}
		}

		// Tombstone pass. Only a complete listing licenses deletions, and
		// only SYNCED rows are eligible: a NOT_SYNCED row may be a local
		// creation the server has never heard of, and a CONFLICT row must
		// stay visible until resolved.
		if page.Full {
			serverIDs := make(map[string]bool, len(page.Records))
			for _, record := range page.Records {
				serverIDs[record.ID] = true
			}
			for _, row := range rows {
				if serverIDs[row.ID] || row.SyncState != library.SyncStateSynced {
					continue
				}
				if err := tx.Where("id = ?", row.ID).Delete(new(T)).Error; err != nil {
					return fmt.Errorf("tombstone delete %s %s: %w", kind, row.ID, err)
				}
				stats.Deleted++
				changedIDs = append(changedIDs, row.ID)
			}
		}

		return tx.Save(&library.SyncCursor{
			Kind:           kind,
			Cursor:         page.Cursor,
			LastSyncedAtMS: e.store.NowMS(),
		}).Error
	})
	if txErr != nil {
		e.logger.Error("pull failed",
			zap.String("operation", "syncengine.pull"),
			zap.String("kind", string(kind)),
			zap.Error(txErr))
		return PullStats{}, txErr
	}

	if len(changedIDs) > 0 {
		e.store.Watcher().Publish(library.ChangeEvent{
			Kind:      kind,
			EntityIDs: changedIDs,
			Origin:    library.ChangeOriginPull,
			Timestamp: e.now(),
		})
	}

	e.logger.Debug("pull completed",
		zap.String("kind", string(kind)),
		zap.Int("applied", stats.Applied),
		zap.Int("conflicted", stats.Conflicted),
		zap.Int("ignored", stats.Ignored),
		zap.Int("deleted", stats.Deleted))
	return stats, nil
}

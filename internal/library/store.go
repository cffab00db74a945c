package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/soundleaf/soundleaf/internal/outbox"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNotFound indicates the requested entity is not in the cache.
	ErrNotFound = errors.New("library: entity not found")
	// ErrNotConflicted indicates a resolution was requested for a row that is not in conflict.
	ErrNotConflicted = errors.New("library: entity is not in conflict")
	// ErrUnknownStrategy indicates an unsupported conflict resolution strategy.
	ErrUnknownStrategy = errors.New("library: unknown resolution strategy")
)

// StoreError carries a dotted operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew    = "library.store.new"
	opSaveLocal   = "library.save_local"
	opDeleteLocal = "library.delete_local"
	opMarkState   = "library.mark_state"
	opResolve     = "library.resolve_conflict"
	opQuery       = "library.query"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig wires the cache's collaborators.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Watcher    *Dispatcher
}

// Store is the authoritative on-device cache for every synced entity kind,
// and the sync state tracker attached to each row. Local mutations enqueue a
// pending operation in the same transaction as the cache write.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	ids     IDProvider
	logger  *zap.Logger
	watcher *Dispatcher
}

// NewStore validates collaborators and constructs the cache.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	watcher := cfg.Watcher
	if watcher == nil {
		watcher = NewDispatcher()
	}
	return &Store{
		db:      cfg.Database,
		clock:   clock,
		ids:     cfg.IDProvider,
		logger:  logger,
		watcher: watcher,
	}, nil
}

// DB exposes the underlying handle for collaborators that compose their own
// transactions (pull synchronizer, outbox drain).
func (s *Store) DB() *gorm.DB { return s.db }

// Watcher exposes the change dispatcher for subscribers.
func (s *Store) Watcher() *Dispatcher { return s.watcher }

// NowMS returns the injected clock's current time in unix milliseconds.
func (s *Store) NowMS() int64 { return s.clock().UTC().UnixMilli() }

// Get loads one entity by id.
func Get[T any, PT interface {
	*T
	Record
}](ctx context.Context, s *Store, id string) (PT, error) {
	var row T
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, newStoreError(opQuery, "select_failed", err)
	}
	return PT(&row), nil
}

// List returns every cached entity of one kind, most recently modified first.
func List[T any, PT interface {
	*T
	Record
}](ctx context.Context, s *Store) ([]T, error) {
	var rows []T
	err := s.db.WithContext(ctx).
		Order("last_modified_ms DESC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "list_failed", err)
	}
	return rows, nil
}

// SaveLocal applies a local edit: the row is written with a fresh local
// timestamp and NOT_SYNCED state, and exactly one pending operation is
// enqueued in the same transaction. A row already in CONFLICT keeps that
// state until explicitly resolved.
func SaveLocal[T any, PT interface {
	*T
	Record
}](ctx context.Context, s *Store, record PT) error {
	if record.RecordID() == "" {
		return newStoreError(opSaveLocal, "missing_id", ErrInvalidEntityID)
	}
	nowMS := s.NowMS()
	action := outbox.ActionUpdate

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing T
		err := tx.Where("id = ?", record.RecordID()).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			action = outbox.ActionCreate
			record.Meta().ServerVersionMS = 0
			record.Meta().SyncState = SyncStateNotSynced
		case err != nil:
			return newStoreError(opSaveLocal, "select_failed", err)
		default:
			existingMeta := PT(&existing).Meta()
			record.Meta().ServerVersionMS = existingMeta.ServerVersionMS
			if existingMeta.SyncState == SyncStateConflict {
				record.Meta().SyncState = SyncStateConflict
			} else {
				record.Meta().SyncState = SyncStateNotSynced
			}
		}
		record.Meta().LastModifiedMS = nowMS

		if err := tx.Save(record).Error; err != nil {
			return newStoreError(opSaveLocal, "save_failed", err)
		}

		payload, err := json.Marshal(record)
		if err != nil {
			return newStoreError(opSaveLocal, "payload_encode_failed", err)
		}
		opID, err := s.ids.NewID()
		if err != nil {
			return newStoreError(opSaveLocal, "id_generation_failed", err)
		}
		return outbox.Enqueue(tx, &outbox.Operation{
			OpID:        opID,
			Kind:        outbox.Kind(record.EntityKind()),
			EntityID:    record.RecordID(),
			Action:      action,
			Payload:     string(payload),
			CreatedAtMS: nowMS,
		})
	})
	if txErr != nil {
		s.logError(opSaveLocal, "transaction_failed", txErr,
			zap.String("kind", string(record.EntityKind())),
			zap.String("entity_id", record.RecordID()))
		return txErr
	}

	s.watcher.Publish(ChangeEvent{
		Kind:      record.EntityKind(),
		EntityIDs: []string{record.RecordID()},
		Origin:    ChangeOriginLocal,
		Timestamp: s.clock().UTC(),
	})
	return nil
}

// DeleteLocal removes a row and cascades its queued operations. When a queued
// create existed the entity never reached the server, so the create and the
// delete annihilate and nothing is enqueued.
func DeleteLocal[T any, PT interface {
	*T
	Record
}](ctx context.Context, s *Store, id string) error {
	var kind Kind
	nowMS := s.NowMS()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing T
		err := tx.Where("id = ?", id).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return newStoreError(opDeleteLocal, "select_failed", err)
		}
		kind = PT(&existing).EntityKind()

		if err := tx.Where("id = ?", id).Delete(new(T)).Error; err != nil {
			return newStoreError(opDeleteLocal, "delete_failed", err)
		}

		hadQueuedCreate, err := outbox.CancelForEntity(tx, outbox.Kind(kind), id)
		if err != nil {
			return newStoreError(opDeleteLocal, "cascade_failed", err)
		}
		if hadQueuedCreate {
			return nil
		}

		opID, err := s.ids.NewID()
		if err != nil {
			return newStoreError(opDeleteLocal, "id_generation_failed", err)
		}
		return outbox.Enqueue(tx, &outbox.Operation{
			OpID:        opID,
			Kind:        outbox.Kind(kind),
			EntityID:    id,
			Action:      outbox.ActionDelete,
			CreatedAtMS: nowMS,
		})
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFound) {
			s.logError(opDeleteLocal, "transaction_failed", txErr, zap.String("entity_id", id))
		}
		return txErr
	}

	s.watcher.Publish(ChangeEvent{
		Kind:      kind,
		EntityIDs: []string{id},
		Origin:    ChangeOriginLocal,
		Timestamp: s.clock().UTC(),
	})
	return nil
}

// MarkSynced records that a row's content matches the server as of the given
// version. Row content is untouched.
func (s *Store) MarkSynced(ctx context.Context, kind Kind, id string, serverVersionMS int64) error {
	return s.markState(ctx, kind, id, map[string]any{
		"sync_state":        SyncStateSynced,
		"server_version_ms": serverVersionMS,
	})
}

// MarkConflict records that the server superseded an unsynced local edit.
func (s *Store) MarkConflict(ctx context.Context, kind Kind, id string, serverVersionMS int64) error {
	return s.markState(ctx, kind, id, map[string]any{
		"sync_state":        SyncStateConflict,
		"server_version_ms": serverVersionMS,
	})
}

// MarkDirty flags a local edit: NOT_SYNCED with a refreshed local timestamp.
// A CONFLICT row is left in conflict until explicitly resolved.
func (s *Store) MarkDirty(ctx context.Context, kind Kind, id string) error {
	table, err := TableNameForKind(kind)
	if err != nil {
		return newStoreError(opMarkState, "unknown_kind", err)
	}
	result := s.db.WithContext(ctx).Table(table).
		Where("id = ? AND sync_state <> ?", id, SyncStateConflict).
		Updates(map[string]any{
			"sync_state":       SyncStateNotSynced,
			"last_modified_ms": s.NowMS(),
		})
	if result.Error != nil {
		s.logError(opMarkState, "update_failed", result.Error, zap.String("entity_id", id))
		return newStoreError(opMarkState, "update_failed", result.Error)
	}
	return nil
}

func (s *Store) markState(ctx context.Context, kind Kind, id string, updates map[string]any) error {
	table, err := TableNameForKind(kind)
	if err != nil {
		return newStoreError(opMarkState, "unknown_kind", err)
	}
	result := s.db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		s.logError(opMarkState, "update_failed", result.Error, zap.String("entity_id", id))
		return newStoreError(opMarkState, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MarkSyncedUnlessConflictedIn advances the recorded server version and flips
// the row to SYNCED unless it sits in CONFLICT, which only an explicit
// resolution may settle.
func MarkSyncedUnlessConflictedIn(db *gorm.DB, kind Kind, id string, serverVersionMS int64) error {
	table, err := TableNameForKind(kind)
	if err != nil {
		return newStoreError(opMarkState, "unknown_kind", err)
	}
	if err := db.Table(table).Where("id = ?", id).
		Update("server_version_ms", serverVersionMS).Error; err != nil {
		return err
	}
	return db.Table(table).
		Where("id = ? AND sync_state <> ?", id, SyncStateConflict).
		Update("sync_state", SyncStateSynced).Error
}

// MarkConflictStateIn flips a row to CONFLICT without touching the recorded
// server version, for pushes the server rejected without a winning version.
func MarkConflictStateIn(db *gorm.DB, kind Kind, id string) error {
	table, err := TableNameForKind(kind)
	if err != nil {
		return newStoreError(opMarkState, "unknown_kind", err)
	}
	return db.Table(table).Where("id = ?", id).
		Update("sync_state", SyncStateConflict).Error
}

// SetServerVersionIn records a fresh server version on a row that still has
// later local edits pending, so it must stay NOT_SYNCED.
func SetServerVersionIn(db *gorm.DB, kind Kind, id string, serverVersionMS int64) error {
	table, err := TableNameForKind(kind)
	if err != nil {
		return newStoreError(opMarkState, "unknown_kind", err)
	}
	return db.Table(table).Where("id = ?", id).
		Update("server_version_ms", serverVersionMS).Error
}

// ConflictRow summarizes one row awaiting user-visible conflict resolution.
type ConflictRow struct {
	Kind            Kind   `json:"kind"`
	EntityID        string `json:"entityId"`
	LastModifiedMS  int64  `json:"lastModifiedMs"`
	ServerVersionMS int64  `json:"serverVersionMs"`
}

// ListConflicts returns every CONFLICT row across all entity kinds.
func (s *Store) ListConflicts(ctx context.Context) ([]ConflictRow, error) {
	conflicts := make([]ConflictRow, 0)
	for _, kind := range Kinds() {
		table, err := TableNameForKind(kind)
		if err != nil {
			return nil, newStoreError(opQuery, "unknown_kind", err)
		}
		var rows []ConflictRow
		err = s.db.WithContext(ctx).Table(table).
			Select("id AS entity_id, last_modified_ms, server_version_ms").
			Where("sync_state = ?", SyncStateConflict).
			Order("id ASC").
			Find(&rows).Error
		if err != nil {
			return nil, newStoreError(opQuery, "conflict_scan_failed", err)
		}
		for i := range rows {
			rows[i].Kind = kind
		}
		conflicts = append(conflicts, rows...)
	}
	return conflicts, nil
}

// ResolutionStrategy selects how a CONFLICT row returns to a synced state.
type ResolutionStrategy string

const (
	// ResolveKeepServer accepts the stored server content as-is.
	ResolveKeepServer ResolutionStrategy = "keep_server"
	// ResolveKeepLocal re-asserts the current row content as a fresh local edit.
	ResolveKeepLocal ResolutionStrategy = "keep_local"
)

// ParseResolutionStrategy validates raw input.
func ParseResolutionStrategy(rawInput string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(rawInput) {
	case ResolveKeepServer:
		return ResolveKeepServer, nil
	case ResolveKeepLocal:
		return ResolveKeepLocal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, rawInput)
	}
}

// Resolve settles a CONFLICT row. keep_server re-marks it SYNCED at the
// recorded server version; keep_local re-marks it NOT_SYNCED with a fresh
// timestamp and enqueues an update carrying the current content.
func Resolve[T any, PT interface {
	*T
	Record
}](ctx context.Context, s *Store, id string, strategy ResolutionStrategy) error {
	var kind Kind
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row T
		err := tx.Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return newStoreError(opResolve, "select_failed", err)
		}
		record := PT(&row)
		kind = record.EntityKind()
		if record.Meta().SyncState != SyncStateConflict {
			return fmt.Errorf("%w: %s", ErrNotConflicted, id)
		}

		// The resolution supersedes whatever operations accumulated for this
		// entity, parked or queued. A create that never reached the server
		// makes a keep_local re-assert a create rather than an update.
		hadQueuedCreate, err := outbox.CancelForEntity(tx, outbox.Kind(kind), id)
		if err != nil {
			return newStoreError(opResolve, "cascade_failed", err)
		}

		switch strategy {
		case ResolveKeepServer:
			record.Meta().SyncState = SyncStateSynced
			return tx.Save(record).Error
		case ResolveKeepLocal:
			record.Meta().SyncState = SyncStateNotSynced
			record.Meta().LastModifiedMS = s.NowMS()
			if err := tx.Save(record).Error; err != nil {
				return newStoreError(opResolve, "save_failed", err)
			}
			payload, err := json.Marshal(record)
			if err != nil {
				return newStoreError(opResolve, "payload_encode_failed", err)
			}
			opID, err := s.ids.NewID()
			if err != nil {
				return newStoreError(opResolve, "id_generation_failed", err)
			}
			action := outbox.ActionUpdate
			if hadQueuedCreate {
				action = outbox.ActionCreate
			}
			return outbox.Enqueue(tx, &outbox.Operation{
				OpID:        opID,
				Kind:        outbox.Kind(kind),
				EntityID:    id,
				Action:      action,
				Payload:     string(payload),
				CreatedAtMS: record.Meta().LastModifiedMS,
			})
		default:
			return fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
		}
	})
	if txErr != nil {
		return txErr
	}

	s.watcher.Publish(ChangeEvent{
		Kind:      kind,
		EntityIDs: []string{id},
		Origin:    ChangeOriginResolve,
		Timestamp: s.clock().UTC(),
	})
	return nil
}

// StateCounts tallies rows by sync state for one kind.
type StateCounts struct {
	Total     int64 `json:"total"`
	NotSynced int64 `json:"notSynced"`
	Conflict  int64 `json:"conflict"`
}

// CountStates summarizes cache health per kind for the status surface.
func (s *Store) CountStates(ctx context.Context) (map[Kind]StateCounts, error) {
	summary := make(map[Kind]StateCounts, len(Kinds()))
	for _, kind := range Kinds() {
		table, err := TableNameForKind(kind)
		if err != nil {
			return nil, newStoreError(opQuery, "unknown_kind", err)
		}
		var counts StateCounts
		if err := s.db.WithContext(ctx).Table(table).Count(&counts.Total).Error; err != nil {
			return nil, newStoreError(opQuery, "count_failed", err)
		}
		if err := s.db.WithContext(ctx).Table(table).
			Where("sync_state = ?", SyncStateNotSynced).
			Count(&counts.NotSynced).Error; err != nil {
			return nil, newStoreError(opQuery, "count_failed", err)
		}
		if err := s.db.WithContext(ctx).Table(table).
			Where("sync_state = ?", SyncStateConflict).
			Count(&counts.Conflict).Error; err != nil {
			return nil, newStoreError(opQuery, "count_failed", err)
		}
		summary[kind] = counts
	}
	return summary, nil
}

// ChangedIDs returns ids whose local or server timestamp is newer than
// sinceMS, keyed by kind. Backs the control API change poll.
func (s *Store) ChangedIDs(ctx context.Context, sinceMS int64) (map[Kind][]string, error) {
	changed := make(map[Kind][]string)
	for _, kind := range Kinds() {
		table, err := TableNameForKind(kind)
		if err != nil {
			return nil, newStoreError(opQuery, "unknown_kind", err)
		}
		var ids []string
		err = s.db.WithContext(ctx).Table(table).
			Where("last_modified_ms > ? OR server_version_ms > ?", sinceMS, sinceMS).
			Order("id ASC").
			Pluck("id", &ids).Error
		if err != nil {
			return nil, newStoreError(opQuery, "changed_scan_failed", err)
		}
		if len(ids) > 0 {
			changed[kind] = ids
		}
	}
	return changed, nil
}

// Cursor returns the persisted delta cursor for a kind, empty when absent.
func (s *Store) Cursor(ctx context.Context, kind Kind) (string, error) {
	var cursor SyncCursor
	err := s.db.WithContext(ctx).Where("kind = ?", kind).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", newStoreError(opQuery, "cursor_select_failed", err)
	}
	return cursor.Cursor, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("library store error", attrs...)
}

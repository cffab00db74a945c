// Package outbox persists the durable queue of local mutations awaiting
// server acknowledgment. All functions operate on a caller-supplied gorm
// handle so enqueueing can share a transaction with the cache write that
// produced the operation.
package outbox

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrOperationNotFound indicates the referenced operation no longer exists.
	ErrOperationNotFound = errors.New("outbox: operation not found")
	// ErrNotFailed indicates a retry or cancel targeted an operation that is not in the failed state.
	ErrNotFailed = errors.New("outbox: operation is not failed")
)

// Kind names the entity type an operation targets. It is declared locally so
// the queue stays a leaf package; callers convert from their own kind type at
// the boundary.
type Kind string

// Action enumerates the mutation kinds a pending operation can carry.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Status tracks an operation through the push lifecycle.
type Status string

const (
	// StatusQueued marks an operation awaiting its next push attempt.
	StatusQueued Status = "queued"
	// StatusInflight marks an operation currently being sent.
	StatusInflight Status = "inflight"
	// StatusFailed marks an operation parked after a non-retryable failure
	// or exhausted retries; it stays inspectable until retried or cancelled.
	StatusFailed Status = "failed"
)

// Operation is one durable pending mutation. OpID doubles as the idempotency
// key sent to the server, so a retried delivery has a single effect.
type Operation struct {
	OpID            string `gorm:"column:op_id;primaryKey;size:190;not null"`
	Kind            Kind   `gorm:"column:kind;size:32;not null;index:idx_outbox_entity,priority:1"`
	EntityID        string `gorm:"column:entity_id;size:190;not null;index:idx_outbox_entity,priority:2"`
	Action          Action `gorm:"column:action;size:16;not null"`
	Payload         string `gorm:"column:payload;type:text;not null;default:''"`
	CreatedAtMS     int64  `gorm:"column:created_at_ms;not null;index"`
	Attempts        int    `gorm:"column:attempts;not null;default:0"`
	NextAttemptAtMS int64  `gorm:"column:next_attempt_at_ms;not null;default:0"`
	Status          Status `gorm:"column:status;size:16;not null;default:'queued';index"`
	FailReason      string `gorm:"column:fail_reason;size:512;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string { return "pending_operations" }

// Enqueue inserts a new queued operation inside the caller's transaction.
func Enqueue(db *gorm.DB, op *Operation) error {
	if op.OpID == "" {
		return fmt.Errorf("outbox: operation id is required")
	}
	op.Status = StatusQueued
	return db.Create(op).Error
}

// Due returns operations eligible for a push attempt at nowMS, in creation
// order. An entity's later operations are held back whenever an earlier one
// cannot go out this pass, whether failed or still backing off, so a sequence
// is never delivered with a newer edit overtaking an older one.
func Due(db *gorm.DB, nowMS int64) ([]Operation, error) {
	var all []Operation
	err := db.Where("status IN ?", []Status{StatusQueued, StatusFailed}).
		Order("created_at_ms ASC, op_id ASC").
		Find(&all).Error
	if err != nil {
		return nil, err
	}

	frozen := make(map[string]bool)
	due := make([]Operation, 0, len(all))
	for _, op := range all {
		key := string(op.Kind) + "/" + op.EntityID
		if frozen[key] {
			continue
		}
		if op.Status == StatusFailed || op.NextAttemptAtMS > nowMS {
			frozen[key] = true
			continue
		}
		due = append(due, op)
	}
	return due, nil
}

// MarkInflight transitions a queued operation to inflight.
func MarkInflight(db *gorm.DB, opID string) error {
	return transition(db, opID, StatusQueued, map[string]any{"status": StatusInflight})
}

// Complete removes an acknowledged operation.
func Complete(db *gorm.DB, opID string) error {
	return db.Where("op_id = ?", opID).Delete(&Operation{}).Error
}

// Reschedule returns an operation to the queue after a retryable failure,
// recording the attempt count and the earliest time of the next try.
func Reschedule(db *gorm.DB, opID string, attempts int, nextAttemptAtMS int64, reason string) error {
	return db.Model(&Operation{}).Where("op_id = ?", opID).Updates(map[string]any{
		"status":             StatusQueued,
		"attempts":           attempts,
		"next_attempt_at_ms": nextAttemptAtMS,
		"fail_reason":        reason,
	}).Error
}

// Fail parks an operation after a non-retryable failure or exhausted retries.
func Fail(db *gorm.DB, opID string, reason string) error {
	return db.Model(&Operation{}).Where("op_id = ?", opID).Updates(map[string]any{
		"status":      StatusFailed,
		"fail_reason": reason,
	}).Error
}

// FailQueuedForEntity parks every queued operation for an entity the server
// has superseded. The payload snapshots stay inspectable until the operations
// are retried or cancelled.
func FailQueuedForEntity(db *gorm.DB, kind Kind, entityID, reason string) error {
	return db.Model(&Operation{}).
		Where("kind = ? AND entity_id = ? AND status = ?", kind, entityID, StatusQueued).
		Updates(map[string]any{
			"status":      StatusFailed,
			"fail_reason": reason,
		}).Error
}

// Retry requeues a failed operation for immediate delivery.
func Retry(db *gorm.DB, opID string) error {
	op, err := Get(db, opID)
	if err != nil {
		return err
	}
	if op.Status != StatusFailed {
		return ErrNotFailed
	}
	return db.Model(&Operation{}).Where("op_id = ?", opID).Updates(map[string]any{
		"status":             StatusQueued,
		"next_attempt_at_ms": 0,
		"fail_reason":        "",
	}).Error
}

// Cancel removes an operation that should never be delivered.
func Cancel(db *gorm.DB, opID string) error {
	op, err := Get(db, opID)
	if err != nil {
		return err
	}
	if op.Status == StatusInflight {
		return fmt.Errorf("outbox: cannot cancel inflight operation %s", opID)
	}
	return db.Where("op_id = ?", opID).Delete(&Operation{}).Error
}

// CancelForEntity removes every non-inflight operation for an entity and
// reports whether a queued create was among them. Used when a local delete
// cascades: a create that never reached the server annihilates with the
// delete and nothing needs to be sent.
func CancelForEntity(db *gorm.DB, kind Kind, entityID string) (hadQueuedCreate bool, err error) {
	var ops []Operation
	err = db.Where("kind = ? AND entity_id = ? AND status <> ?", kind, entityID, StatusInflight).
		Find(&ops).Error
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.Action == ActionCreate {
			hadQueuedCreate = true
		}
	}
	if len(ops) == 0 {
		return hadQueuedCreate, nil
	}
	err = db.Where("kind = ? AND entity_id = ? AND status <> ?", kind, entityID, StatusInflight).
		Delete(&Operation{}).Error
	return hadQueuedCreate, err
}

// Get loads one operation by id.
func Get(db *gorm.DB, opID string) (Operation, error) {
	var op Operation
	err := db.Where("op_id = ?", opID).Take(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Operation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, opID)
	}
	if err != nil {
		return Operation{}, err
	}
	return op, nil
}

// ListFailed returns every parked operation, oldest first.
func ListFailed(db *gorm.DB) ([]Operation, error) {
	var ops []Operation
	err := db.Where("status = ?", StatusFailed).
		Order("created_at_ms ASC").
		Find(&ops).Error
	return ops, err
}

// ListForEntity returns every operation for one entity in creation order.
func ListForEntity(db *gorm.DB, kind Kind, entityID string) ([]Operation, error) {
	var ops []Operation
	err := db.Where("kind = ? AND entity_id = ?", kind, entityID).
		Order("created_at_ms ASC, op_id ASC").
		Find(&ops).Error
	return ops, err
}

// CountQueued returns how many operations await delivery.
func CountQueued(db *gorm.DB) (int64, error) {
	var count int64
	err := db.Model(&Operation{}).Where("status = ?", StatusQueued).Count(&count).Error
	return count, err
}

func transition(db *gorm.DB, opID string, from Status, updates map[string]any) error {
	result := db.Model(&Operation{}).
		Where("op_id = ? AND status = ?", opID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s (expected status %s)", ErrOperationNotFound, opID, from)
	}
	return nil
}

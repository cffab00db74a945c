package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/outbox"
	"github.com/soundleaf/soundleaf/internal/transport"
)

// ErrAuthAborted signals that the push cycle stopped because the server kept
// rejecting credentials even after a refresh. The session has been cleared;
// the user must re-authenticate.
var ErrAuthAborted = errors.New("syncengine: push aborted, re-authentication required")

// PushStats counts what one push pass did.
type PushStats struct {
	Sent       int `json:"sent"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Conflicted int `json:"conflicted"`
	Held       int `json:"held"`
}

// pushOnce drains every due pending operation in creation order, which
// subsumes the per-entity ordering guarantee: two edits to the same entity
// are never delivered reversed. The operation id is the idempotency key, so
// a redelivered operation has a single server-side effect.
func (e *Engine) pushOnce(ctx context.Context, report *CycleReport) (PushStats, error) {
	var stats PushStats
	nowMS := e.store.NowMS()

	due, err := outbox.Due(e.store.DB().WithContext(ctx), nowMS)
	if err != nil {
		return stats, fmt.Errorf("load due operations: %w", err)
	}

	authRetried := false
	// Entities with an unacknowledged operation this pass, rejected or
	// awaiting retry; their later operations are held to preserve ordering.
	frozen := make(map[string]bool)

	for _, op := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		entityKey := string(op.Kind) + "/" + op.EntityID
		if frozen[entityKey] {
			stats.Held++
			continue
		}

		if err := outbox.MarkInflight(e.store.DB().WithContext(ctx), op.OpID); err != nil {
			e.logPushError(op, "mark_inflight_failed", err)
			report.addFailure(stagePush, library.Kind(op.Kind), op.OpID, err)
			stats.Failed++
			continue
		}

		result, sendErr := e.sendOperation(ctx, op)
		if transport.IsAuth(sendErr) {
			if e.sessions == nil || authRetried {
				return stats, e.abortAuth(ctx, op)
			}
			authRetried = true
			if refreshErr := e.sessions.ForceRefresh(ctx); refreshErr != nil {
				return stats, e.abortAuth(ctx, op)
			}
			result, sendErr = e.sendOperation(ctx, op)
			if transport.IsAuth(sendErr) {
				return stats, e.abortAuth(ctx, op)
			}
		}

		switch {
		case sendErr == nil:
			if err := e.acknowledge(ctx, op, result); err != nil {
				e.logPushError(op, "acknowledge_failed", err)
				report.addFailure(stagePush, library.Kind(op.Kind), op.OpID, err)
				stats.Failed++
				continue
			}
			stats.Sent++

		case transport.IsConflict(sendErr):
			if err := e.rejectOperation(ctx, op, sendErr); err != nil {
				e.logPushError(op, "reject_failed", err)
			}
			frozen[entityKey] = true
			report.addFailure(stagePush, library.Kind(op.Kind), op.OpID, sendErr)
			stats.Conflicted++

		case transport.IsRetryable(sendErr):
			attempts := op.Attempts + 1
			if attempts >= e.maxAttempts {
				if err := outbox.Fail(e.store.DB().WithContext(ctx), op.OpID, "retries_exhausted: "+sendErr.Error()); err != nil {
					e.logPushError(op, "fail_failed", err)
				}
				frozen[entityKey] = true
				report.addFailure(stagePush, library.Kind(op.Kind), op.OpID, sendErr)
				stats.Failed++
				continue
			}
			next := nowMS + e.backoffDelay(attempts).Milliseconds()
			if err := outbox.Reschedule(e.store.DB().WithContext(ctx), op.OpID, attempts, next, sendErr.Error()); err != nil {
				e.logPushError(op, "reschedule_failed", err)
			}
			// The entity's later edits wait behind the unacknowledged one.
			frozen[entityKey] = true
			stats.Retried++

		default:
			// Token acquisition or other local failure: requeue untouched.
			if err := outbox.Reschedule(e.store.DB().WithContext(ctx), op.OpID, op.Attempts, op.NextAttemptAtMS, sendErr.Error()); err != nil {
				e.logPushError(op, "reschedule_failed", err)
			}
			frozen[entityKey] = true
			report.addFailure(stagePush, library.Kind(op.Kind), op.OpID, sendErr)
			stats.Failed++
		}
	}
	return stats, nil
}

func (e *Engine) sendOperation(ctx context.Context, op outbox.Operation) (transport.PushResult, error) {
	switch op.Action {
	case outbox.ActionCreate:
		return e.client.CreateEntity(ctx, string(op.Kind), op.OpID, []byte(op.Payload))
	case outbox.ActionUpdate:
		return e.client.UpdateEntity(ctx, string(op.Kind), op.EntityID, op.OpID, []byte(op.Payload))
	case outbox.ActionDelete:
		return e.client.DeleteEntity(ctx, string(op.Kind), op.EntityID, op.OpID)
	default:
		return transport.PushResult{}, fmt.Errorf("unknown operation action %q", op.Action)
	}
}

// acknowledge removes the delivered operation and settles the row's sync
// state in one transaction. The row only flips to SYNCED when no later
// operation for it remains queued and it is not sitting in CONFLICT;
// otherwise just the server version advances.
func (e *Engine) acknowledge(ctx context.Context, op outbox.Operation, result transport.PushResult) error {
	err := e.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := outbox.Complete(tx, op.OpID); err != nil {
			return err
		}
		if op.Action == outbox.ActionDelete {
			return nil
		}
		remaining, err := outbox.ListForEntity(tx, op.Kind, op.EntityID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			return library.MarkSyncedUnlessConflictedIn(tx, library.Kind(op.Kind), op.EntityID, result.UpdatedAtMS)
		}
		return library.SetServerVersionIn(tx, library.Kind(op.Kind), op.EntityID, result.UpdatedAtMS)
	})
	if err != nil {
		return err
	}
	e.store.Watcher().Publish(library.ChangeEvent{
		Kind:      library.Kind(op.Kind),
		EntityIDs: []string{op.EntityID},
		Origin:    library.ChangeOriginPush,
		Timestamp: e.now(),
	})
	return nil
}

// rejectOperation parks a non-retryably rejected operation and marks its
// entity CONFLICT for user-visible resolution. A delete whose row is already
// gone locally has nothing to mark.
func (e *Engine) rejectOperation(ctx context.Context, op outbox.Operation, sendErr error) error {
	return e.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := outbox.Fail(tx, op.OpID, sendErr.Error()); err != nil {
			return err
		}
		if err := library.MarkConflictStateIn(tx, library.Kind(op.Kind), op.EntityID); err != nil {
			return err
		}
		return nil
	})
}

// abortAuth requeues the interrupted operation, clears the session, and stops
// the push cycle.
func (e *Engine) abortAuth(ctx context.Context, op outbox.Operation) error {
	if err := outbox.Reschedule(e.store.DB().WithContext(ctx), op.OpID, op.Attempts, op.NextAttemptAtMS, "auth_failed"); err != nil {
		e.logPushError(op, "reschedule_failed", err)
	}
	if e.sessions != nil {
		e.sessions.Clear()
	}
	e.logger.Warn("push cycle aborted on repeated auth failure",
		zap.String("operation", "syncengine.push"))
	return ErrAuthAborted
}

func (e *Engine) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 30 {
		return e.backoffMax
	}
	delay := e.backoffMin << shift
	if delay > e.backoffMax || delay <= 0 {
		return e.backoffMax
	}
	return delay
}

func (e *Engine) logPushError(op outbox.Operation, reason string, err error) {
	e.logger.Error("push operation error",
		zap.String("operation", "syncengine.push"),
		zap.String("reason", reason),
		zap.String("op_id", op.OpID),
		zap.String("kind", string(op.Kind)),
		zap.String("entity_id", op.EntityID),
		zap.Error(err))
}

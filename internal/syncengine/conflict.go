package syncengine

import (
	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/transport"
)

// Decision classifies one incoming server record against the cached row.
type Decision string

const (
	// DecisionApply upserts the server record and marks the row SYNCED.
	DecisionApply Decision = "apply"
	// DecisionConflict upserts the server record and marks the row CONFLICT.
	DecisionConflict Decision = "conflict"
	// DecisionIgnore discards the server record; the unsynced local edit wins.
	DecisionIgnore Decision = "ignore"
)

// LocalState is the slice of a cached row the detector inspects.
type LocalState struct {
	SyncState      library.SyncState
	LastModifiedMS int64
}

// Classify decides how one server record lands. A nil local means the row is
// absent. Timestamp ties favor the local unsynced edit: a tie never raises a
// conflict. That deliberately privileges offline-made progress over a
// simultaneous server edit.
func Classify(local *LocalState, serverUpdatedAtMS int64) Decision {
	if local == nil {
		return DecisionApply
	}
	if local.SyncState != library.SyncStateNotSynced {
		return DecisionApply
	}
	if local.LastModifiedMS >= serverUpdatedAtMS {
		return DecisionIgnore
	}
	return DecisionConflict
}

// Classified partitions a server delta by decision. Records are classified
// independently; there is no cross-entity coupling.
type Classified struct {
	Apply    []transport.DeltaRecord
	Conflict []transport.DeltaRecord
	Ignored  int
}

// ClassifyBatch routes every record of a delta through Classify. locals maps
// entity id to cached state; absent ids are treated as absent rows.
func ClassifyBatch(locals map[string]LocalState, records []transport.DeltaRecord) Classified {
	var out Classified
	for _, record := range records {
		var local *LocalState
		if state, ok := locals[record.ID]; ok {
			local = &state
		}
		switch Classify(local, record.UpdatedAtMS) {
		case DecisionApply:
			out.Apply = append(out.Apply, record)
		case DecisionConflict:
			out.Conflict = append(out.Conflict, record)
		case DecisionIgnore:
			out.Ignored++
		}
	}
	return out
}

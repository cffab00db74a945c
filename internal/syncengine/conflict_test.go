package syncengine

import (
	"testing"

	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/transport"
)

func TestClassifyDecisions(t *testing.T) {
	tests := []struct {
		name            string
		local           *LocalState
		serverUpdatedAt int64
		expected        Decision
	}{
		{
			name:            "absent row applies",
			local:           nil,
			serverUpdatedAt: 1700000000000,
			expected:        DecisionApply,
		},
		{
			name:            "synced row applies",
			local:           &LocalState{SyncState: library.SyncStateSynced, LastModifiedMS: 1700000005000},
			serverUpdatedAt: 1700000000000,
			expected:        DecisionApply,
		},
		{
			name:            "conflict row applies fresh server content",
			local:           &LocalState{SyncState: library.SyncStateConflict, LastModifiedMS: 1700000005000},
			serverUpdatedAt: 1700000000000,
			expected:        DecisionApply,
		},
		{
			name:            "newer unsynced local edit wins",
			local:           &LocalState{SyncState: library.SyncStateNotSynced, LastModifiedMS: 1700000010000},
			serverUpdatedAt: 1700000000000,
			expected:        DecisionIgnore,
		},
		{
			name:            "timestamp tie favors local edit",
			local:           &LocalState{SyncState: library.SyncStateNotSynced, LastModifiedMS: 1700000000000},
			serverUpdatedAt: 1700000000000,
			expected:        DecisionIgnore,
		},
		{
			name:            "newer server write conflicts with unsynced edit",
			local:           &LocalState{SyncState: library.SyncStateNotSynced, LastModifiedMS: 1700000000000},
			serverUpdatedAt: 1700000010000,
			expected:        DecisionConflict,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.local, tc.serverUpdatedAt)
			if got != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, got)
			}
		})
	}
}

func TestClassifyBatchPartitionsIndependently(t *testing.T) {
	locals := map[string]LocalState{
		"synced":   {SyncState: library.SyncStateSynced, LastModifiedMS: 100},
		"stale":    {SyncState: library.SyncStateNotSynced, LastModifiedMS: 100},
		"advanced": {SyncState: library.SyncStateNotSynced, LastModifiedMS: 900},
	}
	records := []transport.DeltaRecord{
		{ID: "synced", UpdatedAtMS: 500},
		{ID: "stale", UpdatedAtMS: 500},
		{ID: "advanced", UpdatedAtMS: 500},
		{ID: "brand-new", UpdatedAtMS: 500},
	}

	out := ClassifyBatch(locals, records)

	if len(out.Apply) != 2 {
		t.Fatalf("expected 2 applied records, got %d", len(out.Apply))
	}
	if out.Apply[0].ID != "synced" || out.Apply[1].ID != "brand-new" {
		t.Fatalf("unexpected apply partition: %#v", out.Apply)
	}
	if len(out.Conflict) != 1 || out.Conflict[0].ID != "stale" {
		t.Fatalf("unexpected conflict partition: %#v", out.Conflict)
	}
	if out.Ignored != 1 {
		t.Fatalf("expected 1 ignored record, got %d", out.Ignored)
	}
}

package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/outbox"
)

func memoryDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:database_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite(memoryDSN(t), nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, table := range []string{"books", "series", "contributors", "tags", "shelves", "sync_cursors", "pending_operations", "listening_events", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationPruneStaleSyncCursors).Take(&record).Error; err != nil {
		t.Fatalf("expected migration recorded: %v", err)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteRequeuesOrphanedInflightOperations(t *testing.T) {
	dsn := memoryDSN(t)
	db, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	op := outbox.Operation{
		OpID:        "op-1",
		Kind:        "book",
		EntityID:    "book-1",
		Action:      outbox.ActionUpdate,
		Payload:     "{}",
		CreatedAtMS: 100,
	}
	if err := outbox.Enqueue(db, &op); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := outbox.MarkInflight(db, "op-1"); err != nil {
		t.Fatalf("unexpected inflight error: %v", err)
	}

	// Reopen over the same shared-memory database, simulating a restart
	// after a crash mid-push.
	reopened, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	recovered, err := outbox.Get(reopened, "op-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if recovered.Status != outbox.StatusQueued {
		t.Fatalf("expected orphaned inflight operation requeued, got %s", recovered.Status)
	}
}

func TestMigrationsPruneStaleSyncCursors(t *testing.T) {
	dsn := memoryDSN(t)
	db, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	if err := db.Create(&library.SyncCursor{Kind: library.KindBook, Cursor: "keep"}).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	if err := db.Create(&library.SyncCursor{Kind: "magazine", Cursor: "stale"}).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	// Drop the record so the migration reruns on reopen.
	if err := db.Where("name = ?", migrationPruneStaleSyncCursors).Delete(&migrationRecord{}).Error; err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	reopened, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	var kinds []string
	if err := reopened.Model(&library.SyncCursor{}).Order("kind ASC").Pluck("kind", &kinds).Error; err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != string(library.KindBook) {
		t.Fatalf("expected only known-kind cursors to survive, got %#v", kinds)
	}
}

package library

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/soundleaf/soundleaf/internal/outbox"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestStore(t *testing.T, ids []string, nowMS int64) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:library_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Book{}, &Series{}, &Contributor{}, &Tag{}, &Shelf{}, &SyncCursor{}, &outbox.Operation{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.UnixMilli(nowMS).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func mustSaveBook(t *testing.T, store *Store, book *Book) {
	t.Helper()
	if err := SaveLocal[Book](context.Background(), store, book); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
}

func mustGetBook(t *testing.T, store *Store, id string) *Book {
	t.Helper()
	book, err := Get[Book](context.Background(), store, id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	return book
}

func mustOps(t *testing.T, db *gorm.DB, kind Kind, entityID string) []outbox.Operation {
	t.Helper()
	ops, err := outbox.ListForEntity(db, outbox.Kind(kind), entityID)
	if err != nil {
		t.Fatalf("unexpected outbox error: %v", err)
	}
	return ops
}

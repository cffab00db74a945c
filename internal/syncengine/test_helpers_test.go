package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/outbox"
	"github.com/soundleaf/soundleaf/internal/transport"
)

type sequenceIDs struct {
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("op-%d", g.next), nil
}

type fakeSessions struct {
	refreshErr error
	refreshes  int
	cleared    bool
}

func (f *fakeSessions) ForceRefresh(context.Context) error {
	f.refreshes++
	return f.refreshErr
}

func (f *fakeSessions) Clear() {
	f.cleared = true
}

type engineFixture struct {
	engine   *Engine
	store    *library.Store
	db       *gorm.DB
	sessions *fakeSessions
	nowMS    int64
}

func newEngineFixture(t *testing.T, handler http.Handler) *engineFixture {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	dsn := fmt.Sprintf("file:engine_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(
		&library.Book{}, &library.Series{}, &library.Contributor{},
		&library.Tag{}, &library.Shelf{}, &library.SyncCursor{},
		&outbox.Operation{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	nowMS := int64(1700000100000)
	store, err := library.NewStore(library.StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.UnixMilli(nowMS).UTC() },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	client, err := transport.NewClient(transport.ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}

	sessions := &fakeSessions{}
	engine, err := NewEngine(EngineConfig{
		Store:       store,
		Client:      client,
		Sessions:    sessions,
		Clock:       func() time.Time { return time.UnixMilli(nowMS).UTC() },
		BackoffMin:  time.Second,
		BackoffMax:  time.Minute,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return &engineFixture{engine: engine, store: store, db: db, sessions: sessions, nowMS: nowMS}
}

func respondEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	success := status < 400
	_ = json.NewEncoder(w).Encode(map[string]any{"v": 1, "success": success, "data": data})
}

func deltaRecord(t *testing.T, record any, id string, updatedAtMS int64) transport.DeltaRecord {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("failed to encode record: %v", err)
	}
	return transport.DeltaRecord{ID: id, UpdatedAtMS: updatedAtMS, Data: data}
}

func seedBook(t *testing.T, f *engineFixture, book library.Book, state library.SyncState) {
	t.Helper()
	book.SyncMeta.SyncState = state
	if err := f.db.Create(&book).Error; err != nil {
		t.Fatalf("failed to seed book: %v", err)
	}
}

func loadBook(t *testing.T, f *engineFixture, id string) *library.Book {
	t.Helper()
	var book library.Book
	err := f.db.Where("id = ?", id).Take(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("failed to load book: %v", err)
	}
	return &book
}

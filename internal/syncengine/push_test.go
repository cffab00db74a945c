package syncengine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/outbox"
	"github.com/soundleaf/soundleaf/internal/transport"
)

// scriptedPushServer answers entity mutations with canned statuses keyed by
// idempotency key, recording delivery order.
type scriptedPushServer struct {
	mu        sync.Mutex
	statuses  map[string][]int
	delivered []string
}

func (s *scriptedPushServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		s.mu.Lock()
		s.delivered = append(s.delivered, key)
		status := http.StatusOK
		if queue := s.statuses[key]; len(queue) > 0 {
			status = queue[0]
			s.statuses[key] = queue[1:]
		}
		s.mu.Unlock()

		if status != http.StatusOK {
			respondEnvelope(w, status, nil)
			return
		}
		respondEnvelope(w, http.StatusOK, transport.PushResult{ID: "acked", UpdatedAtMS: 1700000200000})
	})
}

func (s *scriptedPushServer) deliveries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func enqueueOp(t *testing.T, f *engineFixture, op outbox.Operation) {
	t.Helper()
	if op.Payload == "" {
		op.Payload = `{"id":"` + op.EntityID + `","title":"x"}`
	}
	if err := outbox.Enqueue(f.db, &op); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
}

func TestPushAcknowledgeMarksSynced(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Pending"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("expected 1 sent, got %#v", stats)
	}

	book := loadBook(t, f, "book-1")
	if book.SyncMeta.SyncState != library.SyncStateSynced {
		t.Fatalf("expected SYNCED after acknowledgment, got %s", book.SyncMeta.SyncState)
	}
	if book.SyncMeta.ServerVersionMS != 1700000200000 {
		t.Fatalf("expected server version recorded, got %d", book.SyncMeta.ServerVersionMS)
	}
	if _, err := outbox.Get(f.db, "op-1"); !errors.Is(err, outbox.ErrOperationNotFound) {
		t.Fatalf("acknowledged operation must be removed, got %v", err)
	}
}

func TestPushKeepsNotSyncedWhileLaterOpsRemain(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{
		// Second op fails retryably so it stays queued past the pass.
		"op-2": {http.StatusInternalServerError},
	}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Edited Twice"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100})
	enqueueOp(t, f, outbox.Operation{OpID: "op-2", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 200})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Sent != 1 || stats.Retried != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}

	book := loadBook(t, f, "book-1")
	if book.SyncMeta.SyncState != library.SyncStateNotSynced {
		t.Fatalf("row must stay NOT_SYNCED while an edit is still queued, got %s", book.SyncMeta.SyncState)
	}
	if book.SyncMeta.ServerVersionMS != 1700000200000 {
		t.Fatalf("server version must still advance, got %d", book.SyncMeta.ServerVersionMS)
	}
}

func TestPushDeliversEntityOpsInOrder(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Ordered"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-b", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 200})
	enqueueOp(t, f, outbox.Operation{OpID: "op-a", Kind: "book", EntityID: "book-1", Action: outbox.ActionCreate, CreatedAtMS: 100})

	report := &CycleReport{}
	if _, err := f.engine.pushOnce(context.Background(), report); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	delivered := server.deliveries()
	if len(delivered) != 2 || delivered[0] != "op-a" || delivered[1] != "op-b" {
		t.Fatalf("operations delivered out of order: %#v", delivered)
	}
}

func TestPushRejectionFreezesEntityQueue(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{
		"op-1": {http.StatusConflict},
	}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Rejected"}, library.SyncStateNotSynced)
	seedBook(t, f, library.Book{ID: "book-2", Title: "Unrelated"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100})
	enqueueOp(t, f, outbox.Operation{OpID: "op-2", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 200})
	enqueueOp(t, f, outbox.Operation{OpID: "op-3", Kind: "book", EntityID: "book-2", Action: outbox.ActionUpdate, CreatedAtMS: 300})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Conflicted != 1 || stats.Held != 1 || stats.Sent != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}

	failedOp, err := outbox.Get(f.db, "op-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if failedOp.Status != outbox.StatusFailed {
		t.Fatalf("rejected operation must park as failed, got %s", failedOp.Status)
	}
	book := loadBook(t, f, "book-1")
	if book.SyncMeta.SyncState != library.SyncStateConflict {
		t.Fatalf("rejected entity must flip to CONFLICT, got %s", book.SyncMeta.SyncState)
	}
	if book2 := loadBook(t, f, "book-2"); book2.SyncMeta.SyncState != library.SyncStateSynced {
		t.Fatalf("unrelated entity must keep flowing, got %s", book2.SyncMeta.SyncState)
	}
}

func TestPushRetryableFailureHoldsLaterEntityOps(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{
		"op-a": {http.StatusServiceUnavailable},
	}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Two Edits"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-a", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100})
	enqueueOp(t, f, outbox.Operation{OpID: "op-b", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 200})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Retried != 1 || stats.Held != 1 || stats.Sent != 0 {
		t.Fatalf("unexpected stats: %#v", stats)
	}

	delivered := server.deliveries()
	if len(delivered) != 1 || delivered[0] != "op-a" {
		t.Fatalf("newer edit must not overtake an unacknowledged older one, got %#v", delivered)
	}

	// The next pass keeps holding op-b until op-a's backoff elapses.
	due, err := outbox.Due(f.db, f.nowMS+500)
	if err != nil {
		t.Fatalf("unexpected due error: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("entity queue must wait out the backoff together, got %#v", due)
	}
}

func TestPushAckLeavesConflictForExplicitResolution(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Edited During Conflict"}, library.SyncStateConflict)
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("expected delivery, got %#v", stats)
	}
	if _, err := outbox.Get(f.db, "op-1"); !errors.Is(err, outbox.ErrOperationNotFound) {
		t.Fatalf("acknowledged operation must be removed, got %v", err)
	}

	book := loadBook(t, f, "book-1")
	if book.SyncMeta.SyncState != library.SyncStateConflict {
		t.Fatalf("a delivery must not settle a conflict, got %s", book.SyncMeta.SyncState)
	}
	if book.SyncMeta.ServerVersionMS != 1700000200000 {
		t.Fatalf("server version must still advance, got %d", book.SyncMeta.ServerVersionMS)
	}
}

func TestPushRetryableFailureReschedulesWithBackoff(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{
		"op-1": {http.StatusServiceUnavailable},
	}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Flaky"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Retried != 1 {
		t.Fatalf("expected 1 retried, got %#v", stats)
	}

	op, err := outbox.Get(f.db, "op-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if op.Status != outbox.StatusQueued || op.Attempts != 1 {
		t.Fatalf("expected requeue with attempt recorded, got %#v", op)
	}
	expectedNext := f.nowMS + time.Second.Milliseconds()
	if op.NextAttemptAtMS != expectedNext {
		t.Fatalf("expected first backoff of 1s, got next=%d want=%d", op.NextAttemptAtMS, expectedNext)
	}
}

func TestPushExhaustedRetriesParksOperation(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{
		"op-1": {http.StatusServiceUnavailable},
	}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Doomed"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100, Attempts: 2})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed, got %#v", stats)
	}

	op, err := outbox.Get(f.db, "op-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if op.Status != outbox.StatusFailed {
		t.Fatalf("expected parked operation after max attempts, got %s", op.Status)
	}
}

func TestPushAuthRefreshOnceThenResend(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{
		"op-1": {http.StatusUnauthorized, http.StatusOK},
	}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Refreshed"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("expected success after refresh, got %#v", stats)
	}
	if f.sessions.refreshes != 1 {
		t.Fatalf("expected exactly one refresh, got %d", f.sessions.refreshes)
	}
	if f.sessions.cleared {
		t.Fatalf("session must not be cleared on successful refresh")
	}
}

func TestPushRepeatedAuthFailureAbortsAndClearsSession(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{
		"op-1": {http.StatusUnauthorized, http.StatusUnauthorized},
	}}
	f := newEngineFixture(t, server.handler())
	seedBook(t, f, library.Book{ID: "book-1", Title: "Locked Out"}, library.SyncStateNotSynced)
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "book-1", Action: outbox.ActionUpdate, CreatedAtMS: 100})

	report := &CycleReport{}
	_, err := f.engine.pushOnce(context.Background(), report)
	if !errors.Is(err, ErrAuthAborted) {
		t.Fatalf("expected ErrAuthAborted, got %v", err)
	}
	if !f.sessions.cleared {
		t.Fatalf("repeated auth failure must clear the session")
	}

	op, getErr := outbox.Get(f.db, "op-1")
	if getErr != nil {
		t.Fatalf("unexpected get error: %v", getErr)
	}
	if op.Status != outbox.StatusQueued {
		t.Fatalf("interrupted operation must requeue for after re-auth, got %s", op.Status)
	}
}

func TestPushDeleteActionSkipsStateFlip(t *testing.T) {
	server := &scriptedPushServer{statuses: map[string][]int{}}
	f := newEngineFixture(t, server.handler())
	enqueueOp(t, f, outbox.Operation{OpID: "op-1", Kind: "book", EntityID: "gone", Action: outbox.ActionDelete, CreatedAtMS: 100, Payload: " "})

	report := &CycleReport{}
	stats, err := f.engine.pushOnce(context.Background(), report)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("expected delete delivered, got %#v", stats)
	}
	if _, err := outbox.Get(f.db, "op-1"); !errors.Is(err, outbox.ErrOperationNotFound) {
		t.Fatalf("acknowledged delete must be removed, got %v", err)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	f := newEngineFixture(t, http.NewServeMux())

	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{40, time.Minute},
	}
	for _, tc := range tests {
		if got := f.engine.backoffDelay(tc.attempts); got != tc.expected {
			t.Fatalf("attempts=%d: expected %s, got %s", tc.attempts, tc.expected, got)
		}
	}
}

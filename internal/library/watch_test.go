package library

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherDeliversToSubscribers(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	event := ChangeEvent{
		Kind:      KindBook,
		EntityIDs: []string{"book-1"},
		Origin:    ChangeOriginPull,
		Timestamp: time.Now().UTC(),
	}
	dispatcher.Publish(event)

	select {
	case received := <-stream:
		if received.Kind != KindBook || received.Origin != ChangeOriginPull {
			t.Fatalf("unexpected event: %#v", received)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event delivery")
	}
}

func TestDispatcherDropsEmptyEvents(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(ChangeEvent{Kind: KindBook})
	dispatcher.Publish(ChangeEvent{EntityIDs: []string{"x"}})

	select {
	case event := <-stream:
		t.Fatalf("expected no delivery, got %#v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherDoesNotBlockOnSlowSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			dispatcher.Publish(ChangeEvent{
				Kind:      KindBook,
				EntityIDs: []string{"book-1"},
				Origin:    ChangeOriginLocal,
				Timestamp: time.Now().UTC(),
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestDispatcherCleanupIsIdempotent(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx)
	cleanup()
	cleanup()

	dispatcher.Publish(ChangeEvent{
		Kind:      KindBook,
		EntityIDs: []string{"book-1"},
		Origin:    ChangeOriginLocal,
		Timestamp: time.Now().UTC(),
	})
}

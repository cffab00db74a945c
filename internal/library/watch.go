package library

import (
	"context"
	"sync"
	"time"
)

// ChangeOrigin says which path mutated the cache.
type ChangeOrigin string

const (
	// ChangeOriginLocal marks a mutation made through the local edit path.
	ChangeOriginLocal ChangeOrigin = "local"
	// ChangeOriginPull marks a mutation applied from a server delta.
	ChangeOriginPull ChangeOrigin = "pull"
	// ChangeOriginResolve marks a conflict resolution outcome.
	ChangeOriginResolve ChangeOrigin = "resolve"
	// ChangeOriginPush marks a sync-state flip after a server acknowledgment.
	ChangeOriginPush ChangeOrigin = "push"
)

// ChangeEvent notifies subscribers that cached rows changed. Consumers re-read
// current state from the store; events carry identifiers, never row content,
// so a subscriber can never observe a torn intermediate snapshot.
type ChangeEvent struct {
	Kind      Kind
	EntityIDs []string
	Origin    ChangeOrigin
	Timestamp time.Time
}

type watchSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

// Dispatcher fans cache change events out to independent subscribers. A slow
// subscriber loses events rather than blocking the writer.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*watchSubscriber
	nextID      int64
	bufferSize  int
}

// NewDispatcher constructs an empty change dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*watchSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a consumer. The stream closes with the context; the
// returned cleanup func may also be called directly and is idempotent.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	subscriber := &watchSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers an event to every current subscriber without blocking.
func (d *Dispatcher) Publish(event ChangeEvent) {
	if event.Kind == "" || len(event.EntityIDs) == 0 {
		return
	}
	d.mu.RLock()
	copies := make([]*watchSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(subscriber *watchSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *Dispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, subscriberID)
}

// Package playback records listening-position telemetry and flushes it to the
// server on its own cadence, decoupled from the entity sync cycle. Events are
// append-only samples deduplicated by a deterministic id; the derived current
// position is max-timestamp-wins, not the entity conflict state machine.
package playback

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// eventNamespace scopes deterministic event ids to this application. The
// value is itself a UUIDv5 of the DNS namespace and must never change, or
// replayed events would stop deduplicating.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("events.soundleaf.app"))

var (
	// ErrInvalidEvent indicates a listening event missing required fields.
	ErrInvalidEvent = errors.New("playback: invalid listening event")
)

// ListeningEvent is one immutable playback-position sample. The unique
// event id makes duplicate recording and duplicate submission no-ops.
type ListeningEvent struct {
	EventID     string `gorm:"column:event_id;primaryKey;size:64;not null"`
	DeviceID    string `gorm:"column:device_id;size:190;not null"`
	BookID      string `gorm:"column:book_id;size:190;not null;index:idx_events_book_time,priority:1"`
	TimestampMS int64  `gorm:"column:timestamp_ms;not null;index:idx_events_book_time,priority:2"`
	PositionMS  int64  `gorm:"column:position_ms;not null"`
	FlushedAtMS int64  `gorm:"column:flushed_at_ms;not null;default:0;index"`
}

// TableName provides the explicit table binding for GORM.
func (ListeningEvent) TableName() string { return "listening_events" }

// EventID derives the deterministic identifier for a sample. The same
// device, book, and timestamp always produce the same id.
func EventID(deviceID, bookID string, timestampMS int64) string {
	seed := fmt.Sprintf("%s|%s|%d", deviceID, bookID, timestampMS)
	return uuid.NewSHA1(eventNamespace, []byte(seed)).String()
}

// NewListeningEvent validates inputs and builds an event with its derived id.
func NewListeningEvent(deviceID, bookID string, timestampMS, positionMS int64) (ListeningEvent, error) {
	if deviceID == "" {
		return ListeningEvent{}, fmt.Errorf("%w: missing device id", ErrInvalidEvent)
	}
	if bookID == "" {
		return ListeningEvent{}, fmt.Errorf("%w: missing book id", ErrInvalidEvent)
	}
	if timestampMS <= 0 {
		return ListeningEvent{}, fmt.Errorf("%w: timestamp must be positive", ErrInvalidEvent)
	}
	if positionMS < 0 {
		return ListeningEvent{}, fmt.Errorf("%w: negative position", ErrInvalidEvent)
	}
	return ListeningEvent{
		EventID:     EventID(deviceID, bookID, timestampMS),
		DeviceID:    deviceID,
		BookID:      bookID,
		TimestampMS: timestampMS,
		PositionMS:  positionMS,
	}, nil
}

package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soundleaf/soundleaf/internal/transport"
)

const (
	defaultFlushThreshold = 50
	defaultFlushInterval  = 30 * time.Second
	defaultRetention      = 7 * 24 * time.Hour
	flushBatchSize        = 200
)

var errMissingDatabase = errors.New("database handle is required")

// EventPusher is the slice of the transport client the tracker needs.
type EventPusher interface {
	PushListeningEvents(ctx context.Context, events []transport.EventPayload) (int, error)
}

// TrackerConfig wires the tracker's collaborators.
type TrackerConfig struct {
	Database       *gorm.DB
	Pusher         EventPusher
	DeviceID       string
	Clock          func() time.Time
	Logger         *zap.Logger
	FlushThreshold int
	FlushInterval  time.Duration
	Retention      time.Duration
}

// Tracker buffers listening events durably and flushes them in batches on a
// size or time trigger. Recording never touches the network, so playback
// stays responsive offline.
type Tracker struct {
	db        *gorm.DB
	pusher    EventPusher
	deviceID  string
	clock     func() time.Time
	logger    *zap.Logger
	threshold int
	interval  time.Duration
	retention time.Duration
	kick      chan struct{}
}

// NewTracker validates collaborators and constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = defaultFlushThreshold
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Tracker{
		db:        cfg.Database,
		pusher:    cfg.Pusher,
		deviceID:  cfg.DeviceID,
		clock:     clock,
		logger:    logger,
		threshold: threshold,
		interval:  interval,
		retention: retention,
		kick:      make(chan struct{}, 1),
	}, nil
}

// RecordPosition appends a position sample. Re-recording the same sample is a
// no-op thanks to the deterministic event id.
func (t *Tracker) RecordPosition(ctx context.Context, bookID string, positionMS int64) error {
	return t.RecordPositionAt(ctx, bookID, positionMS, t.clock().UTC().UnixMilli())
}

// RecordPositionAt appends a sample with an explicit timestamp, used when
// replaying buffered player callbacks.
func (t *Tracker) RecordPositionAt(ctx context.Context, bookID string, positionMS, timestampMS int64) error {
	event, err := NewListeningEvent(t.deviceID, bookID, timestampMS, positionMS)
	if err != nil {
		return err
	}
	err = t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&event).Error
	if err != nil {
		return fmt.Errorf("playback: record event: %w", err)
	}

	pending, err := t.PendingCount(ctx)
	if err == nil && pending >= int64(t.threshold) {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// CurrentPosition derives the playback position for a book: the sample with
// the greatest timestamp wins, regardless of arrival order.
func (t *Tracker) CurrentPosition(ctx context.Context, bookID string) (positionMS int64, timestampMS int64, err error) {
	var event ListeningEvent
	queryErr := t.db.WithContext(ctx).
		Where("book_id = ?", bookID).
		Order("timestamp_ms DESC, position_ms DESC").
		Take(&event).Error
	if errors.Is(queryErr, gorm.ErrRecordNotFound) {
		return 0, 0, nil
	}
	if queryErr != nil {
		return 0, 0, fmt.Errorf("playback: position query: %w", queryErr)
	}
	return event.PositionMS, event.TimestampMS, nil
}

// PendingCount returns how many events await flushing.
func (t *Tracker) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := t.db.WithContext(ctx).Model(&ListeningEvent{}).
		Where("flushed_at_ms = 0").
		Count(&count).Error
	return count, err
}

// Flush submits pending events in batches and marks them flushed. Returns the
// number of events the server accepted. A retried flush resubmitting already
// accepted events is harmless: the server dedups by event id.
func (t *Tracker) Flush(ctx context.Context) (int, error) {
	if t.pusher == nil {
		return 0, fmt.Errorf("playback: no pusher configured")
	}
	accepted := 0
	for {
		var batch []ListeningEvent
		err := t.db.WithContext(ctx).
			Where("flushed_at_ms = 0").
			Order("timestamp_ms ASC, event_id ASC").
			Limit(flushBatchSize).
			Find(&batch).Error
		if err != nil {
			return accepted, fmt.Errorf("playback: load pending events: %w", err)
		}
		if len(batch) == 0 {
			return accepted, nil
		}

		payload := make([]transport.EventPayload, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, event := range batch {
			payload = append(payload, transport.EventPayload{
				EventID:     event.EventID,
				BookID:      event.BookID,
				DeviceID:    event.DeviceID,
				TimestampMS: event.TimestampMS,
				PositionMS:  event.PositionMS,
			})
			ids = append(ids, event.EventID)
		}

		count, err := t.pusher.PushListeningEvents(ctx, payload)
		if err != nil {
			return accepted, err
		}
		accepted += count

		nowMS := t.clock().UTC().UnixMilli()
		err = t.db.WithContext(ctx).Model(&ListeningEvent{}).
			Where("event_id IN ?", ids).
			Update("flushed_at_ms", nowMS).Error
		if err != nil {
			return accepted, fmt.Errorf("playback: mark flushed: %w", err)
		}
	}
}

// Sweep removes flushed events older than the retention window. Unflushed
// events are never swept.
func (t *Tracker) Sweep(ctx context.Context) error {
	cutoff := t.clock().UTC().Add(-t.retention).UnixMilli()
	return t.db.WithContext(ctx).
		Where("flushed_at_ms > 0 AND flushed_at_ms < ?", cutoff).
		Delete(&ListeningEvent{}).Error
}

// Run flushes on the configured interval and whenever the pending count
// crosses the threshold, until the context is cancelled. Flush failures are
// logged and retried on the next trigger; events stay buffered.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.kick:
		}
		if _, err := t.Flush(ctx); err != nil {
			t.logger.Warn("listening event flush failed",
				zap.String("operation", "playback.flush"),
				zap.Error(err))
			continue
		}
		if err := t.Sweep(ctx); err != nil {
			t.logger.Warn("listening event sweep failed",
				zap.String("operation", "playback.sweep"),
				zap.Error(err))
		}
	}
}

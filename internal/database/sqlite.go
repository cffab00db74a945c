package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/outbox"
	"github.com/soundleaf/soundleaf/internal/playback"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&library.Book{},
		&library.Series{},
		&library.Contributor{},
		&library.Tag{},
		&library.Shelf{},
		&library.SyncCursor{},
		&outbox.Operation{},
		&playback.ListeningEvent{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	// A crash mid-push can leave operations inflight; delivery is idempotent
	// by operation id, so requeueing them on boot is safe.
	if err := db.Model(&outbox.Operation{}).
		Where("status = ?", outbox.StatusInflight).
		Update("status", outbox.StatusQueued).Error; err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

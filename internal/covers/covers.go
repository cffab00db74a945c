// Package covers persists book cover images and fetches missing ones after a
// pull. Cover downloads are best-effort: an individual failure never fails
// the sync cycle.
package covers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/soundleaf/soundleaf/internal/transport"
)

// Store is the save/exists/delete contract for cover assets.
type Store interface {
	Exists(bookID string) (bool, error)
	Save(bookID string, data []byte) error
	Delete(bookID string) error
}

// FileStore keeps one file per book under a directory. The afero filesystem
// lets tests run against memory.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore ensures the directory exists and returns a FileStore.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("covers: directory is required")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("covers: create directory: %w", err)
	}
	return &FileStore{fs: fs, dir: dir}, nil
}

func (s *FileStore) path(bookID string) string {
	return filepath.Join(s.dir, bookID+".img")
}

// Exists reports whether a cover is already stored for the book.
func (s *FileStore) Exists(bookID string) (bool, error) {
	_, err := s.fs.Stat(s.path(bookID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Save writes the cover bytes, replacing any previous asset.
func (s *FileStore) Save(bookID string, data []byte) error {
	return afero.WriteFile(s.fs, s.path(bookID), data, 0o644)
}

// Delete removes a stored cover; deleting a missing cover is a no-op.
func (s *FileStore) Delete(bookID string) error {
	err := s.fs.Remove(s.path(bookID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Fetcher is the slice of the transport client the downloader needs.
type Fetcher interface {
	FetchCover(ctx context.Context, bookID string) ([]byte, error)
}

// DownloaderConfig wires the downloader's collaborators.
type DownloaderConfig struct {
	Store   Store
	Fetcher Fetcher
	Logger  *zap.Logger
}

// Downloader fills in missing cover assets after entity sync.
type Downloader struct {
	store   Store
	fetcher Fetcher
	logger  *zap.Logger
}

// NewDownloader validates collaborators and constructs a Downloader.
func NewDownloader(cfg DownloaderConfig) (*Downloader, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("covers: store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("covers: fetcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{store: cfg.Store, fetcher: cfg.Fetcher, logger: logger}, nil
}

// DownloadMissing fetches covers for the given books when not already stored.
// A server 404 counts as success with no asset; other failures are logged and
// the batch continues. Returns the number of covers actually fetched.
func (d *Downloader) DownloadMissing(ctx context.Context, bookIDs []string) (int, error) {
	fetched := 0
	for _, bookID := range bookIDs {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		exists, err := d.store.Exists(bookID)
		if err != nil {
			d.logger.Warn("cover existence check failed",
				zap.String("book_id", bookID), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		data, err := d.fetcher.FetchCover(ctx, bookID)
		if errors.Is(err, transport.ErrCoverMissing) {
			d.logger.Debug("no cover available", zap.String("book_id", bookID))
			continue
		}
		if err != nil {
			d.logger.Warn("cover fetch failed",
				zap.String("book_id", bookID), zap.Error(err))
			continue
		}
		if err := d.store.Save(bookID, data); err != nil {
			d.logger.Warn("cover save failed",
				zap.String("book_id", bookID), zap.Error(err))
			continue
		}
		fetched++
	}
	return fetched, nil
}

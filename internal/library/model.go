package library

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("library: invalid entity id")
	// ErrUnknownKind indicates an entity kind outside the synced set.
	ErrUnknownKind = errors.New("library: unknown entity kind")
)

// SyncState tracks how a cached row relates to the server copy.
type SyncState string

const (
	// SyncStateNotSynced marks a row holding a local edit the server has not acknowledged.
	SyncStateNotSynced SyncState = "NOT_SYNCED"
	// SyncStateSynced marks a row whose content matches the server as of ServerVersionMS.
	SyncStateSynced SyncState = "SYNCED"
	// SyncStateConflict marks a row where the server superseded an unsynced local edit.
	SyncStateConflict SyncState = "CONFLICT"
)

// Kind enumerates the synced entity types.
type Kind string

const (
	KindBook        Kind = "book"
	KindSeries      Kind = "series"
	KindContributor Kind = "contributor"
	KindTag         Kind = "tag"
	KindShelf       Kind = "shelf"
)

// Kinds returns every synced entity kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindBook, KindSeries, KindContributor, KindTag, KindShelf}
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	candidate := Kind(strings.ToLower(strings.TrimSpace(rawInput)))
	for _, kind := range Kinds() {
		if candidate == kind {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
}

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// SyncMeta carries the per-row synchronization bookkeeping embedded in every entity.
type SyncMeta struct {
	LastModifiedMS  int64     `gorm:"column:last_modified_ms;not null;default:0" json:"-"`
	ServerVersionMS int64     `gorm:"column:server_version_ms;not null;default:0" json:"-"`
	SyncState       SyncState `gorm:"column:sync_state;size:16;not null;default:'SYNCED';index" json:"-"`
}

// Record is implemented by every synced entity model.
type Record interface {
	RecordID() string
	Meta() *SyncMeta
	EntityKind() Kind
}

// Book models a cached audiobook.
type Book struct {
	ID             string   `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Title          string   `gorm:"column:title;size:512;not null" json:"title"`
	Subtitle       string   `gorm:"column:subtitle;size:512;not null;default:''" json:"subtitle,omitempty"`
	Description    string   `gorm:"column:description;type:text;not null;default:''" json:"description,omitempty"`
	AuthorName     string   `gorm:"column:author_name;size:512;not null;default:''" json:"authorName,omitempty"`
	NarratorName   string   `gorm:"column:narrator_name;size:512;not null;default:''" json:"narratorName,omitempty"`
	SeriesID       string   `gorm:"column:series_id;size:190;not null;default:'';index" json:"seriesId,omitempty"`
	SeriesSequence float64  `gorm:"column:series_sequence;not null;default:0" json:"seriesSequence,omitempty"`
	DurationMS     int64    `gorm:"column:duration_ms;not null;default:0" json:"durationMs,omitempty"`
	CoverURL       string   `gorm:"column:cover_url;size:2048;not null;default:''" json:"coverUrl,omitempty"`
	PublishedYear  int      `gorm:"column:published_year;not null;default:0" json:"publishedYear,omitempty"`
	SyncMeta       SyncMeta `gorm:"embedded" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Book) TableName() string { return "books" }

// RecordID returns the entity identifier.
func (b *Book) RecordID() string { return b.ID }

// Meta exposes the embedded sync bookkeeping.
func (b *Book) Meta() *SyncMeta { return &b.SyncMeta }

// EntityKind returns KindBook.
func (b *Book) EntityKind() Kind { return KindBook }

// Series models a cached book series.
type Series struct {
	ID          string   `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name        string   `gorm:"column:name;size:512;not null" json:"name"`
	Description string   `gorm:"column:description;type:text;not null;default:''" json:"description,omitempty"`
	SyncMeta    SyncMeta `gorm:"embedded" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Series) TableName() string { return "series" }

// RecordID returns the entity identifier.
func (s *Series) RecordID() string { return s.ID }

// Meta exposes the embedded sync bookkeeping.
func (s *Series) Meta() *SyncMeta { return &s.SyncMeta }

// EntityKind returns KindSeries.
func (s *Series) EntityKind() Kind { return KindSeries }

// ContributorRole distinguishes authors from narrators.
type ContributorRole string

const (
	ContributorRoleAuthor   ContributorRole = "author"
	ContributorRoleNarrator ContributorRole = "narrator"
)

// Contributor models a cached author or narrator.
type Contributor struct {
	ID       string          `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name     string          `gorm:"column:name;size:512;not null" json:"name"`
	Role     ContributorRole `gorm:"column:role;size:32;not null;default:'author'" json:"role"`
	SortName string          `gorm:"column:sort_name;size:512;not null;default:''" json:"sortName,omitempty"`
	SyncMeta SyncMeta        `gorm:"embedded" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Contributor) TableName() string { return "contributors" }

// RecordID returns the entity identifier.
func (c *Contributor) RecordID() string { return c.ID }

// Meta exposes the embedded sync bookkeeping.
func (c *Contributor) Meta() *SyncMeta { return &c.SyncMeta }

// EntityKind returns KindContributor.
func (c *Contributor) EntityKind() Kind { return KindContributor }

// Tag models a user-defined label.
type Tag struct {
	ID       string   `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name     string   `gorm:"column:name;size:190;not null" json:"name"`
	Color    string   `gorm:"column:color;size:32;not null;default:''" json:"color,omitempty"`
	SyncMeta SyncMeta `gorm:"embedded" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string { return "tags" }

// RecordID returns the entity identifier.
func (t *Tag) RecordID() string { return t.ID }

// Meta exposes the embedded sync bookkeeping.
func (t *Tag) Meta() *SyncMeta { return &t.SyncMeta }

// EntityKind returns KindTag.
func (t *Tag) EntityKind() Kind { return KindTag }

// Shelf models an ordered user collection of books.
type Shelf struct {
	ID          string   `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name        string   `gorm:"column:name;size:512;not null" json:"name"`
	Description string   `gorm:"column:description;type:text;not null;default:''" json:"description,omitempty"`
	BookIDs     []string `gorm:"column:book_ids;type:text;serializer:json" json:"bookIds"`
	SyncMeta    SyncMeta `gorm:"embedded" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Shelf) TableName() string { return "shelves" }

// RecordID returns the entity identifier.
func (s *Shelf) RecordID() string { return s.ID }

// Meta exposes the embedded sync bookkeeping.
func (s *Shelf) Meta() *SyncMeta { return &s.SyncMeta }

// EntityKind returns KindShelf.
func (s *Shelf) EntityKind() Kind { return KindShelf }

// SyncCursor persists the per-kind delta cursor from the last successful pull.
type SyncCursor struct {
	Kind           Kind   `gorm:"column:kind;primaryKey;size:32;not null"`
	Cursor         string `gorm:"column:cursor;size:512;not null;default:''"`
	LastSyncedAtMS int64  `gorm:"column:last_synced_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string { return "sync_cursors" }

// TableNameForKind maps a kind to its cache table.
func TableNameForKind(kind Kind) (string, error) {
	switch kind {
	case KindBook:
		return Book{}.TableName(), nil
	case KindSeries:
		return Series{}.TableName(), nil
	case KindContributor:
		return Contributor{}.TableName(), nil
	case KindTag:
		return Tag{}.TableName(), nil
	case KindShelf:
		return Shelf{}.TableName(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

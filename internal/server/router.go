// Package server exposes the loopback control API a UI process drives:
// cache reads and local edits, sync status, conflict resolution, and the
// failed-operation queue. Sync execution itself stays with the scheduler;
// the API only observes and triggers.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/outbox"
	"github.com/soundleaf/soundleaf/internal/playback"
	"github.com/soundleaf/soundleaf/internal/syncengine"
)

var (
	errMissingStore  = errors.New("library store dependency required")
	errMissingEngine = errors.New("sync engine dependency required")
)

// Dependencies wires the handler's collaborators.
type Dependencies struct {
	Store       *library.Store
	Engine      *syncengine.Engine
	Tracker     *playback.Tracker
	IDProvider  library.IDProvider
	TriggerSync func()
	Logger      *zap.Logger
}

// NewHTTPHandler builds the control API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := deps.IDProvider
	if ids == nil {
		ids = library.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:       deps.Store,
		engine:      deps.Engine,
		tracker:     deps.Tracker,
		ids:         ids,
		triggerSync: deps.TriggerSync,
		logger:      logger,
	}

	router.GET("/status", handler.handleStatus)
	router.POST("/sync", handler.handleTriggerSync)
	router.GET("/changes", handler.handleChanges)

	router.GET("/conflicts", handler.handleListConflicts)
	router.POST("/conflicts/:kind/:id/resolve", handler.handleResolveConflict)

	router.GET("/operations/failed", handler.handleListFailedOperations)
	router.POST("/operations/:id/retry", handler.handleRetryOperation)
	router.POST("/operations/:id/cancel", handler.handleCancelOperation)

	router.GET("/books", handler.handleListBooks)
	router.GET("/books/:id", handler.handleGetBook)
	router.POST("/books", handler.handleCreateBook)
	router.PUT("/books/:id", handler.handleUpdateBook)
	router.DELETE("/books/:id", handler.handleDeleteBook)
	router.GET("/books/:id/position", handler.handleGetPosition)
	router.POST("/books/:id/position", handler.handleRecordPosition)

	return router, nil
}

type httpHandler struct {
	store       *library.Store
	engine      *syncengine.Engine
	tracker     *playback.Tracker
	ids         library.IDProvider
	triggerSync func()
	logger      *zap.Logger
}

type statusPayload struct {
	Engine    syncengine.Status                    `json:"engine"`
	Entities  map[library.Kind]library.StateCounts `json:"entities"`
	QueuedOps int64                                `json:"queuedOps"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	counts, err := h.store.CountStates(c.Request.Context())
	if err != nil {
		h.logger.Error("status query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	queued, err := outbox.CountQueued(h.store.DB().WithContext(c.Request.Context()))
	if err != nil {
		h.logger.Error("queue count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, statusPayload{
		Engine:    h.engine.CurrentStatus(),
		Entities:  counts,
		QueuedOps: queued,
	})
}

func (h *httpHandler) handleTriggerSync(c *gin.Context) {
	if h.triggerSync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_trigger_unavailable"})
		return
	}
	h.triggerSync()
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	var query struct {
		Since int64 `form:"since"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	changed, err := h.store.ChangedIDs(c.Request.Context(), query.Since)
	if err != nil {
		h.logger.Error("change poll failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "changes_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "now": h.store.NowMS()})
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	conflicts, err := h.store.ListConflicts(c.Request.Context())
	if err != nil {
		h.logger.Error("conflict listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conflicts_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

type resolvePayload struct {
	Strategy string `json:"strategy"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	kind, err := library.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_kind"})
		return
	}
	var request resolvePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	strategy, err := library.ParseResolutionStrategy(request.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_strategy"})
		return
	}

	err = h.engine.ResolveConflict(c.Request.Context(), kind, c.Param("id"), strategy)
	switch {
	case errors.Is(err, library.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, library.ErrNotConflicted):
		c.JSON(http.StatusConflict, gin.H{"error": "not_in_conflict"})
	case err != nil:
		h.logger.Error("conflict resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"resolved": true})
	}
}

func (h *httpHandler) handleListFailedOperations(c *gin.Context) {
	ops, err := outbox.ListFailed(h.store.DB().WithContext(c.Request.Context()))
	if err != nil {
		h.logger.Error("failed-operation listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operations_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (h *httpHandler) handleRetryOperation(c *gin.Context) {
	err := outbox.Retry(h.store.DB().WithContext(c.Request.Context()), c.Param("id"))
	switch {
	case errors.Is(err, outbox.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, outbox.ErrNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "not_failed"})
	case err != nil:
		h.logger.Error("operation retry failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"requeued": true})
	}
}

func (h *httpHandler) handleCancelOperation(c *gin.Context) {
	err := outbox.Cancel(h.store.DB().WithContext(c.Request.Context()), c.Param("id"))
	switch {
	case errors.Is(err, outbox.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case err != nil:
		h.logger.Error("operation cancel failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	}
}

type bookPayload struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Subtitle       string  `json:"subtitle"`
	Description    string  `json:"description"`
	AuthorName     string  `json:"authorName"`
	NarratorName   string  `json:"narratorName"`
	SeriesID       string  `json:"seriesId"`
	SeriesSequence float64 `json:"seriesSequence"`
	DurationMS     int64   `json:"durationMs"`
	CoverURL       string  `json:"coverUrl"`
	PublishedYear  int     `json:"publishedYear"`
	SyncState      string  `json:"syncState,omitempty"`
}

func bookToPayload(book *library.Book) bookPayload {
	return bookPayload{
		ID:             book.ID,
		Title:          book.Title,
		Subtitle:       book.Subtitle,
		Description:    book.Description,
		AuthorName:     book.AuthorName,
		NarratorName:   book.NarratorName,
		SeriesID:       book.SeriesID,
		SeriesSequence: book.SeriesSequence,
		DurationMS:     book.DurationMS,
		CoverURL:       book.CoverURL,
		PublishedYear:  book.PublishedYear,
		SyncState:      string(book.SyncMeta.SyncState),
	}
}

func (p bookPayload) toBook() *library.Book {
	return &library.Book{
		ID:             p.ID,
		Title:          p.Title,
		Subtitle:       p.Subtitle,
		Description:    p.Description,
		AuthorName:     p.AuthorName,
		NarratorName:   p.NarratorName,
		SeriesID:       p.SeriesID,
		SeriesSequence: p.SeriesSequence,
		DurationMS:     p.DurationMS,
		CoverURL:       p.CoverURL,
		PublishedYear:  p.PublishedYear,
	}
}

func (h *httpHandler) handleListBooks(c *gin.Context) {
	books, err := library.List[library.Book, *library.Book](c.Request.Context(), h.store)
	if err != nil {
		h.logger.Error("book listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]bookPayload, 0, len(books))
	for i := range books {
		payload = append(payload, bookToPayload(&books[i]))
	}
	c.JSON(http.StatusOK, gin.H{"books": payload})
}

func (h *httpHandler) handleGetBook(c *gin.Context) {
	book, err := library.Get[library.Book, *library.Book](c.Request.Context(), h.store, c.Param("id"))
	if errors.Is(err, library.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("book fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	c.JSON(http.StatusOK, bookToPayload(book))
}

func (h *httpHandler) handleCreateBook(c *gin.Context) {
	var request bookPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.ID == "" {
		id, err := h.ids.NewID()
		if err != nil {
			h.logger.Error("id generation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
			return
		}
		request.ID = id
	}
	if err := library.SaveLocal[library.Book, *library.Book](c.Request.Context(), h.store, request.toBook()); err != nil {
		h.logger.Error("book create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": request.ID})
}

func (h *httpHandler) handleUpdateBook(c *gin.Context) {
	var request bookPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request.ID = c.Param("id")
	if err := library.SaveLocal[library.Book, *library.Book](c.Request.Context(), h.store, request.toBook()); err != nil {
		h.logger.Error("book update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": request.ID})
}

func (h *httpHandler) handleDeleteBook(c *gin.Context) {
	err := library.DeleteLocal[library.Book, *library.Book](c.Request.Context(), h.store, c.Param("id"))
	if errors.Is(err, library.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("book delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) handleGetPosition(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tracker_unavailable"})
		return
	}
	positionMS, timestampMS, err := h.tracker.CurrentPosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("position query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "position_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positionMs": positionMS, "timestampMs": timestampMS})
}

type positionPayload struct {
	PositionMS  int64 `json:"positionMs"`
	TimestampMS int64 `json:"timestampMs"`
}

func (h *httpHandler) handleRecordPosition(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tracker_unavailable"})
		return
	}
	var request positionPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PositionMS < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var err error
	if request.TimestampMS > 0 {
		err = h.tracker.RecordPositionAt(c.Request.Context(), c.Param("id"), request.PositionMS, request.TimestampMS)
	} else {
		err = h.tracker.RecordPosition(c.Request.Context(), c.Param("id"), request.PositionMS)
	}
	if errors.Is(err, playback.ErrInvalidEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}
	if err != nil {
		h.logger.Error("position record failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"recorded": true})
}

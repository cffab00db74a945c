// Package syncengine reconciles the local cache against the library server:
// pull deltas through the conflict detector, drain the pending operation
// queue, flush listening events, and top up cover assets. One cycle at a
// time; failures are contained to the smallest independent unit and reported
// per-unit, never as a single boolean.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soundleaf/soundleaf/internal/covers"
	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/playback"
	"github.com/soundleaf/soundleaf/internal/transport"
)

const (
	defaultPullParallelism = 3
	defaultBackoffMin      = time.Second
	defaultBackoffMax      = time.Minute
	defaultMaxAttempts     = 8

	stagePull   = "pull"
	stagePush   = "push"
	stageEvents = "events"
	stageCovers = "covers"
)

var (
	// ErrCycleInFlight reports that a sync cycle is already running; the
	// triggering request is coalesced into the running one.
	ErrCycleInFlight = errors.New("syncengine: cycle already in flight")

	errMissingStore  = errors.New("store is required")
	errMissingClient = errors.New("transport client is required")
)

// SessionController is the slice of the session manager the engine drives on
// auth failures.
type SessionController interface {
	ForceRefresh(ctx context.Context) error
	Clear()
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Store           *library.Store
	Client          *transport.Client
	Sessions        SessionController
	Tracker         *playback.Tracker
	Covers          *covers.Downloader
	Logger          *zap.Logger
	Clock           func() time.Time
	PullParallelism int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	MaxAttempts     int
}

// Engine owns one sync session's collaborators, passed at construction; there
// is no ambient registry.
type Engine struct {
	store       *library.Store
	client      *transport.Client
	sessions    SessionController
	tracker     *playback.Tracker
	covers      *covers.Downloader
	logger      *zap.Logger
	clock       func() time.Time
	parallelism int
	backoffMin  time.Duration
	backoffMax  time.Duration
	maxAttempts int

	cycleMu sync.Mutex

	stateMu    sync.Mutex
	running    bool
	lastReport *CycleReport

	pullers []kindPuller
}

// NewEngine validates collaborators and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("syncengine: %w", errMissingStore)
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("syncengine: %w", errMissingClient)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	parallelism := cfg.PullParallelism
	if parallelism < 1 {
		parallelism = defaultPullParallelism
	}
	backoffMin := cfg.BackoffMin
	if backoffMin <= 0 {
		backoffMin = defaultBackoffMin
	}
	backoffMax := cfg.BackoffMax
	if backoffMax < backoffMin {
		backoffMax = defaultBackoffMax
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}

	return &Engine{
		store:       cfg.Store,
		client:      cfg.Client,
		sessions:    cfg.Sessions,
		tracker:     cfg.Tracker,
		covers:      cfg.Covers,
		logger:      logger,
		clock:       clock,
		parallelism: parallelism,
		backoffMin:  backoffMin,
		backoffMax:  backoffMax,
		maxAttempts: maxAttempts,
		pullers: []kindPuller{
			newKindPuller[library.Book, *library.Book](library.KindBook),
			newKindPuller[library.Series, *library.Series](library.KindSeries),
			newKindPuller[library.Contributor, *library.Contributor](library.KindContributor),
			newKindPuller[library.Tag, *library.Tag](library.KindTag),
			newKindPuller[library.Shelf, *library.Shelf](library.KindShelf),
		},
	}, nil
}

// CycleFailure names one contained failure inside a cycle.
type CycleFailure struct {
	Stage   string       `json:"stage"`
	Kind    library.Kind `json:"kind,omitempty"`
	OpID    string       `json:"opId,omitempty"`
	Message string       `json:"message"`
}

// CycleReport is the outcome of one sync cycle: completed with N failures,
// never one opaque boolean.
type CycleReport struct {
	StartedAt     time.Time                  `json:"startedAt"`
	FinishedAt    time.Time                  `json:"finishedAt"`
	Pull          map[library.Kind]PullStats `json:"pull"`
	Push          PushStats                  `json:"push"`
	EventsFlushed int                        `json:"eventsFlushed"`
	CoversFetched int                        `json:"coversFetched"`
	Failures      []CycleFailure             `json:"failures"`

	mu sync.Mutex
}

func (r *CycleReport) addFailure(stage string, kind library.Kind, opID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, CycleFailure{
		Stage:   stage,
		Kind:    kind,
		OpID:    opID,
		Message: err.Error(),
	})
}

// RunCycle executes one pull-then-push pass plus event flush and cover
// top-up. A cycle triggered while one is in flight returns ErrCycleInFlight.
// Cancellation is cooperative at transaction boundaries: a per-kind apply
// either commits whole or rolls back.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !e.cycleMu.TryLock() {
		return nil, ErrCycleInFlight
	}
	defer e.cycleMu.Unlock()

	e.setRunning(true)
	defer e.setRunning(false)

	report := &CycleReport{
		StartedAt: e.now(),
		Pull:      make(map[library.Kind]PullStats, len(e.pullers)),
	}

	e.runPull(ctx, report)

	if err := ctx.Err(); err == nil {
		pushStats, pushErr := e.pushOnce(ctx, report)
		report.Push = pushStats
		if pushErr != nil && !errors.Is(pushErr, context.Canceled) {
			report.addFailure(stagePush, "", "", pushErr)
		}
	}

	if e.tracker != nil && ctx.Err() == nil {
		flushed, err := e.tracker.Flush(ctx)
		report.EventsFlushed = flushed
		if err != nil {
			report.addFailure(stageEvents, "", "", err)
		}
	}

	if e.covers != nil && ctx.Err() == nil {
		fetched, err := e.downloadCovers(ctx)
		report.CoversFetched = fetched
		if err != nil && !errors.Is(err, context.Canceled) {
			report.addFailure(stageCovers, "", "", err)
		}
	}

	report.FinishedAt = e.now()
	e.setLastReport(report)

	e.logger.Info("sync cycle completed",
		zap.Int("push_sent", report.Push.Sent),
		zap.Int("events_flushed", report.EventsFlushed),
		zap.Int("covers_fetched", report.CoversFetched),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, ctx.Err()
}

// runPull fans entity kinds out over a bounded worker set. Kinds share no
// rows, so they may proceed concurrently; each failure stays contained to
// its kind.
func (e *Engine) runPull(ctx context.Context, report *CycleReport) {
	sem := make(chan struct{}, e.parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, puller := range e.pullers {
		wg.Add(1)
		go func(p kindPuller) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				report.addFailure(stagePull, p.kind, "", err)
				return
			}
			stats, err := p.run(ctx, e)
			if err != nil {
				report.addFailure(stagePull, p.kind, "", err)
				return
			}
			mu.Lock()
			report.Pull[p.kind] = stats
			mu.Unlock()
		}(puller)
	}
	wg.Wait()
}

func (e *Engine) downloadCovers(ctx context.Context) (int, error) {
	books, err := library.List[library.Book, *library.Book](ctx, e.store)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(books))
	for _, book := range books {
		if book.CoverURL != "" {
			ids = append(ids, book.ID)
		}
	}
	return e.covers.DownloadMissing(ctx, ids)
}

// ResolveConflict settles a CONFLICT row via the store, dispatching on kind.
func (e *Engine) ResolveConflict(ctx context.Context, kind library.Kind, id string, strategy library.ResolutionStrategy) error {
	switch kind {
	case library.KindBook:
		return library.Resolve[library.Book, *library.Book](ctx, e.store, id, strategy)
	case library.KindSeries:
		return library.Resolve[library.Series, *library.Series](ctx, e.store, id, strategy)
	case library.KindContributor:
		return library.Resolve[library.Contributor, *library.Contributor](ctx, e.store, id, strategy)
	case library.KindTag:
		return library.Resolve[library.Tag, *library.Tag](ctx, e.store, id, strategy)
	case library.KindShelf:
		return library.Resolve[library.Shelf, *library.Shelf](ctx, e.store, id, strategy)
	default:
		return fmt.Errorf("%w: %q", library.ErrUnknownKind, kind)
	}
}

// Status reports whether a cycle is running and the last completed report.
type Status struct {
	Running    bool         `json:"running"`
	LastReport *CycleReport `json:"lastReport,omitempty"`
}

// CurrentStatus returns a snapshot of engine state for the control surface.
func (e *Engine) CurrentStatus() Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return Status{Running: e.running, LastReport: e.lastReport}
}

func (e *Engine) setRunning(running bool) {
	e.stateMu.Lock()
	e.running = running
	e.stateMu.Unlock()
}

func (e *Engine) setLastReport(report *CycleReport) {
	e.stateMu.Lock()
	e.lastReport = report
	e.stateMu.Unlock()
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

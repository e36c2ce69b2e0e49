// Package collection runs one collection cycle over the configured targets.
package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/clock/system"
	"github.com/JakeFAU/linkwatch/internal/id/uuid"
	"github.com/JakeFAU/linkwatch/internal/linkwatch"
	"github.com/JakeFAU/linkwatch/internal/metrics"
)

// State is the lifecycle position of a cycle.
type State string

// Cycle states.
const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFatalAborted State = "fatal_aborted"
)

// Target outcomes, also used as metric labels.
const (
	OutcomeOK          = "ok"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeExtractFail = "extract_failed"
	OutcomeStoreFailed = "store_failed"
)

// TargetReport describes what happened to one target during a cycle.
type TargetReport struct {
	Name     string
	URL      string
	Outcome  string
	Links    int
	NewLinks int
	Err      error
}

// Result summarizes a finished cycle.
type Result struct {
	CollectionID int64
	State        State
	Stats        linkwatch.CollectionStats
	// Skipped counts targets dropped for fetch or extraction errors.
	Skipped   int
	Targets   []TargetReport
	StartedAt time.Time
	EndedAt   time.Time
}

// NewLinkTotals returns the reports of targets that produced new links.
func (r Result) NewLinkTotals() []TargetReport {
	var out []TargetReport
	for _, t := range r.Targets {
		if t.NewLinks > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Deps bundles the collaborators of an Engine. Clock, IDs and Emitter are optional.
type Deps struct {
	Fetcher   linkwatch.Fetcher
	Extractor linkwatch.Extractor
	Store     linkwatch.Store
	Emitter   linkwatch.Emitter
	Clock     linkwatch.Clock
	IDs       linkwatch.IDGenerator
}

// Engine executes cycles. It holds no state between cycles.
type Engine struct {
	fetcher   linkwatch.Fetcher
	extractor linkwatch.Extractor
	store     linkwatch.Store
	emitter   linkwatch.Emitter
	clock     linkwatch.Clock
	ids       linkwatch.IDGenerator
	logger    *zap.Logger
}

// New constructs an Engine.
func New(deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Store == nil {
		return nil, errors.New("collection engine requires fetcher, extractor and store")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		store:     deps.Store,
		emitter:   deps.Emitter,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    logger,
	}, nil
}

// Run executes one cycle over targets in order.
// The returned error is non-nil only when the cycle ends FatalAborted.
func (e *Engine) Run(ctx context.Context, targets []linkwatch.Target, cancel linkwatch.CancelSignal) (Result, error) {
	res := Result{State: StateRunning, StartedAt: e.clock.Now()}
	metrics.SetCycleRunning(true)
	defer metrics.SetCycleRunning(false)

	// Writes must finish even when the caller's context is already done.
	storeCtx := context.WithoutCancel(ctx)

	collectionID, err := e.store.OpenCollection(storeCtx, res.StartedAt)
	if err != nil {
		res.State = StateFatalAborted
		res.EndedAt = e.clock.Now()
		e.logger.Error("open collection failed", zap.Error(err))
		metrics.ObserveCycle(string(res.State), res.EndedAt.Sub(res.StartedAt))
		return res, fmt.Errorf("open collection: %w", err)
	}
	res.CollectionID = collectionID
	logger := e.logger.With(zap.Int64("collection_id", collectionID))
	logger.Info("cycle started", zap.Int("targets", len(targets)))

	var fatal error
	for i, target := range targets {
		if cancelled(ctx, cancel) {
			res.State = StateCancelled
			logger.Info("cycle cancelled", zap.Int("processed", i), zap.Int("remaining", len(targets)-i))
			break
		}
		report, stats, err := e.processTarget(ctx, collectionID, target, logger)
		res.Targets = append(res.Targets, report)
		metrics.ObserveTarget(report.Outcome)
		if err != nil {
			if errors.Is(err, linkwatch.ErrPersistence) {
				fatal = err
				res.State = StateFatalAborted
				logger.Error("persistence failure, aborting cycle",
					zap.String("target", target.Label()), zap.Error(err))
				break
			}
			res.Skipped++
			logger.Warn("target skipped",
				zap.String("target", target.Label()),
				zap.String("url", target.URL),
				zap.String("outcome", report.Outcome),
				zap.Bool("transient", linkwatch.IsTransient(err)),
				zap.Error(err))
			continue
		}
		res.Stats = res.Stats.Add(stats)
	}
	if res.State == StateRunning {
		res.State = StateCompleted
	}

	res.EndedAt = e.clock.Now()
	if err := e.store.CloseCollection(storeCtx, collectionID, res.EndedAt, res.Stats); err != nil {
		logger.Error("close collection failed", zap.Error(err))
		res.State = StateFatalAborted
		fatal = errors.Join(fatal, fmt.Errorf("close collection: %w", err))
	}

	metrics.ObserveCycle(string(res.State), res.EndedAt.Sub(res.StartedAt))
	logger.Info("cycle finished",
		zap.String("state", string(res.State)),
		zap.Int64("pages", res.Stats.Pages),
		zap.Int64("links", res.Stats.Links),
		zap.Int64("new_links", res.Stats.NewLinks),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", res.EndedAt.Sub(res.StartedAt)))
	return res, fatal
}

func (e *Engine) processTarget(
	ctx context.Context,
	collectionID int64,
	target linkwatch.Target,
	logger *zap.Logger,
) (TargetReport, linkwatch.CollectionStats, error) {
	report := TargetReport{Name: target.Label(), URL: target.URL}
	storeCtx := context.WithoutCancel(ctx)

	content, err := e.fetcher.Fetch(ctx, target)
	if err != nil {
		report.Outcome = OutcomeFetchFailed
		report.Err = err
		return report, linkwatch.CollectionStats{}, err
	}

	observed, err := e.extractor.Extract(content, target.Selector)
	if err != nil {
		report.Outcome = OutcomeExtractFail
		report.Err = err
		return report, linkwatch.CollectionStats{}, err
	}

	pageID, err := e.store.UpsertPage(storeCtx, target.URL, target.Selector.String())
	if err != nil {
		report.Outcome = OutcomeStoreFailed
		report.Err = err
		return report, linkwatch.CollectionStats{}, err
	}

	at := e.clock.Now()
	diff, err := e.store.ApplyPage(storeCtx, collectionID, pageID, observed, at)
	if err != nil {
		report.Outcome = OutcomeStoreFailed
		report.Err = err
		return report, linkwatch.CollectionStats{}, err
	}

	report.Outcome = OutcomeOK
	report.Links = len(diff.Observed)
	report.NewLinks = len(diff.New)
	logger.Debug("target processed",
		zap.String("target", target.Label()),
		zap.Int64("page_id", pageID),
		zap.Int("links", report.Links),
		zap.Int("new", len(diff.New)),
		zap.Int("reactivated", len(diff.Reactivated)),
		zap.Int("inactive", len(diff.NewlyInactive)))

	metrics.ObserveNewLinks(target.URL, len(diff.New))
	e.emitNew(target, collectionID, diff.New, at, logger)

	return report, linkwatch.CollectionStats{
		Pages:    1,
		Links:    int64(len(diff.Observed)),
		NewLinks: int64(len(diff.New)),
	}, nil
}

func (e *Engine) emitNew(
	target linkwatch.Target,
	collectionID int64,
	links []linkwatch.Link,
	at time.Time,
	logger *zap.Logger,
) {
	if e.emitter == nil {
		return
	}
	for _, l := range links {
		id, err := e.ids.NewID()
		if err != nil {
			logger.Warn("event id generation failed", zap.Error(err))
		}
		e.emitter.Emit(linkwatch.NewLinkEvent{
			ID:           id,
			Target:       target.Label(),
			PageURL:      target.URL,
			Href:         l.Href,
			Text:         l.Text,
			CollectionID: collectionID,
			ObservedAt:   at,
		})
	}
}

func cancelled(ctx context.Context, cancel linkwatch.CancelSignal) bool {
	if ctx.Err() != nil {
		return true
	}
	return cancel != nil && cancel.Cancelled()
}

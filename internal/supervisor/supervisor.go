// Package supervisor schedules collection cycles and owns the live configuration.
//
// A single worker goroutine runs cycles. Cron ticks and manual triggers feed a
// one-slot channel, so a tick that arrives during a cycle is deferred until the
// cycle ends and further ticks are coalesced into it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/collection"
	"github.com/JakeFAU/linkwatch/internal/config"
	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

// Runner executes one collection cycle.
type Runner interface {
	Run(ctx context.Context, targets []linkwatch.Target, cancel linkwatch.CancelSignal) (collection.Result, error)
}

// Source produces a fresh, validated configuration.
type Source func() (*config.Config, error)

// ReloadHook observes every accepted configuration.
type ReloadHook func(cfg *config.Config)

// CycleHook runs on the worker after each cycle with the snapshot the cycle used.
type CycleHook func(cfg *config.Config, res collection.Result)

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSource sets where ReloadFromSource reads configuration from.
func WithSource(src Source) Option {
	return func(s *Supervisor) { s.source = src }
}

// WithReloadHook registers a hook called after each successful reload.
func WithReloadHook(hook ReloadHook) Option {
	return func(s *Supervisor) { s.reloadHooks = append(s.reloadHooks, hook) }
}

// WithCycleHook registers a hook called after each cycle.
func WithCycleHook(hook CycleHook) Option {
	return func(s *Supervisor) { s.cycleHooks = append(s.cycleHooks, hook) }
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Running  bool
	Cycles   int64
	Interval time.Duration
	NextRun  time.Time
	Last     *collection.Result
}

// Supervisor drives the collection engine on a schedule.
type Supervisor struct {
	runner      Runner
	logger      *zap.Logger
	source      Source
	reloadHooks []ReloadHook
	cycleHooks  []CycleHook

	// reloadMu keeps the schedule, snapshot and hooks of one reload together.
	reloadMu sync.Mutex
	cfg      atomic.Pointer[config.Config]
	trigger  chan struct{}

	cron       *cron.Cron
	scheduleMu sync.Mutex
	entryID    cron.EntryID
	interval   time.Duration

	// mu guards the running/cancel pair so a cancel can never leak into the next cycle.
	mu        sync.Mutex
	running   bool
	cancelled atomic.Bool
	cycles    int64
	last      *collection.Result
}

var _ linkwatch.CancelSignal = (*Supervisor)(nil)

// New builds a Supervisor around an initial configuration.
func New(cfg *config.Config, runner Runner, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("supervisor requires a configuration")
	}
	if runner == nil {
		return nil, errors.New("supervisor requires a runner")
	}
	s := &Supervisor{
		runner:  runner,
		logger:  zap.NewNop(),
		trigger: make(chan struct{}, 1),
		cron:    cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.Store(cfg)
	if err := s.reschedule(cfg.Interval); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current configuration. Callers must not mutate it.
func (s *Supervisor) Snapshot() *config.Config {
	return s.cfg.Load()
}

// Reload swaps the configuration. A running cycle keeps the snapshot it started with.
func (s *Supervisor) Reload(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("reload: nil configuration")
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if err := s.reschedule(cfg.Interval); err != nil {
		return err
	}
	s.cfg.Store(cfg)
	for _, hook := range s.reloadHooks {
		hook(cfg)
	}
	s.logger.Info("configuration reloaded",
		zap.Duration("interval", cfg.Interval),
		zap.Int("targets", len(cfg.Targets)))
	return nil
}

// ReloadFromSource re-reads configuration. On failure the current snapshot is kept.
func (s *Supervisor) ReloadFromSource() error {
	if s.source == nil {
		return errors.New("reload: no configuration source")
	}
	cfg, err := s.source()
	if err != nil {
		s.logger.Warn("reload rejected, keeping current configuration", zap.Error(err))
		return fmt.Errorf("reload: %w", err)
	}
	return s.Reload(cfg)
}

// Trigger requests a cycle. It returns false when one is already pending.
func (s *Supervisor) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Cancel asks the running cycle to stop at its next target boundary.
// It returns false and does nothing when no cycle is running.
func (s *Supervisor) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.cancelled.Store(true)
	s.logger.Info("cycle cancellation requested")
	return true
}

// Cancelled implements linkwatch.CancelSignal.
func (s *Supervisor) Cancelled() bool {
	return s.cancelled.Load()
}

// Status reports the worker state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.running, Cycles: s.cycles}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	s.mu.Unlock()

	s.scheduleMu.Lock()
	st.Interval = s.interval
	st.NextRun = s.cron.Entry(s.entryID).Next
	s.scheduleMu.Unlock()
	return st
}

// Run starts the schedule and runs the first cycle immediately. It blocks until
// ctx is done and any in-flight cycle has finalized.
func (s *Supervisor) Run(ctx context.Context) error {
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return nil
		case <-s.trigger:
			if ctx.Err() != nil {
				continue
			}
			s.runCycle(ctx)
		}
	}
}

func (s *Supervisor) runCycle(ctx context.Context) {
	cfg := s.Snapshot()
	targets, err := cfg.LinkTargets()
	if err != nil {
		s.logger.Error("cycle not started: invalid targets", zap.Error(err))
		return
	}

	s.begin()
	res, err := s.runner.Run(ctx, targets, s)
	s.finish(res)

	if err != nil {
		s.logger.Error("cycle aborted",
			zap.Int64("collection_id", res.CollectionID),
			zap.String("state", string(res.State)),
			zap.Error(err))
	}
	for _, hook := range s.cycleHooks {
		hook(cfg, res)
	}
}

func (s *Supervisor) begin() {
	s.mu.Lock()
	s.running = true
	s.cancelled.Store(false)
	s.mu.Unlock()
}

func (s *Supervisor) finish(res collection.Result) {
	s.mu.Lock()
	s.running = false
	s.cancelled.Store(false)
	s.cycles++
	s.last = &res
	s.mu.Unlock()
}

func (s *Supervisor) reschedule(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("schedule: interval must be > 0, got %s", interval)
	}
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()
	if s.entryID != 0 && interval == s.interval {
		return nil
	}
	id, err := s.cron.AddFunc("@every "+interval.String(), func() {
		if !s.Trigger() {
			s.logger.Debug("scheduled tick coalesced into pending cycle")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule every %s: %w", interval, err)
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	s.entryID = id
	s.interval = interval
	return nil
}

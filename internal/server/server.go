// Package server runs the long-lived collector process: the supervisor, the
// control server, signal handling and config watching.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/linkwatch/internal/api"
	"github.com/JakeFAU/linkwatch/internal/app"
	"github.com/JakeFAU/linkwatch/internal/collection"
	"github.com/JakeFAU/linkwatch/internal/config"
	"github.com/JakeFAU/linkwatch/internal/notify"
	"github.com/JakeFAU/linkwatch/internal/supervisor"
)

const shutdownTimeout = 30 * time.Second

// Service bundles the running pieces of one process.
type Service struct {
	app        *app.App
	supervisor *supervisor.Supervisor
	api        *api.Server
	loader     *config.Loader
	logger     *zap.Logger
}

// New wires a supervisor and control server around a.
func New(a *app.App, cfg *config.Config, loader *config.Loader, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{app: a, loader: loader, logger: logger}

	opts := []supervisor.Option{
		supervisor.WithLogger(logger.Named("supervisor")),
		supervisor.WithReloadHook(s.sinkReloader(cfg)),
		supervisor.WithCycleHook(s.sendDigest),
	}
	if loader != nil {
		opts = append(opts, supervisor.WithSource(loader.Load))
	}
	sup, err := supervisor.New(cfg, a.Engine(), opts...)
	if err != nil {
		return nil, fmt.Errorf("build supervisor: %w", err)
	}
	s.supervisor = sup
	s.api = api.NewServer(sup, cfg.Server, logger.Named("api"))
	return s, nil
}

// Supervisor exposes the scheduler.
func (s *Service) Supervisor() *supervisor.Supervisor { return s.supervisor }

// Run blocks until ctx is done or SIGINT/SIGTERM arrives. SIGHUP reloads the
// configuration and SIGUSR1 cancels the running cycle.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := s.supervisor.Snapshot()
	if cfg.Watch && s.loader != nil {
		if err := s.loader.Watch(s.reload, s.logger.Named("config")); err != nil {
			s.logger.Warn("config watch disabled", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.supervisor.Run(gctx)
	})
	if cfg.Server.Addr != "" {
		g.Go(func() error {
			return s.api.ListenAndServe(gctx, cfg.Server.Addr)
		})
	}
	g.Go(func() error {
		s.handleSignals(gctx)
		return nil
	})

	err := g.Wait()
	s.logger.Info("shutdown initiated")

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if cerr := s.app.Close(closeCtx); cerr != nil {
		s.logger.Warn("application close failed", zap.Error(cerr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Service) handleSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				s.reload()
			case syscall.SIGUSR1:
				if !s.supervisor.Cancel() {
					s.logger.Info("cancel ignored: no cycle is running")
				}
			}
		}
	}
}

func (s *Service) reload() {
	if err := s.supervisor.ReloadFromSource(); err != nil {
		s.logger.Error("reload failed", zap.Error(err))
	}
}

type sinkSettings struct {
	sink     string
	pushover config.PushoverConfig
	pubsub   config.PubSubConfig
}

func settingsOf(cfg *config.Config) sinkSettings {
	return sinkSettings{sink: cfg.Notifier.Sink, pushover: cfg.Pushover, pubsub: cfg.PubSub}
}

// sinkReloader rebuilds the notification sink only when its settings change.
func (s *Service) sinkReloader(initial *config.Config) supervisor.ReloadHook {
	var mu sync.Mutex
	current := settingsOf(initial)
	return func(cfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		next := settingsOf(cfg)
		if next == current {
			return
		}
		if err := s.app.SwapSink(context.Background(), cfg); err != nil {
			s.logger.Error("notification sink not replaced", zap.Error(err))
			return
		}
		current = next
		s.logger.Info("notification sink replaced", zap.String("sink", cfg.Notifier.Sink))
	}
}

func (s *Service) sendDigest(cfg *config.Config, res collection.Result) {
	if !cfg.Notifier.Digest {
		return
	}
	n, ok := notify.Digest(res)
	if !ok {
		return
	}
	if !s.app.Dispatcher().Enqueue(n) {
		s.logger.Warn("digest dropped: notification queue full")
	}
}

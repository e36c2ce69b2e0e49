// Package app initializes and holds long-lived services, acting as the
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/collection"
	"github.com/JakeFAU/linkwatch/internal/config"
	"github.com/JakeFAU/linkwatch/internal/extract"
	"github.com/JakeFAU/linkwatch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/linkwatch/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/linkwatch/internal/fetcher/headless"
	"github.com/JakeFAU/linkwatch/internal/linkwatch"
	"github.com/JakeFAU/linkwatch/internal/notify"
	pubsubsink "github.com/JakeFAU/linkwatch/internal/notify/pubsub"
	"github.com/JakeFAU/linkwatch/internal/notify/pushover"
	"github.com/JakeFAU/linkwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/linkwatch/internal/policy/robots"
	memorystore "github.com/JakeFAU/linkwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/linkwatch/internal/storage/postgres"
)

// App holds the shared services of one process.
type App struct {
	logger     *zap.Logger
	store      linkwatch.Store
	fetcher    *fetcher.Router
	dispatcher *notify.Dispatcher
	engine     *collection.Engine
}

// Option customizes New.
type Option func(*options)

type options struct {
	store linkwatch.Store
	sink  notify.Sink
}

// WithStore bypasses the configured database driver.
func WithStore(store linkwatch.Store) Option {
	return func(o *options) { o.store = store }
}

// WithSink bypasses the configured notification sink.
func WithSink(sink notify.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// New builds every service named by cfg. It fails fast when a dependency
// cannot be initialized and releases whatever was already built.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app requires a configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{logger: logger}

	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
	}
	a.store = store

	sink := o.sink
	if sink == nil {
		var err error
		sink, err = NewSink(ctx, cfg, logger)
		if err != nil {
			a.store.Close()
			return nil, err
		}
	}
	a.dispatcher = notify.NewDispatcher(sink, notify.Config{
		QueueDepth:     cfg.Notifier.QueueDepth,
		MaxRetries:     cfg.Notifier.MaxRetries,
		BackoffInitial: cfg.Notifier.BackoffInitial,
		BackoffMax:     cfg.Notifier.BackoffMax,
	}, logger.Named("notify"))

	a.fetcher = NewFetcher(cfg.HTTP, logger)

	engine, err := collection.New(collection.Deps{
		Fetcher:   a.fetcher,
		Extractor: extract.New(),
		Store:     a.store,
		Emitter:   a.dispatcher,
	}, logger.Named("engine"))
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = engine

	logger.Info("application services initialized",
		zap.String("database", cfg.Database.Driver),
		zap.String("sink", sink.Name()),
		zap.Int("targets", len(cfg.Targets)))
	return a, nil
}

// OpenStore connects to the configured database and applies the schema when asked.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (linkwatch.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; state is lost on exit")
		return memorystore.New(), nil
	case config.DriverPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("database schema applied")
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

// NewSink builds the notification sink selected by cfg.Notifier.Sink.
func NewSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Sink, error) {
	switch cfg.Notifier.Sink {
	case config.SinkPushover:
		sink, err := pushover.New(pushover.Config{
			Token:    cfg.Pushover.Token,
			User:     cfg.Pushover.User,
			Endpoint: cfg.Pushover.Endpoint,
			Timeout:  cfg.HTTP.Timeout,
		}, &http.Client{Timeout: cfg.HTTP.Timeout})
		if err != nil {
			return nil, fmt.Errorf("init pushover sink: %w", err)
		}
		return sink, nil
	case config.SinkPubSub:
		sink, err := pubsubsink.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		logger.Info("publishing notifications to pubsub", zap.String("topic", cfg.PubSub.Topic))
		return sink, nil
	case config.SinkLog:
		return notify.NewLogSink(logger.Named("notifications")), nil
	case config.SinkNone:
		return notify.Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown notification sink: %s", cfg.Notifier.Sink)
	}
}

// NewFetcher builds the plain fetcher plus a lazily started headless browser
// for targets that ask to be rendered. Requests are spaced per host when
// cfg.PerHostRPS is set and checked against robots.txt when cfg.RespectRobots is.
func NewFetcher(cfg config.HTTPConfig, logger *zap.Logger) *fetcher.Router {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
	})
	var opts []fetcher.RouterOption
	if cfg.PerHostRPS > 0 {
		opts = append(opts, fetcher.WithWaiter(ratelimit.New(ratelimit.Config{
			RPS:   cfg.PerHostRPS,
			Burst: cfg.PerHostBurst,
		})))
	}
	if cfg.RespectRobots {
		opts = append(opts, fetcher.WithGate(robots.New(robots.Config{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.Timeout,
		}, nil, logger.Named("robots"))))
	}
	return fetcher.NewRouter(plain, func() linkwatch.Fetcher {
		logger.Info("starting headless browser")
		return headlessfetcher.NewChromedp(headlessfetcher.Config{
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.RenderTimeout,
		})
	}, opts...)
}

// Engine returns the collection engine.
func (a *App) Engine() *collection.Engine { return a.engine }

// Store returns the link store.
func (a *App) Store() linkwatch.Store { return a.store }

// Dispatcher returns the notification dispatcher.
func (a *App) Dispatcher() *notify.Dispatcher { return a.dispatcher }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// SwapSink rebuilds the sink from cfg and installs it, closing the old one.
// A failure keeps the current sink.
func (a *App) SwapSink(ctx context.Context, cfg *config.Config) error {
	sink, err := NewSink(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	old := a.dispatcher.Sink()
	a.dispatcher.SetSink(sink)
	closeSink(old, a.logger)
	return nil
}

// Close drains pending notifications and releases every service.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
		closeSink(a.dispatcher.Sink(), a.logger)
	}
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if err := a.logger.Sync(); err != nil {
		// Syncing stderr fails on some platforms; nothing useful to do.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func closeSink(sink notify.Sink, logger *zap.Logger) {
	c, ok := sink.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("sink close failed", zap.String("sink", sink.Name()), zap.Error(err))
	}
}

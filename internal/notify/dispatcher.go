package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/linkwatch"
	"github.com/JakeFAU/linkwatch/internal/metrics"
)

// Config controls queueing and retry behaviour of a Dispatcher.
type Config struct {
	QueueDepth     int
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func normalizeConfig(cfg Config) Config {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return cfg
}

// Stats are cumulative delivery counters.
type Stats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// Dispatcher queues notifications and delivers them on its own goroutine.
// It implements linkwatch.Emitter; Emit never blocks.
type Dispatcher struct {
	logger *zap.Logger
	retry  retrypolicy.RetryPolicy[any]

	sinkMu sync.RWMutex
	sink   Sink

	mu     sync.RWMutex
	closed bool
	queue  chan Notification

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

var _ linkwatch.Emitter = (*Dispatcher)(nil)

// NewDispatcher starts a dispatcher delivering to sink.
func NewDispatcher(sink Sink, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg = normalizeConfig(cfg)
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger: logger,
		sink:   sink,
		queue:  make(chan Notification, cfg.QueueDepth),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.retry = retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BackoffInitial, cfg.BackoffMax).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		AbortOnErrors(ErrPermanent).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			logger.Debug("retrying notification",
				zap.Int("attempt", e.Attempts()),
				zap.Error(e.LastError()))
		}).
		Build()
	go d.run()
	return d
}

// Emit queues a new-link notification, dropping it when the queue is full.
func (d *Dispatcher) Emit(evt linkwatch.NewLinkEvent) {
	d.Enqueue(NewLinkNotification(evt))
}

// Enqueue queues n without blocking and reports whether it was accepted.
func (d *Dispatcher) Enqueue(n Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(n, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.drop(n, "queue full")
		return false
	}
}

// SetSink swaps the delivery target. Queued notifications go to the new sink.
func (d *Dispatcher) SetSink(sink Sink) {
	if sink == nil {
		sink = Discard{}
	}
	d.sinkMu.Lock()
	defer d.sinkMu.Unlock()
	d.sink = sink
}

// Sink returns the current delivery target.
func (d *Dispatcher) Sink() Sink {
	d.sinkMu.RLock()
	defer d.sinkMu.RUnlock()
	return d.sink
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
		Queued:  len(d.queue),
	}
}

// Close stops accepting notifications and waits for the queue to drain.
// If ctx ends first, in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	sink := d.Sink()
	err := failsafe.With(d.retry).WithContext(d.ctx).Run(func() error {
		return sink.Send(d.ctx, n)
	})
	if err != nil {
		d.failed.Add(1)
		metrics.ObserveNotification("failed")
		d.logger.Warn("notification delivery failed",
			zap.String("sink", sink.Name()),
			zap.String("kind", string(n.Kind)),
			zap.String("title", n.Title),
			zap.Error(err))
		return
	}
	d.sent.Add(1)
	metrics.ObserveNotification("sent")
}

func (d *Dispatcher) drop(n Notification, reason string) {
	d.dropped.Add(1)
	metrics.ObserveNotification("dropped")
	d.logger.Warn("notification dropped",
		zap.String("reason", reason),
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title))
}

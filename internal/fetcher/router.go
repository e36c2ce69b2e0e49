// Package fetcher routes targets to the plain HTTP or headless fetcher.
package fetcher

import (
	"context"
	"sync"

	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

// Closer is implemented by fetchers holding browser resources.
type Closer interface {
	Close()
}

// Waiter delays a request to rawURL, typically for per-host politeness.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Gate decides whether rawURL may be fetched at all.
type Gate interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithWaiter makes every fetch wait on w first.
func WithWaiter(w Waiter) RouterOption {
	return func(r *Router) { r.waiter = w }
}

// WithGate rejects URLs g disallows with a permanent FetchError.
func WithGate(g Gate) RouterOption {
	return func(r *Router) { r.gate = g }
}

// Router sends targets with Render set to the headless fetcher, which is
// built on first use.
type Router struct {
	plain       linkwatch.Fetcher
	newHeadless func() linkwatch.Fetcher
	waiter      Waiter
	gate        Gate

	mu       sync.Mutex
	headless linkwatch.Fetcher
}

// NewRouter constructs a Router. newHeadless may be nil, in which case
// rendered targets fall back to the plain fetcher.
func NewRouter(plain linkwatch.Fetcher, newHeadless func() linkwatch.Fetcher, opts ...RouterOption) *Router {
	r := &Router{plain: plain, newHeadless: newHeadless}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch implements linkwatch.Fetcher.
func (r *Router) Fetch(ctx context.Context, target linkwatch.Target) ([]byte, error) {
	if r.gate != nil && !r.gate.Allowed(ctx, target.URL) {
		return nil, &linkwatch.FetchError{URL: target.URL, Err: linkwatch.ErrDisallowed}
	}
	if r.waiter != nil {
		if err := r.waiter.Wait(ctx, target.URL); err != nil {
			return nil, &linkwatch.FetchError{URL: target.URL, Transient: true, Err: err}
		}
	}
	if target.Render && r.newHeadless != nil {
		return r.headlessFetcher().Fetch(ctx, target)
	}
	return r.plain.Fetch(ctx, target)
}

// Close releases the headless browser if it was started.
func (r *Router) Close() {
	r.mu.Lock()
	headless := r.headless
	r.mu.Unlock()
	if c, ok := headless.(Closer); ok {
		c.Close()
	}
}

func (r *Router) headlessFetcher() linkwatch.Fetcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headless == nil {
		r.headless = r.newHeadless()
	}
	return r.headless
}

// Package memory contains an in-memory notification sink for tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/linkwatch/internal/notify"
)

// Sink stores delivered notifications for inspection.
type Sink struct {
	mu       sync.RWMutex
	messages []notify.Notification
	failures []error
	attempts int
}

var _ notify.Sink = (*Sink)(nil)

// New returns a memory Sink.
func New() *Sink {
	return &Sink{}
}

// FailNext makes the next len(errs) Send calls return errs in order.
func (s *Sink) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Name implements notify.Sink.
func (*Sink) Name() string { return "memory" }

// Send records n unless a queued failure is pending.
func (s *Sink) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	s.messages = append(s.messages, n)
	return nil
}

// Messages returns the recorded notifications.
func (s *Sink) Messages() []notify.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notify.Notification, len(s.messages))
	copy(out, s.messages)
	return out
}

// Attempts counts Send calls, failed ones included.
func (s *Sink) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// Package notify delivers new-link notifications out of band from collection cycles.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

// Kind tells sinks what a Notification describes.
type Kind string

// Notification kinds.
const (
	KindNewLink Kind = "new_link"
	KindDigest  Kind = "digest"
)

// ErrPermanent marks delivery failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// Permanent wraps err so the dispatcher stops retrying it.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Notification is the sink-facing payload.
type Notification struct {
	Kind    Kind                    `json:"kind"`
	Title   string                  `json:"title"`
	Message string                  `json:"message"`
	URL     string                  `json:"url,omitempty"`
	Event   *linkwatch.NewLinkEvent `json:"event,omitempty"`
}

// Sink delivers one notification. Send may be retried.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// NewLinkNotification renders one new-link event.
func NewLinkNotification(evt linkwatch.NewLinkEvent) Notification {
	return Notification{
		Kind:    KindNewLink,
		Title:   "New link on " + evt.Target,
		Message: evt.Text + "\n" + evt.Href,
		URL:     ResolveHref(evt.PageURL, evt.Href),
		Event:   &evt,
	}
}

// ResolveHref makes href absolute against the page it was found on.
// Unparseable input returns href unchanged.
func ResolveHref(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// Discard drops every notification. It backs the "none" sink.
type Discard struct{}

// Name implements Sink.
func (Discard) Name() string { return "none" }

// Send implements Sink.
func (Discard) Send(context.Context, Notification) error { return nil }

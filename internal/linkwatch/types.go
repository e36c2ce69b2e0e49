// Package linkwatch defines the core types shared across the link collector.
package linkwatch

import (
	"fmt"
	"strings"
	"time"
)

// SelectorKind identifies the extraction strategy for a target.
type SelectorKind string

// Supported selector kinds.
const (
	KindCSS   SelectorKind = "css"
	KindXPath SelectorKind = "xpath"
)

// Selector pairs an expression with the strategy that evaluates it.
type Selector struct {
	Kind       SelectorKind
	Expression string
}

// String returns the kind-qualified form persisted in pages.extract.
func (s Selector) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.Expression)
}

// ParseSelectorKind normalizes a configured kind, defaulting to CSS.
func ParseSelectorKind(raw string) (SelectorKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "css", "structural":
		return KindCSS, nil
	case "xpath", "path", "path-query":
		return KindXPath, nil
	default:
		return "", fmt.Errorf("unknown selector kind %q", raw)
	}
}

// Target is one monitored (url, selector) pair.
type Target struct {
	Name     string
	URL      string
	Selector Selector
	// Render routes the fetch through the headless browser.
	Render bool
}

// Label returns the name used in logs and notifications.
func (t Target) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.URL
}

// Link is an extracted (href, text) pair. ID is zero until persisted.
type Link struct {
	ID   int64
	Href string
	Text string
}

// Key identifies a link within its page.
func (l Link) Key() LinkKey {
	return LinkKey{Href: l.Href, Text: l.Text}
}

// LinkKey is the per-page identity of a link.
type LinkKey struct {
	Href string
	Text string
}

// DiffResult is the outcome of reconciling observed links with a page's active set.
type DiffResult struct {
	New           []Link
	StillActive   []Link
	Reactivated   []Link
	NewlyInactive []Link
	// Observed holds every distinct link seen in this pass, in extraction order.
	Observed []Link
}

// ObservedIDs returns the IDs of Observed links.
func (d DiffResult) ObservedIDs() []int64 {
	ids := make([]int64, len(d.Observed))
	for i, l := range d.Observed {
		ids[i] = l.ID
	}
	return ids
}

// Dedupe drops repeated (href, text) pairs, keeping the first occurrence.
func Dedupe(links []Link) []Link {
	seen := make(map[LinkKey]struct{}, len(links))
	out := make([]Link, 0, len(links))
	for _, l := range links {
		if _, ok := seen[l.Key()]; ok {
			continue
		}
		seen[l.Key()] = struct{}{}
		out = append(out, l)
	}
	return out
}

// CollectionStats accumulates counts for one cycle.
type CollectionStats struct {
	Pages    int64
	Links    int64
	NewLinks int64
}

// Add returns the element-wise sum of two stats.
func (s CollectionStats) Add(other CollectionStats) CollectionStats {
	return CollectionStats{
		Pages:    s.Pages + other.Pages,
		Links:    s.Links + other.Links,
		NewLinks: s.NewLinks + other.NewLinks,
	}
}

// Collection mirrors a row of the collections table.
type Collection struct {
	ID        int64
	StartTime time.Time
	EndTime   *time.Time
	Stats     CollectionStats
}

// NewLinkEvent is emitted once per newly discovered link.
type NewLinkEvent struct {
	ID           string    `json:"id"`
	Target       string    `json:"target"`
	PageURL      string    `json:"page_url"`
	Href         string    `json:"href"`
	Text         string    `json:"text"`
	CollectionID int64     `json:"collection_id"`
	ObservedAt   time.Time `json:"observed_at"`
}

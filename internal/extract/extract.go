// Package extract turns fetched HTML into ordered link lists using CSS or
// XPath selectors.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

// Extractor dispatches on the selector kind. The XPath engine is created on
// first use only.
type Extractor struct {
	pathOnce   sync.Once
	path       *pathEngine
	pathLoaded atomic.Bool
}

// New returns an Extractor with no engines loaded.
func New() *Extractor {
	return &Extractor{}
}

// Extract evaluates sel against content and returns links in document order.
func (e *Extractor) Extract(content []byte, sel linkwatch.Selector) ([]linkwatch.Link, error) {
	switch sel.Kind {
	case linkwatch.KindCSS:
		return extractCSS(content, sel.Expression)
	case linkwatch.KindXPath:
		return e.pathEngine().extract(content, sel.Expression)
	default:
		return nil, linkwatch.ExtractionError(fmt.Errorf("unknown selector kind %q", sel.Kind))
	}
}

// PathQueryLoaded reports whether the XPath engine was ever initialized.
func (e *Extractor) PathQueryLoaded() bool {
	return e.pathLoaded.Load()
}

func (e *Extractor) pathEngine() *pathEngine {
	e.pathOnce.Do(func() {
		e.path = newPathEngine()
		e.pathLoaded.Store(true)
	})
	return e.path
}

// CompileCSS validates a CSS selector without parsing a document.
func CompileCSS(expression string) error {
	if _, err := cascadia.Compile(expression); err != nil {
		return linkwatch.ExtractionError(fmt.Errorf("compile css %q: %w", expression, err))
	}
	return nil
}

func extractCSS(content []byte, expression string) ([]linkwatch.Link, error) {
	matcher, err := cascadia.Compile(expression)
	if err != nil {
		return nil, linkwatch.ExtractionError(fmt.Errorf("compile css %q: %w", expression, err))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, linkwatch.ExtractionError(fmt.Errorf("parse html: %w", err))
	}
	selection := doc.FindMatcher(matcher)
	links := make([]linkwatch.Link, 0, selection.Length())
	selection.Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		links = append(links, newLink(href, s.Text()))
	})
	return links, nil
}

// newLink replaces invalid UTF-8 and NUL bytes so every link can be stored
// in a text column.
func newLink(href, text string) linkwatch.Link {
	return linkwatch.Link{Href: sanitize(href), Text: sanitize(text)}
}

func sanitize(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

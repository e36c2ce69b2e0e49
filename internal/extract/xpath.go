package extract

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"

	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

// pathEngine evaluates XPath expressions and caches their compiled form.
// Evaluation of a shared expression is serialized.
type pathEngine struct {
	mu       sync.Mutex
	compiled map[string]*xpath.Expr
	evalMu   sync.Mutex
}

func newPathEngine() *pathEngine {
	return &pathEngine{compiled: make(map[string]*xpath.Expr)}
}

func (p *pathEngine) compile(expression string) (*xpath.Expr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if expr, ok := p.compiled[expression]; ok {
		return expr, nil
	}
	expr, err := xpath.Compile(expression)
	if err != nil {
		return nil, linkwatch.ExtractionError(fmt.Errorf("compile xpath %q: %w", expression, err))
	}
	p.compiled[expression] = expr
	return expr, nil
}

// extract returns one link per element node the expression selects. An
// expression yielding a number, string or boolean is an extraction error, and
// selected attributes or text nodes are skipped.
func (p *pathEngine) extract(content []byte, expression string) ([]linkwatch.Link, error) {
	expr, err := p.compile(expression)
	if err != nil {
		return nil, err
	}
	doc, err := htmlquery.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, linkwatch.ExtractionError(fmt.Errorf("parse html: %w", err))
	}

	p.evalMu.Lock()
	defer p.evalMu.Unlock()
	result := expr.Evaluate(htmlquery.CreateXPathNavigator(doc))
	iter, ok := result.(*xpath.NodeIterator)
	if !ok {
		return nil, linkwatch.ExtractionError(
			fmt.Errorf("xpath %q yields %T, not a node-set", expression, result))
	}
	var links []linkwatch.Link
	for iter.MoveNext() {
		nav, ok := iter.Current().(*htmlquery.NodeNavigator)
		if !ok || nav.NodeType() != xpath.ElementNode {
			continue
		}
		n := nav.Current()
		if n.Type != html.ElementNode {
			continue
		}
		links = append(links, newLink(htmlquery.SelectAttr(n, "href"), htmlquery.InnerText(n)))
	}
	if links == nil {
		links = []linkwatch.Link{}
	}
	return links, nil
}

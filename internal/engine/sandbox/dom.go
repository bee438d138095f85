package sandbox

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// DOM is a private copy of a loaded page handed to scripts instead of the
// live document. Writes are applied to the copy and recorded as changes for
// the host to replay.
type DOM struct {
	url       *url.URL
	doc       *goquery.Document
	sanitizer *bluemonday.Policy
	changes   []DOMChange
	mu        sync.RWMutex
}

// NewDOM parses markup loaded from pageURL.
func NewDOM(pageURL, markup string) (*DOM, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid document URL: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return &DOM{
		url:       u,
		doc:       doc,
		sanitizer: bluemonday.UGCPolicy(),
		changes:   []DOMChange{},
	}, nil
}

// URL returns the document location.
func (d *DOM) URL() *url.URL {
	u := *d.url
	return &u
}

// Title returns the text of the first <title>.
func (d *DOM) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// Root returns the document node.
func (d *DOM) Root() *html.Node {
	return d.doc.Get(0)
}

// Query finds elements under scope (the whole document when nil) by CSS
// selector.
func (d *DOM) Query(scope *html.Node, selector string) []*html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sel := d.doc.Selection
	if scope != nil {
		sel = d.doc.FindNodes(scope)
	}
	return sel.Find(selector).Nodes
}

// Evaluate runs an XPath expression relative to scope. The result is a
// float64, string, bool or []*html.Node depending on the expression.
func (d *DOM) Evaluate(scope *html.Node, expr string) (any, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if scope == nil {
		scope = d.Root()
	}
	switch v := compiled.Evaluate(htmlquery.CreateXPathNavigator(scope)).(type) {
	case *xpath.NodeIterator:
		var nodes []*html.Node
		for v.MoveNext() {
			nodes = append(nodes, v.Current().(*htmlquery.NodeNavigator).Current())
		}
		return nodes, nil
	default:
		return v, nil
	}
}

// ByID returns the first element whose id attribute equals id.
func (d *DOM) ByID(id string) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	match := d.doc.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr("id")
		return v == id
	})
	if match.Length() == 0 {
		return nil
	}
	return match.Get(0)
}

// Find returns the first element matching an XPath expression.
func (d *DOM) Find(expr string) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return htmlquery.FindOne(d.Root(), expr)
}

// Attribute reads an attribute of n.
func (d *DOM) Attribute(n *html.Node, name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttribute writes an attribute of n.
func (d *DOM) SetAttribute(n *html.Node, name, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	selector := selectorFor(n)
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = value
			d.record(DOMChange{Type: "set_attribute", Selector: selector, Property: name, Value: value})
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
	d.record(DOMChange{Type: "set_attribute", Selector: selector, Property: name, Value: value})
}

// Text returns the text content of n.
func (d *DOM) Text(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return htmlquery.InnerText(n)
}

// SetText replaces the children of n with a single text node.
func (d *DOM) SetText(n *html.Node, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removeChildren(n)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	d.record(DOMChange{Type: "set_text", Selector: selectorFor(n), Value: text})
}

// InnerHTML renders the children of n.
func (d *DOM) InnerHTML(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return htmlquery.OutputHTML(n, false)
}

// SetInnerHTML sanitises markup and replaces the children of n with it.
func (d *DOM) SetInnerHTML(n *html.Node, markup string) error {
	clean := d.sanitizer.Sanitize(markup)

	d.mu.Lock()
	defer d.mu.Unlock()

	context := n
	if n.Type != html.ElementNode {
		context = &html.Node{Type: html.ElementNode, Data: "div"}
	}
	nodes, err := html.ParseFragment(strings.NewReader(clean), context)
	if err != nil {
		return fmt.Errorf("failed to parse markup: %w", err)
	}
	removeChildren(n)
	for _, child := range nodes {
		n.AppendChild(child)
	}
	d.record(DOMChange{Type: "set_html", Selector: selectorFor(n), Value: clean})
	return nil
}

// AddStyle appends a <style> element to the document head.
func (d *DOM) AddStyle(css string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	head := d.doc.Find("head").First()
	if head.Length() == 0 {
		return fmt.Errorf("document has no head")
	}
	style := &html.Node{Type: html.ElementNode, Data: "style", Attr: []html.Attribute{{Key: "type", Val: "text/css"}}}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	head.Get(0).AppendChild(style)

	d.record(DOMChange{Type: "add_style", Selector: "head", Value: css})
	return nil
}

// GetChanges returns accumulated DOM changes
func (d *DOM) GetChanges() []DOMChange {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]DOMChange{}, d.changes...)
}

// ChangesSince returns the changes recorded after the first n.
func (d *DOM) ChangesSince(n int) []DOMChange {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n >= len(d.changes) {
		return []DOMChange{}
	}
	return append([]DOMChange{}, d.changes[n:]...)
}

// ChangeCount returns the number of recorded changes.
func (d *DOM) ChangeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.changes)
}

// HTML renders the current state of the copy.
func (d *DOM) HTML() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.Html()
}

func (d *DOM) record(change DOMChange) {
	d.changes = append(d.changes, change)
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

// selectorFor builds a CSS selector that locates n in the original page.
func selectorFor(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := attr(cur, "id"); id != "" {
			parts = append(parts, "#"+id)
			break
		}
		part := cur.Data
		if idx := siblingIndex(cur); idx > 0 {
			part = fmt.Sprintf("%s:nth-of-type(%d)", cur.Data, idx)
		}
		parts = append(parts, part)
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// siblingIndex returns the 1-based position of n among same-tag siblings,
// or 0 when it is the only one.
func siblingIndex(n *html.Node) int {
	if n.Parent == nil {
		return 0
	}
	idx, count := 0, 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == n.Data {
			count++
			if c == n {
				idx = count
			}
		}
	}
	if count == 1 {
		return 0
	}
	return idx
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

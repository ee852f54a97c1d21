package dom

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// shadowRootAttr marks a declarative shadow root template.
const shadowRootAttr = "shadowrootmode"

// ErrNotAttached is returned when a mutation targets a node outside the document.
var ErrNotAttached = errors.New("node not attached to document")

// Document is an in-memory page built from HTML. Declarative shadow roots
// (<template shadowrootmode="open">) are exposed through ShadowRoot.
// It is safe for concurrent use.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	nodes     map[*html.Node]*Node
	next      Handle
	observers map[int]func(MutationRecord)
	nextObs   int
	selectors map[string]cascadia.Selector
}

// Parse builds a Document from HTML.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{
		root:      root,
		nodes:     make(map[*html.Node]*Node),
		observers: make(map[int]func(MutationRecord)),
		selectors: make(map[string]cascadia.Selector),
	}, nil
}

// ParseString builds a Document from an HTML string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// DocumentElement returns the <html> element.
func (d *Document) DocumentElement() *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return d.wrapLocked(c)
		}
	}
	return nil
}

// Body returns the <body> element, or nil.
func (d *Document) Body() *Node {
	return d.QuerySelector("body")
}

// QuerySelector returns the first element matching selector, or nil.
func (d *Document) QuerySelector(selector string) *Node {
	doc := d.DocumentElement()
	if doc == nil {
		return nil
	}
	if doc.TagName() == strings.ToLower(selector) {
		return doc
	}
	found, err := doc.QuerySelectorAll(selector)
	if err != nil || len(found) == 0 {
		return nil
	}
	return found[0].(*Node)
}

// Observe registers fn for mutation records.
func (d *Document) Observe(fn func(MutationRecord)) func() {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}
}

// Append parses markup as a fragment and appends the result to parent.
func (d *Document) Append(parent *Node, markup string) ([]*Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: parent.n.Data, DataAtom: parent.n.DataAtom}
	if ctx.DataAtom == 0 {
		ctx.DataAtom = atom.Div
		ctx.Data = "div"
	}
	frag, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}

	d.mu.Lock()
	var added []*Node
	for _, n := range frag {
		parent.n.AppendChild(n)
		if n.Type == html.ElementNode {
			added = append(added, d.wrapLocked(n))
		}
	}
	d.mu.Unlock()

	if len(added) > 0 {
		rec := MutationRecord{Added: make([]Element, len(added))}
		for i, n := range added {
			rec.Added[i] = n
		}
		d.notify(rec)
	}
	return added, nil
}

// Remove detaches n from its parent.
func (d *Document) Remove(n *Node) error {
	d.mu.Lock()
	if n.n.Parent == nil {
		d.mu.Unlock()
		return ErrNotAttached
	}
	n.n.Parent.RemoveChild(n.n)
	d.mu.Unlock()

	d.notify(MutationRecord{Removed: []Element{n}})
	return nil
}

// notify delivers rec to every observer outside the lock.
func (d *Document) notify(rec MutationRecord) {
	d.mu.Lock()
	observers := make([]func(MutationRecord), 0, len(d.observers))
	for fn := range maps.Values(d.observers) {
		observers = append(observers, fn)
	}
	d.mu.Unlock()

	for _, fn := range observers {
		fn(rec)
	}
}

// wrapLocked returns the stable wrapper for n. Caller must hold d.mu.
func (d *Document) wrapLocked(n *html.Node) *Node {
	if w, ok := d.nodes[n]; ok {
		return w
	}
	d.next++
	w := &Node{
		doc:         d,
		n:           n,
		handle:      d.next,
		paused:      true,
		rate:        1,
		defaultRate: 1,
		listeners:   make(map[string][]*Listener),
	}
	d.nodes[n] = w
	return w
}

// compileLocked returns a cached compiled selector. Caller must hold d.mu.
func (d *Document) compileLocked(selector string) (cascadia.Selector, error) {
	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

// isShadowTemplate reports whether n is a declarative shadow root.
func isShadowTemplate(n *html.Node) bool {
	if n.Type != html.ElementNode || n.DataAtom != atom.Template {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == shadowRootAttr {
			return true
		}
	}
	return false
}

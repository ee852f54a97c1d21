package dom

import (
	"slices"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Node is an element of a Document. Every Node also carries media state so
// that <video> and <audio> nodes satisfy Media; AsMedia filters by tag.
type Node struct {
	doc    *Document
	n      *html.Node
	handle Handle

	mu          sync.Mutex
	currentTime float64
	paused      bool
	rate        float64
	defaultRate float64
	listeners   map[string][]*Listener
	left, right []float64
	pos         int
}

// Handle returns the stable identity of the node.
func (e *Node) Handle() Handle { return e.handle }

// TagName returns the lower-case tag name.
func (e *Node) TagName() string { return strings.ToLower(e.n.Data) }

// Attr returns the value of the named attribute.
func (e *Node) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for _, a := range e.n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// Children returns the element children, skipping shadow root templates.
func (e *Node) Children() []Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var out []Element
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && !isShadowTemplate(c) {
			out = append(out, e.doc.wrapLocked(c))
		}
	}
	return out
}

// ShadowRoot returns the declarative shadow root of the node, or nil.
func (e *Node) ShadowRoot() Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if isShadowTemplate(c) {
			return e.doc.wrapLocked(c)
		}
	}
	return nil
}

// QuerySelectorAll returns the descendants matching selector. Matches inside
// nested shadow roots are excluded, as in a browser.
func (e *Node) QuerySelectorAll(selector string) ([]Element, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	sel, err := e.doc.compileLocked(selector)
	if err != nil {
		return nil, err
	}

	var out []Element
	for _, m := range sel.MatchAll(e.n) {
		if m == e.n || isShadowTemplate(m) || e.insideShadowLocked(m) {
			continue
		}
		out = append(out, e.doc.wrapLocked(m))
	}
	return out, nil
}

// insideShadowLocked reports whether m sits in a shadow tree below e.
func (e *Node) insideShadowLocked(m *html.Node) bool {
	for p := m.Parent; p != nil && p != e.n; p = p.Parent {
		if isShadowTemplate(p) {
			return true
		}
	}
	return false
}

// Parent returns the parent element, or nil for the root.
func (e *Node) Parent() *Node {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.n.Parent == nil || e.n.Parent.Type != html.ElementNode {
		return nil
	}
	return e.doc.wrapLocked(e.n.Parent)
}

// --- Media state ---

// CurrentTime returns the playback position in seconds.
func (e *Node) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTime
}

// SetCurrentTime seeks to t seconds.
func (e *Node) SetCurrentTime(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentTime = t
}

// Paused reports whether playback is paused.
func (e *Node) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Play starts playback. It does not dispatch the "play" event; use Dispatch.
func (e *Node) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	return nil
}

// Pause stops playback.
func (e *Node) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// PlaybackRate returns the current playback rate.
func (e *Node) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// SetPlaybackRate sets the playback rate.
func (e *Node) SetPlaybackRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = rate
}

// DefaultPlaybackRate returns the default playback rate.
func (e *Node) DefaultPlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defaultRate
}

// SetDefaultPlaybackRate sets the default playback rate.
func (e *Node) SetDefaultPlaybackRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultRate = rate
}

// AddEventListener registers l for event. Adding the same listener twice is a no-op.
func (e *Node) AddEventListener(event string, l *Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slices.Contains(e.listeners[event], l) {
		return
	}
	e.listeners[event] = append(e.listeners[event], l)
}

// RemoveEventListener unregisters l for event.
func (e *Node) RemoveEventListener(event string, l *Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = slices.DeleteFunc(e.listeners[event], func(x *Listener) bool {
		return x == l
	})
}

// ListenerCount returns the number of listeners registered for event.
func (e *Node) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Dispatch calls the listeners registered for event.
func (e *Node) Dispatch(event string) {
	e.mu.Lock()
	ls := slices.Clone(e.listeners[event])
	e.mu.Unlock()
	for _, l := range ls {
		l.Call()
	}
}

// SetSignal loads stereo PCM that the element plays in a loop.
func (e *Node) SetSignal(left, right []float64) {
	if len(right) == 0 {
		right = left
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left = slices.Clone(left)
	e.right = slices.Clone(right)
	e.pos = 0
}

// ReadSamples fills left and right with the next samples of the signal.
// Paused elements and elements without a signal produce silence.
func (e *Node) ReadSamples(left, right []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused || len(e.left) == 0 {
		clear(left)
		clear(right)
		return
	}
	for i := range left {
		left[i] = e.left[e.pos]
		right[i] = e.right[e.pos%len(e.right)]
		e.pos = (e.pos + 1) % len(e.left)
	}
}

// Package dom defines the page capabilities that media discovery and playback
// control need, and a native implementation backed by golang.org/x/net/html.
//
// Elements are identified by a Handle that stays stable for the lifetime of
// the page; side tables key on it instead of holding element references.
package dom

import "strings"

// Handle is the stable identity of an element within one page.
type Handle uint64

// Element is a DOM element.
type Element interface {
	Handle() Handle
	// TagName returns the lower-case tag name.
	TagName() string
	Attr(name string) (string, bool)
	// Children returns the element children, excluding shadow roots.
	Children() []Element
	// ShadowRoot returns the open shadow root, or nil.
	ShadowRoot() Element
	// QuerySelectorAll returns matching descendants in document order.
	// It does not descend into shadow roots.
	QuerySelectorAll(selector string) ([]Element, error)
}

// Media is a <video> or <audio> element.
type Media interface {
	Element
	CurrentTime() float64
	SetCurrentTime(t float64)
	Paused() bool
	Play() error
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	SetDefaultPlaybackRate(rate float64)
	AddEventListener(event string, l *Listener)
	RemoveEventListener(event string, l *Listener)
}

// Listener is an event callback with identity, so the same listener can be
// removed after it was added.
type Listener struct {
	fn func()
}

// NewListener wraps fn.
func NewListener(fn func()) *Listener {
	return &Listener{fn: fn}
}

// Call invokes the callback.
func (l *Listener) Call() {
	l.fn()
}

// MutationRecord describes a batch of tree changes.
type MutationRecord struct {
	Added   []Element
	Removed []Element
}

// Observable reports subtree mutations.
type Observable interface {
	// Observe registers fn and returns a function that unregisters it.
	Observe(fn func(MutationRecord)) (disconnect func())
}

// IsMediaTag reports whether tag names a media element.
func IsMediaTag(tag string) bool {
	tag = strings.ToLower(tag)
	return tag == "video" || tag == "audio"
}

// AsMedia returns el as Media if it is a media element.
func AsMedia(el Element) (Media, bool) {
	if el == nil || !IsMediaTag(el.TagName()) {
		return nil, false
	}
	m, ok := el.(Media)
	return m, ok
}

// Walk calls fn for el and every element below it, including shadow trees.
func Walk(el Element, fn func(Element)) {
	if el == nil {
		return
	}
	fn(el)
	if sr := el.ShadowRoot(); sr != nil {
		Walk(sr, fn)
	}
	for _, c := range el.Children() {
		Walk(c, fn)
	}
}

//go:build js

package browser

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/gopherjs/gopherjs/js"

	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
)

// handleKey is the property that carries an element's handle.
const handleKey = "__tabboostHandle"

// Document is the page document.
type Document struct {
	doc *js.Object

	mu        sync.Mutex
	next      dom.Handle
	listeners map[*dom.Listener]*js.Object
}

// NewDocument returns the global document.
func NewDocument() *Document {
	return &Document{
		doc:       js.Global.Get("document"),
		listeners: make(map[*dom.Listener]*js.Object),
	}
}

// DocumentElement returns the <html> element.
func (d *Document) DocumentElement() dom.Element {
	return d.wrap(d.doc.Get("documentElement"))
}

// wrap returns the Element for o, assigning a handle on first sight.
func (d *Document) wrap(o *js.Object) *Element {
	if !defined(o) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h := o.Get(handleKey); defined(h) {
		return &Element{doc: d, obj: o, handle: dom.Handle(h.Int64())}
	}
	d.next++
	o.Set(handleKey, float64(d.next))
	return &Element{doc: d, obj: o, handle: d.next}
}

func (d *Document) wrapAll(list *js.Object) []dom.Element {
	n := list.Length()
	out := make([]dom.Element, 0, n)
	for i := 0; i < n; i++ {
		item := list.Index(i)
		if item.Get("nodeType").Int() != 1 {
			continue
		}
		out = append(out, d.wrap(item))
	}
	return out
}

// jsListener returns the JavaScript function for l, creating it once.
func (d *Document) jsListener(l *dom.Listener, create bool) *js.Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.listeners[l]
	if !ok && create {
		fn = js.MakeFunc(func(*js.Object, []*js.Object) any {
			l.Call()
			return nil
		})
		d.listeners[l] = fn
	}
	return fn
}

// Observe reports element additions and removals anywhere in the document.
func (d *Document) Observe(fn func(dom.MutationRecord)) func() {
	observer := js.Global.Get("MutationObserver").New(func(records *js.Object) {
		var rec dom.MutationRecord
		for i := 0; i < records.Length(); i++ {
			r := records.Index(i)
			rec.Added = append(rec.Added, d.wrapAll(r.Get("addedNodes"))...)
			rec.Removed = append(rec.Removed, d.wrapAll(r.Get("removedNodes"))...)
		}
		if len(rec.Added) > 0 || len(rec.Removed) > 0 {
			fn(rec)
		}
	})
	observer.Call("observe", d.doc, map[string]any{"childList": true, "subtree": true})
	return func() { observer.Call("disconnect") }
}

// Element is a page element. Media elements also satisfy dom.Media.
type Element struct {
	doc    *Document
	obj    *js.Object
	handle dom.Handle
}

// Handle returns the element's handle.
func (e *Element) Handle() dom.Handle { return e.handle }

// TagName returns the lower-case tag name. Shadow roots have none.
func (e *Element) TagName() string {
	tag := e.obj.Get("tagName")
	if !defined(tag) {
		return ""
	}
	return strings.ToLower(tag.String())
}

// Attr returns the named attribute.
func (e *Element) Attr(name string) (string, bool) {
	if !defined(e.obj.Get("hasAttribute")) || !e.obj.Call("hasAttribute", name).Bool() {
		return "", false
	}
	return e.obj.Call("getAttribute", name).String(), true
}

// Children returns the element children.
func (e *Element) Children() []dom.Element {
	return e.doc.wrapAll(e.obj.Get("children"))
}

// ShadowRoot returns the open shadow root, or nil.
func (e *Element) ShadowRoot() dom.Element {
	sr := e.obj.Get("shadowRoot")
	if !defined(sr) {
		return nil
	}
	return e.doc.wrap(sr)
}

// QuerySelectorAll runs querySelectorAll. An invalid selector is an error.
func (e *Element) QuerySelectorAll(selector string) ([]dom.Element, error) {
	var out []dom.Element
	err := try(func() {
		out = e.doc.wrapAll(e.obj.Call("querySelectorAll", selector))
	})
	return out, err
}

// CurrentTime returns the playback position in seconds.
func (e *Element) CurrentTime() float64 { return e.obj.Get("currentTime").Float() }

// SetCurrentTime seeks to t.
func (e *Element) SetCurrentTime(t float64) { e.obj.Set("currentTime", t) }

// Paused reports whether playback is paused.
func (e *Element) Paused() bool { return e.obj.Get("paused").Bool() }

// PlaybackRate returns the playback rate.
func (e *Element) PlaybackRate() float64 { return e.obj.Get("playbackRate").Float() }

// SetPlaybackRate sets the playback rate.
func (e *Element) SetPlaybackRate(rate float64) { e.obj.Set("playbackRate", rate) }

// SetDefaultPlaybackRate sets the default playback rate.
func (e *Element) SetDefaultPlaybackRate(rate float64) { e.obj.Set("defaultPlaybackRate", rate) }

// Play starts playback. Autoplay rejections arrive later and are logged.
func (e *Element) Play() error {
	var promise *js.Object
	if err := try(func() { promise = e.obj.Call("play") }); err != nil {
		return err
	}
	if defined(promise) && defined(promise.Get("catch")) {
		promise.Call("catch", func(reason *js.Object) {
			slog.Debug("play rejected", "element", e.handle, "reason", reason.String())
		})
	}
	return nil
}

// AddEventListener attaches l for event.
func (e *Element) AddEventListener(event string, l *dom.Listener) {
	e.obj.Call("addEventListener", event, e.doc.jsListener(l, true))
}

// RemoveEventListener detaches l from event.
func (e *Element) RemoveEventListener(event string, l *dom.Listener) {
	fn := e.doc.jsListener(l, false)
	if fn == nil {
		return
	}
	e.obj.Call("removeEventListener", event, fn)
}

// jsObject returns the element behind a dom.Media.
func jsObject(m dom.Media) (*js.Object, error) {
	el, ok := m.(*Element)
	if !ok {
		return nil, errors.New("not a browser element")
	}
	return el.obj, nil
}

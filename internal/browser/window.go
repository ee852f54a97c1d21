//go:build js

package browser

import (
	"log/slog"

	"github.com/gopherjs/gopherjs/js"

	"github.com/oszuidwest/zwfm-tabboost/internal/frames"
)

// Window is the current frame's window.
type Window struct {
	win *js.Object
}

// NewWindow returns the global window.
func NewWindow() *Window {
	return &Window{win: js.Global.Get("window")}
}

// IsTop reports whether this is the top-level frame.
func (w *Window) IsTop() bool {
	top := true
	if err := try(func() { top = w.win.Get("top") == w.win.Get("self") }); err != nil {
		return false
	}
	return top
}

// Hostname returns location.hostname.
func (w *Window) Hostname() string {
	return w.win.Get("location").Get("hostname").String()
}

// Origin returns location.origin.
func (w *Window) Origin() string {
	return w.win.Get("location").Get("origin").String()
}

// PostToTop posts data to the top frame.
func (w *Window) PostToTop(data string) error {
	return try(func() {
		w.win.Get("top").Call("postMessage", data, "*")
	})
}

// AddMessageListener listens for window messages.
func (w *Window) AddMessageListener(fn func(frames.MessageEvent)) func() {
	handler := js.MakeFunc(func(_ *js.Object, args []*js.Object) any {
		if len(args) == 0 {
			return nil
		}
		ev := args[0]
		msg := frames.MessageEvent{Data: ev.Get("data")}
		if data := ev.Get("data"); defined(data) && data.Get("constructor") == js.Global.Get("String") {
			msg.Data = data.String()
		}
		if source := ev.Get("source"); defined(source) {
			origin := ev.Get("origin").String()
			if origin == "" || origin == "null" {
				origin = "*"
			}
			msg.Reply = func(resp string) error {
				return try(func() { source.Call("postMessage", resp, origin) })
			}
		}
		fn(msg)
		return nil
	})
	w.win.Call("addEventListener", "message", handler)
	return func() {
		if err := try(func() { w.win.Call("removeEventListener", "message", handler) }); err != nil {
			slog.Debug("failed to remove message listener", "error", err)
		}
	}
}

// OnActivate calls fn whenever the page becomes visible or gains focus.
func (w *Window) OnActivate(fn func()) {
	doc := w.win.Get("document")
	doc.Call("addEventListener", "visibilitychange", func() {
		if doc.Get("visibilityState").String() == "visible" {
			fn()
		}
	})
	w.win.Call("addEventListener", "focus", func() { fn() })
}

// Href returns location.href.
func (w *Window) Href() string {
	return w.win.Get("location").Get("href").String()
}

// SessionValue returns a value from sessionStorage, storing def under key
// when none exists yet.
func (w *Window) SessionValue(key, def string) string {
	value := def
	err := try(func() {
		store := w.win.Get("sessionStorage")
		if v := store.Call("getItem", key); defined(v) {
			value = v.String()
			return
		}
		store.Call("setItem", key, def)
	})
	if err != nil {
		slog.Debug("session storage unavailable", "error", err)
	}
	return value
}

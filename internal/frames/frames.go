// Package frames resolves the hostname a frame's settings are keyed on.
// Top frames use their own hostname and answer requests from embedded
// frames; embedded frames ask the top frame over window messaging and fall
// back to their own hostname when no answer arrives.
package frames

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// Wire message types.
const (
	TypeRequestTopHostname = "VVP_REQUEST_TOP_HOSTNAME"
	TypeTopHostnameInfo    = "VVP_TOP_HOSTNAME_INFO"
)

// Message is the JSON payload exchanged between frames.
type Message struct {
	Type         string `json:"type"`
	FromIframe   bool   `json:"fromIframe,omitempty"`
	IframeOrigin string `json:"iframeOrigin,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	Success      bool   `json:"success,omitempty"`
}

// MessageEvent is a message received by a window.
type MessageEvent struct {
	Data any
	// Reply posts data back to the sender. It is nil when the sender cannot
	// be answered.
	Reply func(data string) error
}

// Window is the messaging capability of one frame.
type Window interface {
	IsTop() bool
	Hostname() string
	Origin() string
	// PostToTop posts data to the top frame.
	PostToTop(data string) error
	// AddMessageListener registers fn and returns a function removing it.
	AddMessageListener(fn func(MessageEvent)) (remove func())
}

// ParseMessage validates a raw message event payload. Payloads from other
// scripts on the page are rejected: data must be a string holding a JSON
// object with one of the known types.
func ParseMessage(data any) (Message, bool) {
	s, ok := data.(string)
	if !ok {
		return Message{}, false
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return Message{}, false
	}
	if !strings.Contains(s, TypeRequestTopHostname) && !strings.Contains(s, TypeTopHostnameInfo) {
		return Message{}, false
	}

	var msg Message
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		return Message{}, false
	}
	if msg.Type != TypeRequestTopHostname && msg.Type != TypeTopHostnameInfo {
		return Message{}, false
	}
	return msg, true
}

// Serve answers hostname requests from embedded frames until stop is called.
func Serve(win Window) (stop func()) {
	hostname := win.Hostname()
	return win.AddMessageListener(func(ev MessageEvent) {
		msg, ok := ParseMessage(ev.Data)
		if !ok || msg.Type != TypeRequestTopHostname || ev.Reply == nil {
			return
		}
		resp, err := json.Marshal(Message{Type: TypeTopHostnameInfo, Hostname: hostname, Success: true})
		if err != nil {
			return
		}
		if err := ev.Reply(string(resp)); err != nil {
			slog.Warn("failed to answer hostname request", "origin", msg.IframeOrigin, "error", err)
			return
		}
		slog.Debug("answered hostname request", "origin", msg.IframeOrigin, "hostname", hostname)
	})
}

// Resolver resolves hostnames for a frame.
type Resolver struct {
	clock   clockwork.Clock
	delay   time.Duration
	timeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for the delay and timeout.
func WithClock(c clockwork.Clock) Option {
	return func(r *Resolver) {
		r.clock = c
	}
}

// WithTimeout overrides how long to wait for the top frame.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// NewResolver returns a Resolver with the default delay and timeout.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		clock:   clockwork.NewRealClock(),
		delay:   types.HostnameRequestDelay,
		timeout: types.HostnameRequestTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the hostname settings are keyed on for win. Top frames
// return their own hostname. Embedded frames wait briefly for the top
// frame's script to load, ask it, and fall back to their own hostname on
// timeout, send failure or cancellation. Only the first answer is used.
func (r *Resolver) Resolve(ctx context.Context, win Window) string {
	own := win.Hostname()
	if win.IsTop() {
		return own
	}

	answer := make(chan string, 1)
	var accepted atomic.Bool
	remove := win.AddMessageListener(func(ev MessageEvent) {
		msg, ok := ParseMessage(ev.Data)
		if !ok || msg.Type != TypeTopHostnameInfo {
			return
		}
		if !msg.Success || msg.Hostname == "" {
			slog.Debug("ignoring unsuccessful hostname response")
			return
		}
		if !accepted.CompareAndSwap(false, true) {
			slog.Debug("dropping duplicate hostname response", "hostname", msg.Hostname)
			return
		}
		answer <- msg.Hostname
	})
	defer remove()

	select {
	case <-r.clock.After(r.delay):
	case <-ctx.Done():
		return own
	}

	req, err := json.Marshal(Message{Type: TypeRequestTopHostname, FromIframe: true, IframeOrigin: win.Origin()})
	if err != nil {
		return own
	}
	if err := win.PostToTop(string(req)); err != nil {
		slog.Warn("failed to ask top frame for hostname", "error", err)
		return own
	}

	timer := r.clock.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case h := <-answer:
		return h
	case <-timer.Chan():
		slog.Info("top frame did not answer, using own hostname", "hostname", own)
		return own
	case <-ctx.Done():
		return own
	}
}

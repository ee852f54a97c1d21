// Package content is the per-frame side of the extension: it resolves which
// site a frame belongs to, keeps that site's settings, and applies them to
// every media element on the page.
package content

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// State is the initialization state of a SettingsHandler.
type State int

// Handler states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Fetcher fetches the settings of a site from the background.
type Fetcher interface {
	FetchSettings(ctx context.Context, hostname string) (protocol.InitialSettings, error)
}

// SettingsHandler caches the effective settings of one frame. It is safe
// for concurrent use.
type SettingsHandler struct {
	fetcher Fetcher

	mu       sync.Mutex
	state    State
	ready    chan struct{}
	hostname string
	settings types.AudioSettings
	enabled  bool
	isGlobal bool
	pushed   bool // an update arrived while the fetch was in flight
}

// NewSettingsHandler returns an uninitialized handler holding the defaults.
func NewSettingsHandler(f Fetcher) *SettingsHandler {
	return &SettingsHandler{
		fetcher:  f,
		ready:    make(chan struct{}),
		settings: types.DefaultAudioSettings(),
		enabled:  true,
		isGlobal: true,
	}
}

// Initialize starts fetching the settings of hostname. Later calls are no-ops.
func (h *SettingsHandler) Initialize(ctx context.Context, hostname string) {
	h.mu.Lock()
	if h.state != StateUninitialized {
		h.mu.Unlock()
		return
	}
	h.state = StateInitializing
	h.hostname = hostname
	h.mu.Unlock()

	go h.fetch(ctx, hostname)
}

func (h *SettingsHandler) fetch(ctx context.Context, hostname string) {
	res, err := h.fetcher.FetchSettings(ctx, hostname)

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case err != nil:
		slog.Warn("failed to fetch settings, using defaults", "hostname", hostname, "error", err)
	case h.pushed:
		slog.Debug("keeping settings pushed during fetch", "hostname", hostname)
	default:
		h.settings = res.Settings
		h.enabled = res.Enabled
		h.isGlobal = res.IsGlobal
	}
	h.state = StateReady
	close(h.ready)
}

// EnsureInitialized waits for an outstanding fetch. It returns at once when
// Initialize was never called.
func (h *SettingsHandler) EnsureInitialized(ctx context.Context) error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state == StateUninitialized {
		return nil
	}
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the initialization state.
func (h *SettingsHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Hostname returns the hostname passed to Initialize.
func (h *SettingsHandler) Hostname() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hostname
}

// Settings returns the cached settings.
func (h *SettingsHandler) Settings() types.AudioSettings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

// Enabled reports whether the site is enabled.
func (h *SettingsHandler) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// IsGlobal reports whether the site follows the global settings.
func (h *SettingsHandler) IsGlobal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isGlobal
}

// UpdateSettings replaces the cached settings. Nil flags keep their value.
func (h *SettingsHandler) UpdateSettings(settings types.AudioSettings, enabled, isGlobal *bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = settings
	if enabled != nil {
		h.enabled = *enabled
	}
	if isGlobal != nil {
		h.isGlobal = *isGlobal
	}
	if h.state == StateInitializing {
		h.pushed = true
	}
}

// NeedsAudioProcessing reports whether the cached settings need the audio
// graph: volume, bass or voice away from neutral, or mono on.
func (h *SettingsHandler) NeedsAudioProcessing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled && h.settings.NeedsAudioGraph()
}

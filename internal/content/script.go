package content

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/oszuidwest/zwfm-tabboost/internal/audiograph"
	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
	"github.com/oszuidwest/zwfm-tabboost/internal/frames"
	"github.com/oszuidwest/zwfm-tabboost/internal/media"
	"github.com/oszuidwest/zwfm-tabboost/internal/mediaproc"
	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// reapplyEvents are the media events after which settings are applied again.
var reapplyEvents = []string{"loadedmetadata", "canplay", "loadstart"}

// Config wires a Script to its page.
type Config struct {
	PageURL string
	// Version is announced in CONTENT_SCRIPT_READY.
	Version  string
	Window   frames.Window
	Document dom.Observable
	Root     dom.Element
	// NewAudioContext creates the page's audio context.
	NewAudioContext audiograph.ContextFactory
	// Clock drives the rescan debounce and hostname negotiation. Defaults
	// to the real clock.
	Clock clockwork.Clock
}

// elementListeners are the listeners attached to one media element.
type elementListeners struct {
	el      dom.Media
	play    *dom.Listener
	reapply *dom.Listener
}

// Script runs one frame: hostname resolution, settings, media discovery
// and playback control.
type Script struct {
	cfg      Config
	media    *media.Manager
	proc     *mediaproc.Processor
	resolver *frames.Resolver
	settings *SettingsHandler

	applyMu sync.Mutex // serializes applying settings to the page

	mu        sync.Mutex
	started   bool
	stopped   bool
	observer  *media.Observer
	stopServe func()
	listeners map[dom.Handle]*elementListeners
}

// NewScript returns a Script for the page in cfg. It does nothing until Start.
func NewScript(cfg Config) *Script {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Script{
		cfg:       cfg,
		media:     media.NewManager(cfg.PageURL, media.WithClock(cfg.Clock)),
		proc:      mediaproc.New(audiograph.NewProcessor(cfg.NewAudioContext)),
		resolver:  frames.NewResolver(frames.WithClock(cfg.Clock)),
		listeners: make(map[dom.Handle]*elementListeners),
	}
}

// Settings returns the frame's settings handler. It is nil before Start.
func (s *Script) Settings() *SettingsHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Processor returns the media processor.
func (s *Script) Processor() *mediaproc.Processor {
	return s.proc
}

// Start runs the frame until Stop. Privileged pages are left alone. An
// outdated script is stopped and Start returns types.ErrOutdatedClient.
func (s *Script) Start(ctx context.Context, t Transport) error {
	if s.media.Privileged() {
		slog.Debug("not running on privileged page", "url", s.cfg.PageURL)
		return nil
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.settings = NewSettingsHandler(t)
	settings := s.settings
	if s.cfg.Window.IsTop() {
		s.stopServe = frames.Serve(s.cfg.Window)
	}
	s.mu.Unlock()

	hostname := s.resolver.Resolve(ctx, s.cfg.Window)
	settings.Initialize(ctx, hostname)
	if err := settings.EnsureInitialized(ctx); err != nil {
		s.Stop()
		return err
	}

	isGlobal := settings.IsGlobal()
	err := t.Ready(ctx, protocol.ContentScriptReady{Hostname: hostname, UsingGlobal: &isGlobal, Version: s.cfg.Version})
	if errors.Is(err, types.ErrOutdatedClient) {
		slog.Warn("content script outdated, shutting down", "version", s.cfg.Version)
		s.Stop()
		return types.ErrOutdatedClient
	}
	if err != nil {
		slog.Warn("failed to announce content script", "hostname", hostname, "error", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.observer = s.media.SetupMediaElementObserver(s.cfg.Document, s.cfg.Root, s.onAdded, s.onRemoved)
	s.mu.Unlock()

	found := s.media.FindMediaElements(s.cfg.Root, 0)
	s.track(found)
	s.apply()

	slog.Info("content script started", "hostname", hostname, "media", len(found))
	return nil
}

// HandlePush applies a message pushed by the background.
func (s *Script) HandlePush(env protocol.Envelope) {
	if env.Type != protocol.TypeUpdateSettings {
		slog.Debug("ignoring push", "type", env.Type)
		return
	}
	msg, err := protocol.DecodeAndValidate[protocol.UpdateSettings](env.Data)
	if err != nil {
		slog.Debug("ignoring invalid settings push", "error", err)
		return
	}

	s.mu.Lock()
	settings := s.settings
	running := s.started && !s.stopped
	s.mu.Unlock()
	if settings == nil || !running {
		return
	}

	settings.UpdateSettings(msg.Settings, msg.Enabled, msg.IsGlobal)
	if settings.State() == StateReady {
		s.apply()
	}
}

// Activate tells the background this frame's tab is the active tab.
func (s *Script) Activate(ctx context.Context, t Transport) error {
	return t.TabActivated(ctx)
}

// Stop disconnects the observer, removes every listener and releases all
// audio processing.
func (s *Script) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	observer := s.observer
	stopServe := s.stopServe
	listeners := s.listeners
	s.listeners = make(map[dom.Handle]*elementListeners)
	s.mu.Unlock()

	if observer != nil {
		observer.Disconnect()
	}
	if stopServe != nil {
		stopServe()
	}
	for _, l := range listeners {
		detach(l)
	}

	s.applyMu.Lock()
	s.proc.Cleanup()
	s.applyMu.Unlock()
}

func (s *Script) onAdded(found []dom.Media) {
	s.track(found)
	s.apply()
}

func (s *Script) onRemoved(removed []dom.Media) {
	s.mu.Lock()
	var gone []*elementListeners
	for _, el := range removed {
		if l, ok := s.listeners[el.Handle()]; ok {
			gone = append(gone, l)
			delete(s.listeners, el.Handle())
		}
	}
	s.mu.Unlock()

	for _, l := range gone {
		detach(l)
	}
	s.applyMu.Lock()
	s.proc.Release(removed)
	s.applyMu.Unlock()
}

// track attaches listeners to elements seen for the first time. Known
// elements keep their listeners, which are removed and added again so a
// page that dropped them gets them back without duplicates.
func (s *Script) track(found []dom.Media) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for _, el := range found {
		l, ok := s.listeners[el.Handle()]
		if !ok {
			l = s.newListeners(el)
			s.listeners[el.Handle()] = l
		}
		detach(l)
		attach(l)
	}
}

func (s *Script) newListeners(el dom.Media) *elementListeners {
	return &elementListeners{
		el: el,
		play: dom.NewListener(func() {
			if err := s.proc.Audio().Resume(); err != nil {
				slog.Debug("audio context not resumed", "error", err)
			}
			s.applyTo([]dom.Media{el})
		}),
		reapply: dom.NewListener(func() {
			s.applyTo([]dom.Media{el})
		}),
	}
}

func attach(l *elementListeners) {
	l.el.AddEventListener("play", l.play)
	for _, ev := range reapplyEvents {
		l.el.AddEventListener(ev, l.reapply)
	}
}

func detach(l *elementListeners) {
	l.el.RemoveEventListener("play", l.play)
	for _, ev := range reapplyEvents {
		l.el.RemoveEventListener(ev, l.reapply)
	}
}

// Tracked returns the media elements the script attached to.
func (s *Script) Tracked() []dom.Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dom.Media, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.el)
	}
	return out
}

func (s *Script) apply() {
	s.applyTo(s.Tracked())
}

// applyTo applies the cached settings to elements. Disabled sites get
// their speed reset and all audio processing released.
func (s *Script) applyTo(elements []dom.Media) {
	s.mu.Lock()
	settings := s.settings
	stopped := s.stopped
	s.mu.Unlock()
	if settings == nil || stopped {
		return
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	current := settings.Settings()
	if !settings.Enabled() {
		current = types.DefaultAudioSettings()
	}
	if err := s.proc.ProcessMediaElements(elements, current, settings.NeedsAudioProcessing()); err != nil {
		slog.Warn("failed to process media elements", "error", err)
	}
	if !settings.Enabled() {
		s.proc.ResetAllToDisabled()
	}
}

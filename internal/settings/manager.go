// Package settings is the authoritative store of global and per-site audio
// settings. Mutations are committed in memory, announced through a Notifier,
// and persisted after a quiet period.
package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/oszuidwest/zwfm-tabboost/internal/debounce"
	"github.com/oszuidwest/zwfm-tabboost/internal/storage"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// Storage keys.
const (
	KeyGlobalSettings = "globalSettings"
	KeySiteSettings   = "siteSettings"
)

const (
	persistAttempts   = 3
	persistRetryDelay = 500 * time.Millisecond
	persistRetryMax   = 4 * time.Second
	maxHostnameLength = 253
)

// Notifier is told about committed changes. Calls happen synchronously
// after the change, before it is persisted.
type Notifier interface {
	GlobalChanged(settings types.AudioSettings)
	SiteChanged(hostname string, site types.SiteSettings)
}

// Manager holds the settings state. It is safe for concurrent use.
type Manager struct {
	store      storage.Store
	notifier   Notifier
	clock      clockwork.Clock
	delay      time.Duration
	retryDelay time.Duration

	init singleflight.Group

	mu          sync.RWMutex
	initialized bool
	global      types.AudioSettings
	sites       map[string]types.SiteSettings
	rev         uint64 // bumped by every committed change
	saved       uint64 // rev of the last successful write

	persist *debounce.Debouncer
	// persistSem serializes storage writes and reloads. A channel rather
	// than a mutex so waiters can give up with their context.
	persistSem chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for the persist debounce and retries.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithPersistDelay overrides the quiet period before a write.
func WithPersistDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.delay = d
	}
}

// WithRetryDelay overrides the initial delay between write attempts. Zero
// retries immediately.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.retryDelay = d
	}
}

// New returns an uninitialized Manager. A nil notifier discards notifications.
func New(store storage.Store, notifier Notifier, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		notifier:   notifier,
		clock:      clockwork.NewRealClock(),
		delay:      types.PersistDebounce,
		retryDelay: persistRetryDelay,
		global:     types.DefaultAudioSettings(),
		sites:      make(map[string]types.SiteSettings),
		persistSem: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	m.persist = debounce.New(m.delay, func() {
		if err := m.writeIfDirty(context.Background()); err != nil {
			slog.Error("failed to persist settings", "error", err)
		}
	}, debounce.WithClock(m.clock))
	return m
}

type nopNotifier struct{}

func (nopNotifier) GlobalChanged(types.AudioSettings)      {}
func (nopNotifier) SiteChanged(string, types.SiteSettings) {}

// Initialize loads the stored state once. Concurrent callers share the same
// load. A storage failure leaves the defaults in place and still marks the
// manager initialized.
func (m *Manager) Initialize(ctx context.Context) {
	if m.Initialized() {
		return
	}
	_, _, _ = m.init.Do("init", func() (any, error) {
		if m.Initialized() {
			return nil, nil
		}
		global, sites := m.load(ctx)

		m.mu.Lock()
		m.global = global
		m.sites = sites
		m.initialized = true
		m.mu.Unlock()

		slog.Info("settings loaded", "sites", len(sites))
		return nil, nil
	})
}

// EnsureInitialized waits until the stored state has been loaded.
func (m *Manager) EnsureInitialized(ctx context.Context) {
	m.Initialize(ctx)
}

// Initialized reports whether the stored state has been loaded.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// load reads both keys, falling back to defaults for anything unreadable.
func (m *Manager) load(ctx context.Context) (types.AudioSettings, map[string]types.SiteSettings) {
	global := types.DefaultAudioSettings()
	sites := make(map[string]types.SiteSettings)

	values, err := m.store.Get(ctx, KeyGlobalSettings, KeySiteSettings)
	if err != nil {
		slog.Warn("failed to load settings, using defaults", "error", err)
		return global, sites
	}
	if raw, ok := values[KeyGlobalSettings]; ok {
		if err := json.Unmarshal(raw, &global); err != nil {
			slog.Warn("ignoring unreadable global settings", "error", err)
			global = types.DefaultAudioSettings()
		}
	}
	if raw, ok := values[KeySiteSettings]; ok {
		if err := json.Unmarshal(raw, &sites); err != nil {
			slog.Warn("ignoring unreadable site settings", "error", err)
			sites = make(map[string]types.SiteSettings)
		}
	}
	for h, site := range sites {
		if validHostname(h) != nil {
			delete(sites, h)
			continue
		}
		if !site.ActiveSetting.Valid() {
			site.ActiveSetting = types.ModeGlobal
			sites[h] = site
		}
	}
	return global, sites
}

// GlobalSettings returns the current global settings.
func (m *Manager) GlobalSettings() types.AudioSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// GetSettingsForSite returns the record for hostname. Unknown hostnames
// yield an enabled global-mode record without creating an entry. In global
// mode Settings always holds the current global settings.
func (m *Manager) GetSettingsForSite(hostname string) types.SiteSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked(hostname)
}

// EffectiveSettings returns the settings playback uses on hostname along
// with the resolved site record.
func (m *Manager) EffectiveSettings(hostname string) (types.AudioSettings, types.SiteSettings) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	site := m.resolveLocked(hostname)
	return site.Effective(m.global), site
}

// StoredSiteSettings returns the site's own saved settings, if any,
// regardless of its mode.
func (m *Manager) StoredSiteSettings(hostname string) (types.AudioSettings, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	site, ok := m.sites[hostname]
	if !ok || site.Settings == nil {
		return types.AudioSettings{}, false
	}
	return *site.Settings, true
}

func (m *Manager) resolveLocked(hostname string) types.SiteSettings {
	site, ok := m.sites[hostname]
	if !ok {
		site = types.SiteSettings{Enabled: true, ActiveSetting: types.ModeGlobal}
	}
	site = site.Clone()
	if site.UsesGlobal() {
		global := m.global
		site.Settings = &global
	}
	return site
}

// UpdateGlobalSettings replaces the global settings.
func (m *Manager) UpdateGlobalSettings(ctx context.Context, settings types.AudioSettings) {
	m.EnsureInitialized(ctx)

	m.mu.Lock()
	m.global = settings
	m.rev++
	m.mu.Unlock()

	m.notifier.GlobalChanged(settings)
	m.persist.Trigger()
}

// UpdateSiteSettings saves settings for hostname and switches it to site mode.
func (m *Manager) UpdateSiteSettings(ctx context.Context, hostname string, settings types.AudioSettings) error {
	if err := validHostname(hostname); err != nil {
		return err
	}
	m.EnsureInitialized(ctx)

	m.mu.Lock()
	m.sites[hostname] = types.SiteSettings{
		Enabled:       true,
		ActiveSetting: types.ModeSite,
		Settings:      &settings,
	}
	m.rev++
	site := m.resolveLocked(hostname)
	m.mu.Unlock()

	m.notifier.SiteChanged(hostname, site)
	m.persist.Trigger()
	return nil
}

// UpdateSiteMode switches the mode of hostname. Saved site settings are
// kept in every mode; a site entering site mode without saved settings
// starts from the current global settings.
func (m *Manager) UpdateSiteMode(ctx context.Context, hostname string, mode types.Mode) error {
	if err := validHostname(hostname); err != nil {
		return err
	}
	if !mode.Valid() {
		return types.ErrInvalidMode
	}
	m.EnsureInitialized(ctx)

	m.mu.Lock()
	site, ok := m.sites[hostname]
	if !ok {
		site = types.SiteSettings{Enabled: true, ActiveSetting: types.ModeGlobal}
	}
	site = site.Clone()
	site.ActiveSetting = mode
	site.Enabled = mode != types.ModeDisabled
	if mode == types.ModeSite && site.Settings == nil {
		global := m.global
		site.Settings = &global
	}
	m.sites[hostname] = site
	m.rev++
	resolved := m.resolveLocked(hostname)
	m.mu.Unlock()

	slog.Info("site mode changed", "hostname", hostname, "mode", mode)
	m.notifier.SiteChanged(hostname, resolved)
	m.persist.Trigger()
	return nil
}

// DisableSite switches hostname to disabled mode.
func (m *Manager) DisableSite(ctx context.Context, hostname string) error {
	return m.UpdateSiteMode(ctx, hostname, types.ModeDisabled)
}

// Flush writes unsaved changes now. A write already in progress is waited
// for, and changes it failed to store are written again.
func (m *Manager) Flush(ctx context.Context) error {
	m.persist.Cancel()
	if err := m.lockPersist(ctx); err != nil {
		return err
	}
	defer m.unlockPersist()
	if !m.dirty() {
		return nil
	}
	return m.writeLocked(ctx)
}

// Shutdown writes pending changes before the process exits.
func (m *Manager) Shutdown(ctx context.Context) error {
	return util.WrapError("flush settings", m.Flush(ctx))
}

// Reload applies a change made to storage by another writer and notifies
// about every global or site record that differs. Local changes not yet
// written win: they are skipped over here and overwrite storage with the
// next write.
func (m *Manager) Reload(ctx context.Context) {
	if err := m.lockPersist(ctx); err != nil {
		return
	}
	defer m.unlockPersist()

	m.mu.RLock()
	before, unsaved := m.rev, m.rev != m.saved
	m.mu.RUnlock()
	if unsaved {
		slog.Info("ignoring storage change, local changes not yet written")
		return
	}

	global, sites := m.load(ctx)

	m.mu.Lock()
	if m.rev != before {
		m.mu.Unlock()
		slog.Info("ignoring storage change, settings changed during reload")
		return
	}
	globalChanged := m.global != global
	var changedSites []string
	for h, site := range sites {
		if old, ok := m.sites[h]; !ok || !sameSite(old, site) {
			changedSites = append(changedSites, h)
		}
	}
	for h := range m.sites {
		if _, ok := sites[h]; !ok {
			changedSites = append(changedSites, h)
		}
	}
	m.global = global
	m.sites = sites
	m.initialized = true
	resolved := make(map[string]types.SiteSettings, len(changedSites))
	for _, h := range changedSites {
		resolved[h] = m.resolveLocked(h)
	}
	m.mu.Unlock()

	if globalChanged {
		m.notifier.GlobalChanged(global)
	}
	for h, site := range resolved {
		m.notifier.SiteChanged(h, site)
	}
	slog.Info("settings reloaded from storage", "global_changed", globalChanged, "sites_changed", len(changedSites))
}

func (m *Manager) lockPersist(ctx context.Context) error {
	select {
	case m.persistSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (m *Manager) unlockPersist() {
	<-m.persistSem
}

func (m *Manager) dirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rev != m.saved
}

// writeIfDirty stores the current state unless it is already stored.
func (m *Manager) writeIfDirty(ctx context.Context) error {
	if err := m.lockPersist(ctx); err != nil {
		return err
	}
	defer m.unlockPersist()
	if !m.dirty() {
		return nil
	}
	return m.writeLocked(ctx)
}

// writeLocked stores a snapshot of the current state, retrying with
// backoff. The caller holds the persist lock, so the snapshot is taken after
// any earlier write finished and the last write carries the latest state.
func (m *Manager) writeLocked(ctx context.Context) error {
	m.mu.RLock()
	rev := m.rev
	sites := make(map[string]types.SiteSettings, len(m.sites))
	for h, site := range m.sites {
		sites[h] = site.Clone()
	}
	items := map[string]any{
		KeyGlobalSettings: m.global,
		KeySiteSettings:   sites,
	}
	m.mu.RUnlock()

	backoff := util.NewBackoff(m.retryDelay, persistRetryMax)
	err := util.Retry(ctx, m.clock, persistAttempts, backoff, func(attempt int) error {
		err := m.store.Set(ctx, items)
		if err != nil {
			slog.Warn("settings write failed", "attempt", attempt, "error", err)
			return err
		}
		slog.Debug("settings persisted", "sites", len(sites), "attempt", attempt)
		return nil
	})
	if err != nil {
		return util.WrapError("persist settings", err)
	}

	m.mu.Lock()
	m.saved = max(m.saved, rev)
	m.mu.Unlock()
	return nil
}

// Pending reports whether changes are waiting to be written or have not
// been stored yet.
func (m *Manager) Pending() bool {
	return m.persist.Pending() || m.dirty()
}

// Sites returns a copy of every stored site record.
func (m *Manager) Sites() map[string]types.SiteSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.SiteSettings, len(m.sites))
	for h, site := range m.sites {
		out[h] = site.Clone()
	}
	return out
}

func sameSite(a, b types.SiteSettings) bool {
	if a.Enabled != b.Enabled || a.ActiveSetting != b.ActiveSetting {
		return false
	}
	if a.Settings == nil || b.Settings == nil {
		return a.Settings == nil && b.Settings == nil
	}
	return *a.Settings == *b.Settings
}

// validHostname rejects empty, oversized and obviously malformed hostnames.
func validHostname(hostname string) error {
	if hostname == "" || len(hostname) > maxHostnameLength || strings.ContainsAny(hostname, " /\\\t\r\n") {
		return types.ErrInvalidHostname
	}
	return nil
}

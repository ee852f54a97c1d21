package server

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// sendBuffer is the per-connection outbound queue depth.
const sendBuffer = 16

// Role identifies what is on the other end of a connection.
type Role string

// Connection roles.
const (
	RoleContent Role = "content"
	RolePopup   Role = "popup"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleContent || r == RolePopup
}

// Conn is one connected frame or popup. Responses are queued in order;
// settings pushes are full snapshots, so only the newest unsent one is kept.
// The connection's writer goroutine drains both.
type Conn struct {
	ID      uuid.UUID
	TabID   int
	FrameID int
	Role    Role

	send      chan any
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	hostname string
	latest   *protocol.Envelope
}

// NewConn returns a Conn for the given tab, frame and role.
func NewConn(tabID, frameID int, role Role) *Conn {
	return &Conn{
		ID:      uuid.New(),
		TabID:   tabID,
		FrameID: frameID,
		Role:    role,
		send:    make(chan any, sendBuffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Hostname returns the hostname the frame announced, if any.
func (c *Conn) Hostname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostname
}

// Done is closed when the connection has gone away.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// respond queues a response, waiting for room in the queue. It reports false
// once the connection is gone.
func (c *Conn) respond(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

// pushLatest replaces any unsent settings push with env.
func (c *Conn) pushLatest(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.mu.Lock()
	replaced := c.latest != nil
	c.latest = &env
	c.mu.Unlock()
	if replaced {
		slog.Debug("superseded unsent settings push", "conn", c.ID, "tab", c.TabID)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// next returns the next message to write: queued responses first, then the
// pending settings push.
func (c *Conn) next() (any, bool) {
	select {
	case msg := <-c.send:
		return msg, true
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil, false
	}
	env := *c.latest
	c.latest = nil
	return env, true
}

// Resolver answers which settings a site currently uses.
type Resolver interface {
	GetSettingsForSite(hostname string) types.SiteSettings
}

// Hub tracks open connections and the active tab, and delivers settings
// changes to the frames they affect. It is safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	conns     map[uuid.UUID]*Conn
	activeTab int
	hasActive bool
	resolver  Resolver
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[uuid.UUID]*Conn)}
}

// SetResolver sets the source of per-site modes used when broadcasting
// global changes. Until set, global changes reach every content frame.
func (h *Hub) SetResolver(r Resolver) {
	h.mu.Lock()
	h.resolver = r
	h.mu.Unlock()
}

// Register adds c.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	total := len(h.conns)
	h.mu.Unlock()
	slog.Debug("connection registered", "conn", c.ID, "role", c.Role, "tab", c.TabID, "frame", c.FrameID, "total", total)
}

// Unregister removes c. Closing the last frame of the active tab clears it.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	if c.Role == RoleContent && h.hasActive && h.activeTab == c.TabID {
		_, tabOpen := lo.Find(lo.Values(h.conns), func(o *Conn) bool {
			return o.Role == RoleContent && o.TabID == c.TabID
		})
		h.hasActive = tabOpen
	}
	h.mu.Unlock()
	c.close()
	slog.Debug("connection unregistered", "conn", c.ID, "tab", c.TabID)
}

// SetHostname records the hostname a frame's settings are keyed on.
func (h *Hub) SetHostname(c *Conn, hostname string) {
	c.mu.Lock()
	c.hostname = hostname
	c.mu.Unlock()
}

// SetActiveTab marks tabID as the active tab.
func (h *Hub) SetActiveTab(tabID int) {
	h.mu.Lock()
	h.activeTab = tabID
	h.hasActive = true
	h.mu.Unlock()
}

// ActiveTab returns the active tab, if one is known.
func (h *Hub) ActiveTab() (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.activeTab, h.hasActive
}

// TabHostname returns the hostname of tabID. The top frame is preferred;
// otherwise any frame of the tab that announced one is used.
func (h *Hub) TabHostname(tabID int) (string, bool) {
	frames := lo.Filter(h.contentConns(), func(c *Conn, _ int) bool {
		return c.TabID == tabID && c.Hostname() != ""
	})
	if len(frames) == 0 {
		return "", false
	}
	if top, ok := lo.Find(frames, func(c *Conn) bool { return c.FrameID == 0 }); ok {
		return top.Hostname(), true
	}
	return lo.MinBy(frames, func(a, b *Conn) bool { return a.FrameID < b.FrameID }).Hostname(), true
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) contentConns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Filter(lo.Values(h.conns), func(c *Conn, _ int) bool {
		return c.Role == RoleContent
	})
}

// GlobalChanged pushes new global settings to every frame whose site
// follows them. Frames that have not announced a hostname are skipped.
func (h *Hub) GlobalChanged(global types.AudioSettings) {
	h.mu.RLock()
	resolver := h.resolver
	h.mu.RUnlock()

	sent := 0
	for _, c := range h.contentConns() {
		hostname := c.Hostname()
		if hostname == "" {
			continue
		}
		if resolver != nil {
			site := resolver.GetSettingsForSite(hostname)
			if !site.UsesGlobal() || !site.Enabled {
				continue
			}
		}
		if h.push(c, global, true, true) {
			sent++
		}
	}
	slog.Debug("global settings broadcast", "frames", sent)
}

// SiteChanged pushes the effective settings of hostname to its frames.
func (h *Hub) SiteChanged(hostname string, site types.SiteSettings) {
	sent := 0
	for _, c := range h.contentConns() {
		if c.Hostname() != hostname {
			continue
		}
		if h.PushSite(c, site) {
			sent++
		}
	}
	slog.Debug("site settings broadcast", "hostname", hostname, "frames", sent)
}

// PushSite pushes the effective settings of a resolved site record to c.
// Disabled sites receive the neutral settings.
func (h *Hub) PushSite(c *Conn, site types.SiteSettings) bool {
	var settings types.AudioSettings
	switch {
	case !site.Enabled || site.ActiveSetting == types.ModeDisabled:
		settings = types.DefaultAudioSettings()
	case site.Settings != nil:
		settings = *site.Settings
	default:
		settings = types.DefaultAudioSettings()
	}
	return h.push(c, settings, site.Enabled && site.ActiveSetting != types.ModeDisabled, site.UsesGlobal())
}

func (h *Hub) push(c *Conn, settings types.AudioSettings, enabled, isGlobal bool) bool {
	env, err := protocol.NewEnvelope(protocol.TypeUpdateSettings, "", protocol.UpdateSettings{
		Settings: settings,
		Enabled:  &enabled,
		IsGlobal: &isGlobal,
		Hostname: c.Hostname(),
	})
	if err != nil {
		slog.Error("failed to encode settings push", "error", err)
		return false
	}
	return c.pushLatest(env)
}

// Package media discovers <video> and <audio> elements on a page and watches
// the page for media being added or removed.
package media

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/oszuidwest/zwfm-tabboost/internal/debounce"
	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// MaxShadowDepth bounds recursion into nested shadow roots.
const MaxShadowDepth = 10

// privilegedSchemes are pages owned by the browser or an extension.
var privilegedSchemes = []string{"chrome-extension", "moz-extension", "chrome", "edge", "about"}

// Manager finds media elements on one page. It is safe for concurrent use.
type Manager struct {
	hostname   string
	privileged bool
	selectors  []string
	clock      clockwork.Clock
	scanDelay  time.Duration

	mu         sync.Mutex
	containers map[dom.Handle]struct{} // elements already classified as player containers
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for the rescan debounce.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithScanDelay overrides the rescan debounce.
func WithScanDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.scanDelay = d
	}
}

// NewManager creates a Manager for the page at pageURL.
func NewManager(pageURL string, opts ...Option) *Manager {
	m := &Manager{
		clock:      clockwork.NewRealClock(),
		scanDelay:  types.MediaScanDebounce,
		containers: make(map[dom.Handle]struct{}),
	}
	if u, err := url.Parse(pageURL); err == nil {
		m.hostname = u.Hostname()
		m.privileged = lo.Contains(privilegedSchemes, strings.ToLower(u.Scheme))
	}
	m.selectors = selectorsFor(m.hostname)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Privileged reports whether the page belongs to the browser or an extension.
func (m *Manager) Privileged() bool {
	return m.privileged
}

// FindMediaElements returns the distinct media elements below root, including
// those in shadow roots nested up to MaxShadowDepth levels. depth is the
// nesting level of root itself; callers start at 0.
func (m *Manager) FindMediaElements(root dom.Element, depth int) []dom.Media {
	if m.privileged || root == nil || depth > MaxShadowDepth {
		return nil
	}
	c := &collector{seen: make(map[dom.Handle]struct{})}
	m.collect(root, depth, c)
	return c.found
}

// collector accumulates unique media elements during one scan.
type collector struct {
	seen  map[dom.Handle]struct{}
	found []dom.Media
}

func (c *collector) add(el dom.Element) {
	media, ok := dom.AsMedia(el)
	if !ok {
		return
	}
	if _, dup := c.seen[el.Handle()]; dup {
		return
	}
	c.seen[el.Handle()] = struct{}{}
	c.found = append(c.found, media)
}

func (m *Manager) collect(root dom.Element, depth int, c *collector) {
	for _, sel := range m.selectors {
		matches, err := root.QuerySelectorAll(sel)
		if err != nil {
			slog.Warn("media selector failed", "selector", sel, "error", err)
			continue
		}
		for _, el := range matches {
			m.drillDown(el, c)
		}
	}

	// Pick up media in containers no selector knows about.
	direct, err := root.QuerySelectorAll(mediaSelector)
	if err != nil {
		slog.Warn("media query failed", "error", err)
	}
	for _, el := range direct {
		c.add(el)
	}

	if depth >= MaxShadowDepth {
		return
	}
	if sr := root.ShadowRoot(); sr != nil {
		m.collect(sr, depth+1, c)
	}
	all, err := root.QuerySelectorAll("*")
	if err != nil {
		slog.Warn("shadow host query failed", "error", err)
		return
	}
	for _, el := range all {
		if sr := el.ShadowRoot(); sr != nil {
			m.collect(sr, depth+1, c)
		}
	}
}

// drillDown adds el if it is media, otherwise the media inside the container.
// Containers are drilled into once; later scans rely on the direct media query.
func (m *Manager) drillDown(el dom.Element, c *collector) {
	if dom.IsMediaTag(el.TagName()) {
		c.add(el)
		return
	}

	m.mu.Lock()
	_, known := m.containers[el.Handle()]
	m.containers[el.Handle()] = struct{}{}
	m.mu.Unlock()
	if known {
		return
	}

	inner, err := el.QuerySelectorAll(mediaSelector)
	if err != nil {
		slog.Warn("container media query failed", "error", err)
		return
	}
	for _, media := range inner {
		c.add(media)
	}
}

// Forget drops tracking state for el and everything below it.
func (m *Manager) Forget(el dom.Element) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dom.Walk(el, func(e dom.Element) {
		delete(m.containers, e.Handle())
	})
}

// TrackedContainers returns the number of classified containers.
func (m *Manager) TrackedContainers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.containers)
}

// Observer watches a page for media changes.
type Observer struct {
	disconnect func()
	rescan     *debounce.Debouncer
	once       sync.Once
}

// Disconnect stops observation and drops a pending rescan.
func (o *Observer) Disconnect() {
	o.once.Do(func() {
		if o.disconnect != nil {
			o.disconnect()
		}
		if o.rescan != nil {
			o.rescan.Cancel()
		}
	})
}

// SetupMediaElementObserver watches doc for mutations below root. Added
// nodes trigger a full rescan after the scan debounce; onAdded receives the
// scan result. Removed media are reported to onRemoved immediately.
func (m *Manager) SetupMediaElementObserver(doc dom.Observable, root dom.Element, onAdded, onRemoved func([]dom.Media)) *Observer {
	if m.privileged {
		return &Observer{}
	}

	rescan := debounce.New(m.scanDelay, func() {
		onAdded(m.FindMediaElements(root, 0))
	}, debounce.WithClock(m.clock))

	disconnect := doc.Observe(func(rec dom.MutationRecord) {
		if len(rec.Added) > 0 {
			rescan.Trigger()
		}
		if len(rec.Removed) == 0 {
			return
		}
		var removed []dom.Media
		for _, el := range rec.Removed {
			dom.Walk(el, func(e dom.Element) {
				if media, ok := dom.AsMedia(e); ok {
					removed = append(removed, media)
				}
			})
			m.Forget(el)
		}
		removed = lo.UniqBy(removed, func(media dom.Media) dom.Handle { return media.Handle() })
		if len(removed) > 0 {
			onRemoved(removed)
		}
	})

	return &Observer{disconnect: disconnect, rescan: rescan}
}

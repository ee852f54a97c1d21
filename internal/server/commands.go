package server

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/settings"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// CommandHandler processes protocol messages.
type CommandHandler struct {
	settings *settings.Manager
	hub      *Hub
	version  string
}

// NewCommandHandler creates a new command handler. Content scripts whose
// major version differs from version are rejected as outdated.
func NewCommandHandler(m *settings.Manager, hub *Hub, version string) *CommandHandler {
	return &CommandHandler{
		settings: m,
		hub:      hub,
		version:  version,
	}
}

// Handle processes one message from c and answers it if it is a request.
// A panicking handler is answered with an internal error.
func (h *CommandHandler) Handle(ctx context.Context, c *Conn, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in command handler", "type", env.Type, "panic", r)
			SendError(c, env, errInternal)
		}
	}()

	switch env.Type {
	case protocol.TypeUpdateSettings:
		HandleCommand(c, env, func(req *protocol.UpdateSettings) (any, error) {
			return nil, h.updateSettings(ctx, c, req)
		})
	case protocol.TypeUpdateSiteMode:
		HandleCommand(c, env, func(req *protocol.UpdateSiteMode) (any, error) {
			return nil, h.settings.UpdateSiteMode(ctx, req.Hostname, req.Mode)
		})
	case protocol.TypeContentScriptReady:
		h.handleContentScriptReady(ctx, c, env)
	case protocol.TypeGetInitialSettings:
		HandleCommand(c, env, func(req *protocol.GetInitialSettings) (any, error) {
			return h.initialSettings(ctx, c, req)
		})
	case protocol.TypeTabActivated:
		HandleCommand(c, env, func(*protocol.TabActivated) (any, error) {
			if c.Role != RoleContent {
				return nil, types.ErrInvalidSender
			}
			h.hub.SetActiveTab(c.TabID)
			return nil, nil
		})
	default:
		slog.Warn("unknown message type", "type", env.Type, "conn", c.ID)
		SendError(c, env, fmt.Errorf("unknown message type %q", env.Type))
	}
}

// updateSettings applies an UPDATE_SETTINGS request. The hostname defaults to
// the sending frame's. Without isGlobal the site's current mode decides
// whether the global or the site settings change.
func (h *CommandHandler) updateSettings(ctx context.Context, c *Conn, req *protocol.UpdateSettings) error {
	hostname := req.Hostname
	if hostname == "" && c.Role == RoleContent {
		hostname = c.Hostname()
	}

	h.settings.EnsureInitialized(ctx)

	if req.Enabled != nil && !*req.Enabled {
		if hostname == "" {
			return types.ErrInvalidHostname
		}
		return h.settings.DisableSite(ctx, hostname)
	}

	var site types.SiteSettings
	if hostname != "" {
		site = h.settings.GetSettingsForSite(hostname)
	}

	isGlobal := hostname == "" || site.UsesGlobal()
	if req.IsGlobal != nil {
		isGlobal = *req.IsGlobal
	}

	if !isGlobal {
		if hostname == "" {
			return types.ErrInvalidHostname
		}
		return h.settings.UpdateSiteSettings(ctx, hostname, req.Settings)
	}

	h.settings.UpdateGlobalSettings(ctx, req.Settings)

	// An explicit switch back to global, or re-enabling a disabled site.
	reenable := req.Enabled != nil && *req.Enabled && site.ActiveSetting == types.ModeDisabled
	if hostname != "" && (site.ActiveSetting == types.ModeSite || reenable) {
		return h.settings.UpdateSiteMode(ctx, hostname, types.ModeGlobal)
	}
	return nil
}

// handleContentScriptReady registers the frame's hostname, answers, and then
// pushes the frame its settings.
func (h *CommandHandler) handleContentScriptReady(ctx context.Context, c *Conn, env protocol.Envelope) {
	req, err := protocol.DecodeAndValidate[protocol.ContentScriptReady](env.Data)
	if err != nil {
		SendError(c, env, err)
		return
	}
	if c.Role != RoleContent {
		SendError(c, env, types.ErrInvalidSender)
		return
	}
	if !compatibleVersion(h.version, req.Version) {
		slog.Info("rejected outdated content script", "version", req.Version, "want", h.version, "tab", c.TabID)
		SendError(c, env, types.ErrOutdatedClient)
		return
	}

	hostname := cmp.Or(req.Hostname, c.Hostname())
	if hostname == "" {
		SendError(c, env, types.ErrInvalidHostname)
		return
	}
	h.hub.SetHostname(c, hostname)

	h.settings.EnsureInitialized(ctx)
	site := h.settings.GetSettingsForSite(hostname)
	if req.UsingGlobal != nil && *req.UsingGlobal != site.UsesGlobal() {
		slog.Debug("content script has stale mode", "hostname", hostname, "using_global", *req.UsingGlobal)
	}

	SendSuccess(c, env, nil)
	h.hub.PushSite(c, site)
	slog.Debug("content script ready", "hostname", hostname, "tab", c.TabID, "frame", c.FrameID)
}

// initialSettings resolves a GET_INITIAL_SETTINGS request. Without a
// hostname a content frame asks about its own site, and the popup about the
// active tab's.
func (h *CommandHandler) initialSettings(ctx context.Context, c *Conn, req *protocol.GetInitialSettings) (protocol.InitialSettings, error) {
	hostname := req.Hostname
	if hostname == "" && c.Role == RoleContent {
		hostname = c.Hostname()
	}
	if hostname == "" {
		tab, ok := h.hub.ActiveTab()
		if !ok {
			return protocol.InitialSettings{}, types.ErrNoActiveTab
		}
		if hostname, ok = h.hub.TabHostname(tab); !ok {
			return protocol.InitialSettings{}, types.ErrNoActiveTab
		}
	}

	h.settings.EnsureInitialized(ctx)
	effective, site := h.settings.EffectiveSettings(hostname)
	resp := protocol.InitialSettings{
		Settings: effective,
		Enabled:  site.Enabled && site.ActiveSetting != types.ModeDisabled,
		IsGlobal: site.UsesGlobal(),
		Hostname: hostname,
		Mode:     cmp.Or(site.ActiveSetting, types.ModeGlobal),
	}
	if stored, ok := h.settings.StoredSiteSettings(hostname); ok {
		resp.SiteSettings = &stored
	}
	return resp, nil
}

// compatibleVersion reports whether a content script of version client may
// talk to a coordinator of version server. Unparseable or missing versions
// (development builds) are accepted.
func compatibleVersion(server, client string) bool {
	s, c := canonicalVersion(server), canonicalVersion(client)
	if !semver.IsValid(s) || !semver.IsValid(c) {
		return true
	}
	return semver.Major(s) == semver.Major(c)
}

// canonicalVersion returns the version in canonical semver format.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// NewUpgrader returns an upgrader accepting local origins and the given
// extension origins (e.g. "chrome-extension://<id>").
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := slices.Clone(allowedOrigins)
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, allowed)
		},
	}
}

// checkOrigin accepts connections without an Origin header (native
// clients such as tabboostctl), configured extension origins, and pages
// served from this machine or the local network.
func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(allowed, origin) {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		slog.Warn("rejected websocket origin", "origin", origin, "reason", "unparseable")
		return false
	}
	if isLocalHost(u.Hostname(), r.Host) {
		return true
	}

	slog.Warn("rejected websocket origin", "origin", origin, "reason", "not allowed")
	return false
}

// isLocalHost reports whether host names this machine, the host the request
// was sent to, or a private address.
func isLocalHost(host, requestHost string) bool {
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	switch host {
	case "localhost", requestHost:
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

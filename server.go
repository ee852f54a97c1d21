package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/oszuidwest/zwfm-tabboost/internal/config"
	"github.com/oszuidwest/zwfm-tabboost/internal/server"
	"github.com/oszuidwest/zwfm-tabboost/internal/settings"
)

// Server is the HTTP and WebSocket front of the settings coordinator.
type Server struct {
	config   *config.Config
	settings *settings.Manager
	hub      *server.Hub
	commands *server.CommandHandler
	upgrader *websocket.Upgrader
	version  *VersionChecker
}

// NewServer returns a new Server serving m to the frames registered in hub.
func NewServer(cfg *config.Config, m *settings.Manager, hub *server.Hub, version *VersionChecker) *Server {
	snap := cfg.Snapshot()
	return &Server{
		config:   cfg,
		settings: m,
		hub:      hub,
		commands: server.NewCommandHandler(m, hub, Version),
		upgrader: server.NewUpgrader(snap.AllowedOrigins),
		version:  version,
	}
}

// handleWebSocket serves one frame or popup connection. The query names the
// sender: tab and frame ids, and role content or popup.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := server.Role(q.Get("role"))
	if role == "" {
		role = server.RoleContent
	}
	if !role.Valid() {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}
	tab, err := queryInt(q.Get("tab"))
	if err != nil {
		http.Error(w, "invalid tab", http.StatusBadRequest)
		return
	}
	frame, err := queryInt(q.Get("frame"))
	if err != nil {
		http.Error(w, "invalid frame", http.StatusBadRequest)
		return
	}

	conn, err := server.UpgradeConnection(s.upgrader, w, r)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := server.NewConn(tab, frame, role)
	slog.Debug("websocket connected", "conn", c.ID, "role", role, "tab", tab, "frame", frame)
	server.NewSession(conn, c, s.hub, s.commands).Run(r.Context())
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/sites", func(r chi.Router) {
		r.Get("/", s.handleListSites)
		r.Get("/{hostname}", s.handleGetSite)
		r.Put("/{hostname}/mode", s.handleSetSiteMode)
	})

	return r
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start begins the HTTP server. WebSocket sessions end when ctx is done.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start(ctx context.Context) *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().Port)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:        addr,
		Handler:     s.SetupRoutes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}

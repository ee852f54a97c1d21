package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		body["details"] = verr
	}
	s.writeJSON(w, status, body)
}

// parseJSON reads, parses and validates JSON from the request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid JSON: "+err.Error()))
		return v, false
	}
	if err := protocol.Validate(&v); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return v, false
	}
	return v, true
}

// healthResponse is returned by /healthz.
type healthResponse struct {
	Status      string            `json:"status"`
	Initialized bool              `json:"initialized"`
	Connections int               `json:"connections"`
	Pending     bool              `json:"pending_write"`
	Version     types.VersionInfo `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Initialized: s.settings.Initialized(),
		Connections: s.hub.Len(),
		Pending:     s.settings.Pending(),
		Version:     s.version.Info(),
	})
}

// siteResponse is the resolved record of one site.
type siteResponse struct {
	Hostname  string              `json:"hostname"`
	Site      types.SiteSettings  `json:"site"`
	Effective types.AudioSettings `json:"effective"`
}

// handleListSites returns every stored site record, sorted by hostname.
func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	s.settings.EnsureInitialized(r.Context())

	sites := s.settings.Sites()
	hostnames := make([]string, 0, len(sites))
	for h := range sites {
		hostnames = append(hostnames, h)
	}
	sort.Strings(hostnames)

	out := make([]siteResponse, 0, len(hostnames))
	for _, h := range hostnames {
		effective, site := s.settings.EffectiveSettings(h)
		out = append(out, siteResponse{Hostname: h, Site: site, Effective: effective})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"global": s.settings.GlobalSettings(),
		"sites":  out,
	})
}

// handleGetSite returns the resolved record of one site. Unknown sites
// resolve to the global default without being stored.
func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	s.settings.EnsureInitialized(r.Context())

	hostname := chi.URLParam(r, "hostname")
	effective, site := s.settings.EffectiveSettings(hostname)
	s.writeJSON(w, http.StatusOK, siteResponse{Hostname: hostname, Site: site, Effective: effective})
}

// siteModeRequest is the body of PUT /api/sites/{hostname}/mode.
type siteModeRequest struct {
	Mode types.Mode `json:"mode" validate:"required,oneof=global site disabled"`
}

func (s *Server) handleSetSiteMode(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[siteModeRequest](s, w, r)
	if !ok {
		return
	}

	hostname := chi.URLParam(r, "hostname")
	if err := s.settings.UpdateSiteMode(r.Context(), hostname, req.Mode); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	effective, site := s.settings.EffectiveSettings(hostname)
	s.writeJSON(w, http.StatusOK, siteResponse{Hostname: hostname, Site: site, Effective: effective})
}

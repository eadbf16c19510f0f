package api

import (
	"errors"
	"net/http"

	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/mcp"
)

// serverView is one upstream server as reported by /v1/servers.
type serverView struct {
	mcp.ServerStatus
	Health *connwatch.Status `json:"health,omitempty"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "server manager not configured")
		return
	}
	entries := s.admin.Catalog()
	if entries == nil {
		entries = []mcp.CatalogEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": entries,
		"count": len(entries),
	}, s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "server manager not configured")
		return
	}

	health := make(map[string]connwatch.Status)
	if s.health != nil {
		for _, st := range s.health.Status() {
			health[st.Server] = st
		}
	}

	statuses := s.admin.Servers()
	views := make([]serverView, 0, len(statuses))
	for _, st := range statuses {
		v := serverView{ServerStatus: st}
		if h, ok := health[st.ID]; ok {
			v.Health = &h
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": views}, s.logger)
}

func (s *Server) handleToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.admin == nil {
			s.errorResponse(w, http.StatusServiceUnavailable, "server manager not configured")
			return
		}
		id := r.PathValue("id")
		if err := s.admin.ToggleServer(r.Context(), id, enabled); err != nil {
			// A failed connect still leaves the toggle applied.
			if errors.Is(err, mcp.ErrNotFound) {
				s.errorResponse(w, http.StatusNotFound, err.Error())
				return
			}
			s.logger.Warn("server toggle completed with error", "server", id, "error", err)
			s.errorResponse(w, http.StatusBadGateway, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"server": id, "enabled": enabled}, s.logger)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "server manager not configured")
		return
	}
	id := r.PathValue("id")
	err := s.admin.Refresh(r.Context(), id)
	switch {
	case errors.Is(err, mcp.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, mcp.ErrNotInitialized):
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"server": id, "refreshed": true}, s.logger)
}

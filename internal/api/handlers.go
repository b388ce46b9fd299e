package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Events:        s.events.Counts(),
	}
	if s.tasks != nil {
		resp.TasksRegistered = len(s.tasks.Names())
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleListTasks handles GET /tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	resp := TaskListResponse{Tasks: []TaskInfo{}}
	if s.tasks != nil {
		for _, name := range s.tasks.Names() {
			desc, ok := s.tasks.Lookup(name)
			if !ok {
				// Removed since Names was read.
				continue
			}
			resp.Tasks = append(resp.Tasks, TaskInfo{
				Name:    desc.Name,
				MinArgs: desc.MinArgs,
				MaxArgs: desc.MaxArgs,
			})
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	var names []string
	if s.tasks != nil {
		names = s.tasks.Names()
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.EndpointPath, names))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

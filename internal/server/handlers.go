package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const healthTimeout = 5 * time.Second

type componentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Healthy    bool              `json:"healthy"`
	Components []componentHealth `json:"components"`
}

// handleHealth answers 200 when every component is healthy and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, healthResponse{Healthy: true, Components: []componentHealth{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	healthy, reports := s.health.HealthCheck(ctx)
	resp := healthResponse{Healthy: healthy, Components: make([]componentHealth, 0, len(reports))}
	for _, rep := range reports {
		ch := componentHealth{Name: rep.Component, Healthy: rep.Healthy}
		if rep.Err != nil {
			ch.Error = rep.Err.Error()
		}
		resp.Components = append(resp.Components, ch)
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

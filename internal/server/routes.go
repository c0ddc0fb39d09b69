// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weft-dev/weft/internal/health"
	"github.com/weft-dev/weft/internal/resilience"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// ProviderStatus combines a provider's health view with its circuit
// state.
type ProviderStatus struct {
	health.ProviderHealth
	Circuit *resilience.CircuitSnapshot `json:"circuit,omitempty"`
}

// StatusReport is the full gateway health report served at /v1/health.
type StatusReport struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	Providers    []ProviderStatus `json:"providers"`
	RecentAlerts []health.Alert   `json:"recent_alerts"`
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleLiveness)
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/providers", s.handleProviders)
		r.Get("/providers/{name}/health", s.handleProviderHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/resources", s.handleResources)
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.statusReport())
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.statusReport().Providers)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ph, err := s.deps.Monitor.ProviderHealth(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.withCircuit(ph))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Orch.Metrics())
}

func (s *Server) handleResources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Resources.Snapshot())
}

func (s *Server) statusReport() StatusReport {
	report := s.deps.Monitor.Report()
	out := StatusReport{
		GeneratedAt:  report.GeneratedAt,
		Providers:    make([]ProviderStatus, 0, len(report.Providers)),
		RecentAlerts: report.RecentAlerts,
	}
	for _, ph := range report.Providers {
		out.Providers = append(out.Providers, s.withCircuit(ph))
	}
	return out
}

func (s *Server) withCircuit(ph health.ProviderHealth) ProviderStatus {
	ps := ProviderStatus{ProviderHealth: ph}
	if s.deps.Breakers != nil {
		if snap, ok := s.deps.Breakers.Snapshot(ph.Name); ok {
			ps.Circuit = &snap
		}
	}
	return ps
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = string(wefterr.CodeOf(err))
	body.Error.Message = err.Error()
	s.writeJSON(w, wefterr.HTTPStatus(err), body)
}

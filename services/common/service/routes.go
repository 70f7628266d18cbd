package service

import (
	"net/http"
	"time"

	"github.com/R3E-Network/microcredit_relay/internal/httputil"
	"github.com/R3E-Network/microcredit_relay/internal/metrics"
)

// =============================================================================
// Standard Response Types
// =============================================================================

// HealthResponse is the standard response for /health endpoint.
type HealthResponse struct {
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// InfoResponse is the standard response for /info endpoint.
type InfoResponse struct {
	Status     string         `json:"status"`
	Service    string         `json:"service"`
	Version    string         `json:"version"`
	Timestamp  string         `json:"timestamp"`
	Statistics map[string]any `json:"statistics,omitempty"`
}

// =============================================================================
// Standard Handlers
// =============================================================================

// HealthHandler returns a standardized /health handler. Degraded
// dependencies still answer 200 so the relay keeps receiving traffic; the
// status field carries the detail.
func HealthHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:    s.HealthStatus(r.Context()),
			Service:   s.Name(),
			Version:   s.Version(),
			Timestamp: time.Now().Format(time.RFC3339),
			Details:   s.HealthDetails(),
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// InfoHandler returns a standardized /info handler including statistics
// from the registered stats function.
func InfoHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := InfoResponse{
			Status:    "active",
			Service:   s.Name(),
			Version:   s.Version(),
			Timestamp: time.Now().Format(time.RFC3339),
		}
		if s.statsFn != nil {
			resp.Statistics = s.statsFn()
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// =============================================================================
// Route Registration
// =============================================================================

// RegisterStandardRoutes registers /health, /info and /metrics.
func (b *BaseService) RegisterStandardRoutes() {
	b.router.HandleFunc("/health", HealthHandler(b)).Methods(http.MethodGet)
	b.router.HandleFunc("/info", InfoHandler(b)).Methods(http.MethodGet)
	b.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

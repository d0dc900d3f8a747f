package server

import (
	"net/http"

	guard "github.com/eugener/aiguard/internal"
)

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports dependency readiness and the registered providers.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	providers := make([]string, 0, 3)
	for _, p := range guard.Providers() {
		providers = append(providers, string(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"providers": providers,
	})
}

// Package ops serves the agent's health and stats endpoint.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slsupport/email-agent/internal/agent"
	"github.com/slsupport/email-agent/internal/pkg/logger"
)

// Server exposes /health and /stats.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// New builds the ops server bound to addr.
func New(addr string, a *agent.Agent, log *logger.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, a.Stats())
	})

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		log:        log,
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Log(logger.Debug, "ops endpoint listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("ops endpoint", "error", err.Error())
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

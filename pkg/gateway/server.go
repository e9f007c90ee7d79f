// Package gateway is the HTTP surface of the orchestrator: invocation,
// session reads, cancellation, live SSE streaming, and the OAuth
// connect flow that populates workspace credentials.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/taskpilot/agentd/internal/config"
	"github.com/taskpilot/agentd/internal/metrics"
	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/pkg/admission"
	"github.com/taskpilot/agentd/pkg/relay"
	"github.com/taskpilot/agentd/pkg/secrets"
	"github.com/taskpilot/agentd/pkg/supervisor"
)

// Options configures the gateway server
type Options struct {
	Host string
	Port int
	// PublicBaseURL is the externally reachable base for OAuth
	// redirect URIs, e.g. "https://agentd.example.com".
	PublicBaseURL string
	Stream        config.StreamConfig
}

// Server is the orchestrator's HTTP API server
type Server struct {
	options    Options
	store      store.Store
	controller *admission.Controller
	supervisor *supervisor.Supervisor
	hub        *relay.Hub
	oauth      *OAuthManager
	metrics    *metrics.Metrics

	server         *http.Server
	startTime      time.Time
	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// NewServer creates the gateway server
func NewServer(options Options, st store.Store, controller *admission.Controller, sup *supervisor.Supervisor, hub *relay.Hub, cipher *secrets.Cipher, m *metrics.Metrics) *Server {
	if options.Port == 0 {
		options.Port = 8090
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	return &Server{
		options:    options,
		store:      st,
		controller: controller,
		supervisor: sup,
		hub:        hub,
		oauth:      NewOAuthManager(st, cipher, options.PublicBaseURL),
		metrics:    m,
		startTime:  time.Now(),
	}
}

// Routes returns the request mux. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/workspaces/{workspace}/agents/invoke", s.handleInvoke)
	mux.HandleFunc("GET /api/workspaces/{workspace}/agents/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/workspaces/{workspace}/agents/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/workspaces/{workspace}/agents/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/workspaces/{workspace}/agents/providers", s.handleListProviders)
	mux.HandleFunc("POST /api/workspaces/{workspace}/agents/providers/{provider}/connect", s.oauth.handleConnect)
	mux.HandleFunc("GET /api/workspaces/{workspace}/agents/providers/{provider}/callback", s.oauth.handleCallback)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

// Start runs the server until Stop is called. Blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting gateway server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	if s.server == nil {
		return nil
	}

	log.Info().Msg("Shutting down gateway server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	log.Info().Msg("Gateway server stopped")
	return nil
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/jogd/internal/auth"
	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/dispatch"
	"github.com/mattjoyce/jogd/internal/events"
)

// Dispatcher is the producer-facing view of dispatch.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, cmd command.Command, submittedBy string) (dispatch.Receipt, error)
	State() dispatch.State
	Depth() int
	Pending() []command.Command
	Stats() dispatch.Stats
	Err() error
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Auth resolves bearer tokens. When it has no credentials configured the
	// API is open, like the bare jog page it replaces.
	Auth *auth.Authenticator
	// Transport describes the sink in /status, e.g. "serial /dev/serial0@9600".
	Transport string
	// WSOriginPatterns are extra origins allowed to open /ws.
	WSOriginPatterns []string
	// Hooks accept HMAC-signed deliveries at /hooks/{name}.
	Hooks []Hook
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	disp      Dispatcher
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, disp Dispatcher, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		disp:      disp,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// SSE and WebSocket connections are long lived; handlers bound their own writes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if !s.config.Auth.Enabled() {
		s.logger.Warn("API authentication disabled; any client on the network can jog")
	}
	s.logger.Info("API server starting", "listen", s.config.Listen)

	// Run server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated: the jog page, ops probe and API description.
	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	// Signed hooks carry their own credential.
	r.Post("/hooks/{name}", s.handleHook)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeJogRW)).Post("/jog", s.handleJog)
		r.With(s.requireScopes(auth.ScopeJogRW)).Post("/stop", s.handleStop)
		r.With(s.requireScopes(auth.ScopeJogRW)).Get(wsPath, s.handleWS)
		r.With(s.requireScopes(auth.ScopeStatusRO)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeCommandRO, auth.ScopeStatusRO)).Get("/commands", s.handleCommands)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

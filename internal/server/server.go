package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/codee/internal/events"
	"github.com/jonathan/codee/internal/pipeline"
	"github.com/jonathan/codee/internal/providers"
	"github.com/jonathan/codee/internal/records"
	"github.com/jonathan/codee/internal/server/middleware"
	"github.com/jonathan/codee/internal/server/ratelimit"
)

// DefaultHeartbeat is how often an idle event stream sends a comment.
const DefaultHeartbeat = 15 * time.Second

// Jobs runs agent jobs in this process.
type Jobs interface {
	providers.Submitter
	State(jobID string) (pipeline.State, bool)
}

// Config holds server configuration
type Config struct {
	Port      string
	Heartbeat time.Duration
	RateLimit *ratelimit.Config
}

// Deps are the collaborators of a Server. Jobs and Events are required.
type Deps struct {
	Jobs   Jobs
	Events events.Log
	// Messages lists stored conversations. Without it follow-ups need
	// explicit prior turns and GET /jobs/{id}/messages is unavailable.
	Messages providers.MessageStore
	// Providers holds the hosted providers. The codee provider is built
	// from Jobs and Messages.
	Providers map[providers.Kind]providers.Provider
	Tokens    middleware.TokenValidator
	Keys      middleware.KeyVerifier
	// Drain waits for running jobs during shutdown.
	Drain func(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	jobs        Jobs
	events      events.Log
	messages    providers.MessageStore
	providers   map[providers.Kind]providers.Provider
	agents      *agentRegistry
	rateLimiter *ratelimit.Limiter
	validate    *validator.Validate
	heartbeat   time.Duration
	drain       func(ctx context.Context) error
}

// New creates a new server instance
func New(cfg Config, d Deps) (*Server, error) {
	if d.Jobs == nil {
		return nil, fmt.Errorf("job runner is required")
	}
	if d.Events == nil {
		return nil, fmt.Errorf("event log is required")
	}

	s := &Server{
		jobs:      d.Jobs,
		events:    d.Events,
		messages:  d.Messages,
		providers: make(map[providers.Kind]providers.Provider),
		agents:    newAgentRegistry(),
		validate:  newValidator(),
		heartbeat: cfg.Heartbeat,
		drain:     d.Drain,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = DefaultHeartbeat
	}
	if s.messages == nil {
		s.messages = noMessages{}
	}
	for kind, p := range d.Providers {
		s.providers[kind] = p
	}
	codee, err := providers.New(providers.KindCodee, providers.Deps{Submitter: d.Jobs, Messages: s.messages})
	if err != nil {
		return nil, err
	}
	s.providers[providers.KindCodee] = codee

	s.rateLimiter = ratelimit.NewLimiter(cfg.RateLimit)

	protect := middleware.AuthMiddleware(d.Tokens, d.Keys)
	if d.Tokens == nil && d.Keys == nil {
		log.Printf("[server] WARNING: no JWT secret or API keys configured, job routes are unauthenticated")
		protect = func(next http.Handler) http.Handler { return next }
	}
	route := func(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	route(mux, "POST /jobs", s.handleSubmit)
	route(mux, "POST /jobs/{id}/followup", s.handleFollowup)
	route(mux, "GET /jobs/{id}/messages", s.handleMessages)
	route(mux, "GET /jobs/{id}/events", s.handleEvents)
	route(mux, "GET /jobs/{id}/state", s.handleState)

	s.handler = s.withRateLimit(s.withLogging(s.withCORS(mux)))

	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	s.httpServer = &http.Server{
		Addr:        ":" + port,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// Event streams clear their own write deadline.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-stop:
	}
	log.Println("[server] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting requests, then waits for running jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if s.drain != nil {
		if err := s.drain(ctx); err != nil {
			return err
		}
	}
	log.Println("[server] stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, "+middleware.APIKeyHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(extractClientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[server] %s %s from %s in %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start).Round(time.Millisecond))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[server] failed to encode JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// fail writes err with the status HTTPStatus picks for it.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[server] request failed: %v", err)
	}
	s.errorResponse(w, status, err.Error())
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validationError converts the first validator failure to ErrValidation.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		ve := verrs[0]
		return &ErrValidation{Field: ve.Namespace(), Message: "failed on " + ve.Tag()}
	}
	return &ErrValidation{Field: "body", Message: err.Error()}
}

// extractClientID uses the IP address from RemoteAddr.
func extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}
	if info.RetryAfter > 0 {
		response["retry_after"] = int(info.RetryAfter.Seconds())
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(info.RetryAfter.Seconds())))
	}

	log.Printf("[rate-limit] limit exceeded: limit=%d reset=%s", info.Limit, info.ResetTime.Format(time.RFC3339))
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}

// noMessages stands in when no record store is configured.
type noMessages struct{}

func (noMessages) ListMessages(context.Context, string) ([]records.Message, error) {
	return nil, &ErrUnavailable{Feature: "record store"}
}

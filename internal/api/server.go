// Package api provides the HTTP routes and middleware for paywire.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paywire/paywire/internal/auth"
	"github.com/paywire/paywire/internal/billing"
	"github.com/paywire/paywire/internal/config"
	"github.com/paywire/paywire/internal/directory"
	"github.com/paywire/paywire/internal/webhook"
)

//go:embed static/*.html
var embeddedStatic embed.FS

// Server is the HTTP API server.
type Server struct {
	billing      *billing.Service
	webhooks     *webhook.Dispatcher
	authProvider auth.Provider
	directory    directory.Directory
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, svc *billing.Service, hooks *webhook.Dispatcher, ap auth.Provider, dir directory.Directory, logger *slog.Logger) (*Server, error) {
	static, err := staticFiles(cfg.Server.StaticDir)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		billing:      svc,
		webhooks:     hooks,
		authProvider: ap,
		directory:    dir,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}
	hooks.SetMaxBodyBytes(cfg.Server.MaxBodyBytes)

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(srv.requestLogMiddleware)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health and metrics (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	// Stripe deliveries; authenticity is the dispatcher's job.
	mux.Post("/webhook", hooks.ServeHTTP)
	mux.Get("/api/billing/plans", srv.handleGetPlans)

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.With(ipRateLimitMiddleware(srv.rl)).Post("/create-checkout-session", srv.handleCreateCheckoutSession)
		r.With(ipRateLimitMiddleware(srv.rl)).Post("/customer-portal", srv.handleCustomerPortal)
		r.Get("/api/billing/customer", srv.handleGetCustomer)
	})

	mux.Handle("/*", http.FileServer(http.FS(static)))

	srv.mux = mux
	return srv, nil
}

// staticFiles returns dir when set, otherwise the embedded pages.
func staticFiles(dir string) (fs.FS, error) {
	if dir != "" {
		return os.DirFS(dir), nil
	}
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		return nil, fmt.Errorf("embedded static files: %w", err)
	}
	return sub, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter state.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.directory.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

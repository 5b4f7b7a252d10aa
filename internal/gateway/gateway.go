// Package gateway ties the paywire components together and runs the HTTP
// server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/paywire/paywire/internal/api"
	"github.com/paywire/paywire/internal/auth"
	"github.com/paywire/paywire/internal/billing"
	"github.com/paywire/paywire/internal/config"
	"github.com/paywire/paywire/internal/directory"
	"github.com/paywire/paywire/internal/webhook"
)

// Gateway is the main paywire process.
type Gateway struct {
	cfg          *config.Config
	directory    directory.Directory
	authProvider auth.Provider
	webhooks     *webhook.Dispatcher
	api          *api.Server
	logger       *slog.Logger
}

// New creates a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	provider, err := billing.NewStripeProvider(cfg.Stripe.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("init stripe: %w", err)
	}
	return newGateway(cfg, provider, logger)
}

func newGateway(cfg *config.Config, provider billing.Provider, logger *slog.Logger) (*Gateway, error) {
	dir, err := directory.New(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("init directory: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	hooks, err := newDispatcher(cfg, logger)
	if err != nil {
		closeProvider(authProvider)
		_ = dir.Close()
		return nil, fmt.Errorf("init webhooks: %w", err)
	}

	svc := billing.NewService(provider, dir, billing.Options{
		SuccessURL:      cfg.SuccessURL(),
		CancelURL:       cfg.CancelURL(),
		PortalReturnURL: cfg.PortalReturnURL(),
		FallbackUserID:  fallbackUserID(cfg.Auth),
		Prices:          cfg.Checkout.Prices,
	}, logger)
	svc.RegisterHandlers(hooks)

	apiSrv, err := api.NewServer(cfg, svc, hooks, authProvider, dir, logger)
	if err != nil {
		closeProvider(authProvider)
		_ = dir.Close()
		return nil, fmt.Errorf("init api: %w", err)
	}

	g := &Gateway{
		cfg:          cfg,
		directory:    dir,
		authProvider: authProvider,
		webhooks:     hooks,
		api:          apiSrv,
		logger:       logger.With("component", "gateway"),
	}
	g.warnUnsafeSettings()
	return g, nil
}

// fallbackUserID names the owner of checkouts without a client reference.
// Only the single-user placeholder identity has one.
func fallbackUserID(cfg config.AuthConfig) string {
	if cfg.Provider == "placeholder" || cfg.Provider == "" {
		return cfg.PlaceholderUserID
	}
	return ""
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) (*webhook.Dispatcher, error) {
	switch cfg.WebhookMode() {
	case config.WebhookModeVerified:
		return webhook.NewVerified(cfg.Stripe.WebhookSecret, logger)
	case config.WebhookModeUnverified:
		if strings.TrimSpace(cfg.Stripe.WebhookSecret) != "" {
			return nil, fmt.Errorf("webhook secret is configured but webhook mode is unverified")
		}
		return webhook.NewUnverified(logger), nil
	default:
		return nil, fmt.Errorf("unknown webhook mode: %q", cfg.WebhookMode())
	}
}

// warnUnsafeSettings logs configuration that is acceptable for local
// development only.
func (g *Gateway) warnUnsafeSettings() {
	if g.webhooks.Mode() == webhook.ModeUnverified {
		g.logger.Warn("webhook signatures are NOT verified; anyone can forge events, set STRIPE_WEBHOOK_SECRET in production")
		if strings.HasPrefix(g.cfg.Stripe.SecretKey, "sk_live_") {
			g.logger.Error("live Stripe key used with unverified webhooks")
		}
	}
	if g.cfg.Directory.Driver == "memory" {
		g.logger.Warn("customer directory is in memory; associations are lost on restart")
	}
	if g.authProvider.Name() == "placeholder" {
		g.logger.Warn("placeholder identity in use; every request acts as the same user", "user_id", g.cfg.Auth.PlaceholderUserID)
	}
	for _, origin := range g.cfg.Server.AllowedOrigins {
		if origin == "*" {
			g.logger.Warn("CORS allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}
	if dir := g.cfg.Server.StaticDir; dir != "" {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			g.logger.Warn("static directory does not exist", "path", dir)
		}
	}
}

// Handler returns the HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.api.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Server.Addr)
	if err != nil {
		g.close()
		return fmt.Errorf("listen %s: %w", g.cfg.Server.Addr, err)
	}
	return g.serve(ctx, ln)
}

func (g *Gateway) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler: g.api.Handler(),
	}

	g.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("paywire listening",
			"addr", ln.Addr().String(),
			"base_url", g.cfg.Server.BaseURL,
			"webhook_mode", string(g.webhooks.Mode()),
			"directory", g.cfg.Directory.Driver,
			"auth", g.authProvider.Name(),
		)
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		g.close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		g.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (g *Gateway) close() {
	g.logger.Info("closing directory")
	if err := g.directory.Close(); err != nil {
		g.logger.Warn("close directory", "error", err)
	}
	closeProvider(g.authProvider)
}

func closeProvider(p auth.Provider) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

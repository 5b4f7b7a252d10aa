// Package auth resolves the identity of the user behind a request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/paywire/paywire/internal/config"
)

// SessionCookie carries a bearer token for browser form posts.
const SessionCookie = "paywire_session"

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string
	Username string
}

// Provider resolves the identity behind a request.
type Provider interface {
	Identify(r *http.Request) (*Identity, error)
	Name() string
}

// tokenValidator is implemented by providers that accept bearer tokens.
type tokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "placeholder", "":
		return NewPlaceholder(cfg.PlaceholderUserID), nil
	case "jwt":
		return NewJWTProvider(cfg.JWTSecret)
	case "clerk":
		return NewClerkProvider(cfg.ClerkIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

// PlaceholderProvider identifies every request as the same configured user.
type PlaceholderProvider struct {
	userID string
}

// NewPlaceholder creates a PlaceholderProvider for userID.
func NewPlaceholder(userID string) *PlaceholderProvider {
	if userID == "" {
		userID = "user_123"
	}
	return &PlaceholderProvider{userID: userID}
}

func (p *PlaceholderProvider) Identify(*http.Request) (*Identity, error) {
	return &Identity{UserID: p.userID, Username: p.userID}, nil
}

func (p *PlaceholderProvider) Name() string { return "placeholder" }

// bearerToken extracts the token from the Authorization header, falling
// back to the session cookie.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func identifyBearer(r *http.Request, v tokenValidator) (*Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrUnauthorized
	}
	return v.ValidateToken(r.Context(), token)
}

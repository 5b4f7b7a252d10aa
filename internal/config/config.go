// Package config handles paywire configuration loading and validation.
//
// Settings come from an optional JSON file, then from the process
// environment (a .env file in the working directory is loaded first when
// present). Environment values win over the file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// CheckoutSessionIDPlaceholder is substituted by Stripe with the session id
// when redirecting to the success URL.
const CheckoutSessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

// Webhook modes.
const (
	WebhookModeVerified   = "verified"
	WebhookModeUnverified = "unverified"
)

// knownWeakSecrets is a blocklist of JWT secrets that must never be used.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level paywire configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Stripe    StripeConfig    `json:"stripe"`
	Checkout  CheckoutConfig  `json:"checkout"`
	Auth      AuthConfig      `json:"auth"`
	Directory DirectoryConfig `json:"directory"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr" validate:"required"`              // e.g. ":4242"
	BaseURL         string   `json:"base_url" validate:"required,url"`      // public origin used in redirect URLs
	StaticDir       string   `json:"static_dir,omitempty"`                  // overrides the embedded pages
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`             // CORS origins; default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty" validate:"gte=0"` // default 64KB
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`            // default 30s
}

// StripeConfig holds the payment provider credentials.
type StripeConfig struct {
	SecretKey     string `json:"secret_key" validate:"required"`
	WebhookSecret string `json:"webhook_secret,omitempty" validate:"required_if=WebhookMode verified"`
	// WebhookMode pins the webhook mode. Empty selects verified when a
	// webhook secret is present and unverified otherwise. A configured
	// secret cannot be combined with unverified.
	WebhookMode string `json:"webhook_mode,omitempty" validate:"omitempty,oneof=verified unverified"`
}

// CheckoutConfig defines checkout and portal redirect targets.
type CheckoutConfig struct {
	SuccessPath      string            `json:"success_path,omitempty"`
	CancelPath       string            `json:"cancel_path,omitempty"`
	PortalReturnPath string            `json:"portal_return_path,omitempty"`
	Prices           map[string]string `json:"prices,omitempty"` // plan name -> Stripe price ID
}

// AuthConfig selects how the current user is identified.
type AuthConfig struct {
	Provider          string `json:"provider,omitempty" validate:"oneof=placeholder jwt clerk"`
	PlaceholderUserID string `json:"placeholder_user_id,omitempty" validate:"required"`
	JWTSecret         string `json:"jwt_secret,omitempty" validate:"required_if=Provider jwt,omitempty,min=32"`
	ClerkIssuer       string `json:"clerk_issuer,omitempty" validate:"required_if=Provider clerk,omitempty,url"`
}

// DirectoryConfig defines where customer associations are kept.
type DirectoryConfig struct {
	Driver    string `json:"driver" validate:"oneof=memory sqlite postgres redis"`
	DSN       string `json:"dsn,omitempty" validate:"required_unless=Driver memory"`
	KeyPrefix string `json:"key_prefix,omitempty"` // redis only
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" validate:"oneof=debug info warn error"`
	Format string `json:"format,omitempty" validate:"oneof=json text"`
}

// RateLimitConfig defines per-IP rate limiting on the public write routes.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" validate:"gt=0"` // default 5
	Burst             int     `json:"burst,omitempty" validate:"gt=0"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads the optional config file at path, overlays the environment,
// applies defaults and validates the result. An empty path means
// environment-only configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// envBindings maps environment variables onto config fields.
func (c *Config) envBindings() map[string]*string {
	return map[string]*string{
		"STRIPE_SECRET_KEY":        &c.Stripe.SecretKey,
		"STRIPE_WEBHOOK_SECRET":    &c.Stripe.WebhookSecret,
		"PAYWIRE_WEBHOOK_MODE":     &c.Stripe.WebhookMode,
		"PAYWIRE_ADDR":             &c.Server.Addr,
		"PAYWIRE_BASE_URL":         &c.Server.BaseURL,
		"PAYWIRE_STATIC_DIR":       &c.Server.StaticDir,
		"PAYWIRE_DIRECTORY_DRIVER": &c.Directory.Driver,
		"PAYWIRE_DIRECTORY_DSN":    &c.Directory.DSN,
		"PAYWIRE_AUTH_PROVIDER":    &c.Auth.Provider,
		"PAYWIRE_PLACEHOLDER_USER": &c.Auth.PlaceholderUserID,
		"PAYWIRE_JWT_SECRET":       &c.Auth.JWTSecret,
		"PAYWIRE_CLERK_ISSUER":     &c.Auth.ClerkIssuer,
		"PAYWIRE_LOG_LEVEL":        &c.Logging.Level,
		"PAYWIRE_LOG_FORMAT":       &c.Logging.Format,
	}
}

func (c *Config) applyEnv() {
	for key, field := range c.envBindings() {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*field = strings.TrimSpace(v)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":4242"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:4242"
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 * 1024 // 64KB
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 30 * time.Second
	}
	if c.Checkout.SuccessPath == "" {
		c.Checkout.SuccessPath = "/success.html"
	}
	if c.Checkout.CancelPath == "" {
		c.Checkout.CancelPath = "/canceled.html"
	}
	if c.Checkout.PortalReturnPath == "" {
		c.Checkout.PortalReturnPath = "/account.html"
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "placeholder"
	}
	if c.Auth.PlaceholderUserID == "" {
		c.Auth.PlaceholderUserID = "user_123"
	}
	if c.Directory.Driver == "" {
		c.Directory.Driver = "memory"
	}
	if c.Directory.KeyPrefix == "" {
		c.Directory.KeyPrefix = "paywire:customer:"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// Validate checks the struct constraints and the cross-field rules that
// struct tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q check", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		}
		return err
	}
	if c.Stripe.WebhookMode == WebhookModeUnverified && strings.TrimSpace(c.Stripe.WebhookSecret) != "" {
		return fmt.Errorf("stripe.webhook_mode is unverified but a webhook secret is configured; remove webhook_mode to verify signatures")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	return nil
}

// WebhookMode resolves the effective webhook mode.
func (c *Config) WebhookMode() string {
	if c.Stripe.WebhookMode != "" {
		return c.Stripe.WebhookMode
	}
	if c.Stripe.WebhookSecret != "" {
		return WebhookModeVerified
	}
	return WebhookModeUnverified
}

// SuccessURL is the checkout success redirect, carrying the session id placeholder.
func (c *Config) SuccessURL() string {
	return c.Server.BaseURL + c.Checkout.SuccessPath + "?session_id=" + CheckoutSessionIDPlaceholder
}

// CancelURL is the checkout cancel redirect.
func (c *Config) CancelURL() string {
	return c.Server.BaseURL + c.Checkout.CancelPath
}

// PortalReturnURL is where the billing portal sends the customer back to.
func (c *Config) PortalReturnURL() string {
	return c.Server.BaseURL + c.Checkout.PortalReturnPath
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/paywire/paywire/internal/auth"
	"github.com/paywire/paywire/internal/billing"
	"github.com/paywire/paywire/internal/config"
	"github.com/paywire/paywire/internal/directory"
	"github.com/paywire/paywire/internal/webhook"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testJWTSecret     = "test-secret-at-least-32-chars-long"
)

// stubProvider stands in for Stripe.
type stubProvider struct {
	mu              sync.Mutex
	checkoutURL     string
	checkoutErr     error
	portalErr       error
	checkoutReqs    []billing.CheckoutRequest
	portalCustomers []string
	portalReturns   []string
}

func (p *stubProvider) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.HostedSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkoutReqs = append(p.checkoutReqs, req)
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	return &billing.HostedSession{ID: "cs_test", URL: p.checkoutURL}, nil
}

func (p *stubProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (*billing.HostedSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.portalCustomers = append(p.portalCustomers, customerID)
	p.portalReturns = append(p.portalReturns, returnURL)
	if p.portalErr != nil {
		return nil, p.portalErr
	}
	return &billing.HostedSession{ID: "bps_test", URL: "https://portal.example/" + customerID}, nil
}

// brokenDirectory fails health checks.
type brokenDirectory struct {
	*directory.MemoryDirectory
}

func (brokenDirectory) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	srv      *Server
	provider *stubProvider
	dir      directory.Directory
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			BaseURL:        "http://localhost:4242",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   64 * 1024,
		},
		Stripe: config.StripeConfig{SecretKey: "sk_test_123", WebhookSecret: testWebhookSecret},
		Checkout: config.CheckoutConfig{
			SuccessPath:      "/success.html",
			CancelPath:       "/canceled.html",
			PortalReturnPath: "/account.html",
			Prices:           map[string]string{"pro": "price_pro", "basic": "price_basic"},
		},
		Auth:      config.AuthConfig{Provider: "placeholder", PlaceholderUserID: "user_123"},
		Directory: config.DirectoryConfig{Driver: "memory"},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
	}
}

type envOption func(cfg *config.Config, env *envParts)

type envParts struct {
	dir  directory.Directory
	ap   auth.Provider
	mode webhook.Mode
}

func withDirectory(d directory.Directory) envOption {
	return func(_ *config.Config, p *envParts) { p.dir = d }
}

func withAuth(ap auth.Provider) envOption {
	return func(_ *config.Config, p *envParts) { p.ap = ap }
}

func withUnverifiedWebhooks() envOption {
	return func(_ *config.Config, p *envParts) { p.mode = webhook.ModeUnverified }
}

func withRateLimit(rps float64, burst int) envOption {
	return func(cfg *config.Config, _ *envParts) {
		cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: rps, Burst: burst}
	}
}

func setupTestServer(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	parts := &envParts{
		dir:  directory.NewMemory(),
		ap:   auth.NewPlaceholder("user_123"),
		mode: webhook.ModeVerified,
	}
	for _, opt := range opts {
		opt(cfg, parts)
	}

	// Only the single-user placeholder identity owns unreferenced checkouts.
	var fallback string
	if parts.ap.Name() == "placeholder" {
		fallback = cfg.Auth.PlaceholderUserID
	}

	provider := &stubProvider{checkoutURL: "https://checkout.example/session_xyz"}
	svc := billing.NewService(provider, parts.dir, billing.Options{
		SuccessURL:      cfg.SuccessURL(),
		CancelURL:       cfg.CancelURL(),
		PortalReturnURL: cfg.PortalReturnURL(),
		FallbackUserID:  fallback,
		Prices:          cfg.Checkout.Prices,
	}, logger)

	var hooks *webhook.Dispatcher
	if parts.mode == webhook.ModeUnverified {
		hooks = webhook.NewUnverified(logger)
	} else {
		var err error
		hooks, err = webhook.NewVerified(testWebhookSecret, logger)
		if err != nil {
			t.Fatal(err)
		}
	}
	svc.RegisterHandlers(hooks)

	srv, err := NewServer(cfg, svc, hooks, parts.ap, parts.dir, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testEnv{srv: srv, provider: provider, dir: parts.dir}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func formRequest(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func signedWebhook(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func completedPayload(customerID string) string {
	return `{"id":"evt_completed","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","customer":"` + customerID + `"}}}`
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func customerOf(t *testing.T, d directory.Directory, userID string) string {
	t.Helper()
	c, err := d.GetCustomer(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetCustomer(%s): %v", userID, err)
	}
	if c == nil {
		return ""
	}
	return c.CustomerID
}

func putCustomer(t *testing.T, d directory.Directory, userID, customerID string) {
	t.Helper()
	if err := d.PutCustomer(context.Background(), &directory.Customer{UserID: userID, CustomerID: customerID}); err != nil {
		t.Fatalf("PutCustomer: %v", err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status: got %d, want %d (body %q)", w.Code, want, w.Body.String())
	}
}

func expectBody(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Errorf("body: got %q, want %q", got, want)
	}
}

func expectBodyContains(t *testing.T, w *httptest.ResponseRecorder, sub string) {
	t.Helper()
	if !strings.Contains(w.Body.String(), sub) {
		t.Errorf("body %q does not contain %q", w.Body.String(), sub)
	}
}

func expectLocation(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	if got := w.Header().Get("Location"); got != want {
		t.Errorf("Location: got %q, want %q", got, want)
	}
}

func TestCreateCheckoutSession_Form(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(formRequest("/create-checkout-session", url.Values{"priceId": {"price_abc"}}))

	expectStatus(t, w, http.StatusSeeOther)
	expectLocation(t, w, "https://checkout.example/session_xyz")
	if len(env.provider.checkoutReqs) != 1 {
		t.Fatalf("checkout requests: got %d, want 1", len(env.provider.checkoutReqs))
	}
	want := billing.CheckoutRequest{
		PriceID:           "price_abc",
		Quantity:          1,
		SuccessURL:        "http://localhost:4242/success.html?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         "http://localhost:4242/canceled.html",
		ClientReferenceID: "user_123",
	}
	if got := env.provider.checkoutReqs[0]; got != want {
		t.Errorf("request:\n got %+v\nwant %+v", got, want)
	}
}

func TestCreateCheckoutSession_JSON(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/create-checkout-session", strings.NewReader(`{"priceId":"price_json"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := env.do(req)

	expectStatus(t, w, http.StatusSeeOther)
	if len(env.provider.checkoutReqs) != 1 || env.provider.checkoutReqs[0].PriceID != "price_json" {
		t.Errorf("checkout requests = %+v", env.provider.checkoutReqs)
	}
}

func TestCreateCheckoutSession_MalformedJSON(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/create-checkout-session", strings.NewReader(`{"priceId":`))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)

	expectStatus(t, w, http.StatusBadRequest)
	if len(env.provider.checkoutReqs) != 0 {
		t.Errorf("provider called for a malformed body")
	}
}

func TestCreateCheckoutSession_ProviderError(t *testing.T) {
	env := setupTestServer(t)
	env.provider.checkoutErr = &billing.ProviderError{Op: "create checkout session", Message: "No such price: 'price_bad'"}

	w := env.do(formRequest("/create-checkout-session", url.Values{"priceId": {"price_bad"}}))

	expectStatus(t, w, http.StatusInternalServerError)
	expectBody(t, w, "Error creating checkout session: No such price: 'price_bad'")
	expectLocation(t, w, "")
	if got := customerOf(t, env.dir, "user_123"); got != "" {
		t.Errorf("checkout touched the directory: %q", got)
	}
}

func TestCreateCheckoutSession_MissingPriceForwarded(t *testing.T) {
	env := setupTestServer(t)
	env.provider.checkoutErr = &billing.ProviderError{Op: "create checkout session", Message: "Missing required param: line_items[0][price]."}

	w := env.do(formRequest("/create-checkout-session", url.Values{}))

	expectStatus(t, w, http.StatusInternalServerError)
	if len(env.provider.checkoutReqs) != 1 || env.provider.checkoutReqs[0].PriceID != "" {
		t.Errorf("checkout requests = %+v, want one with empty price", env.provider.checkoutReqs)
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(signedWebhook(t, "whsec_wrong", completedPayload("cus_123")))

	expectStatus(t, w, http.StatusBadRequest)
	if got := customerOf(t, env.dir, "user_123"); got != "" {
		t.Errorf("directory mutated by a rejected delivery: %q", got)
	}
}

func TestWebhook_CheckoutCompletedRecordsCustomer(t *testing.T) {
	env := setupTestServer(t)

	expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, completedPayload("cus_123"))), http.StatusOK)
	if got := customerOf(t, env.dir, "user_123"); got != "cus_123" {
		t.Errorf("customer: got %q, want cus_123", got)
	}
}

func TestWebhook_UnrelatedEventLeavesDirectory(t *testing.T) {
	env := setupTestServer(t)
	expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, completedPayload("cus_123"))), http.StatusOK)

	payload := `{"id":"evt_other","object":"event","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","customer":"cus_999"}}}`
	expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, payload)), http.StatusOK)

	if got := customerOf(t, env.dir, "user_123"); got != "cus_123" {
		t.Errorf("customer: got %q, want cus_123", got)
	}
}

func TestWebhook_InvoicePaidTwiceHasNoEffect(t *testing.T) {
	env := setupTestServer(t)
	expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, completedPayload("cus_123"))), http.StatusOK)

	payload := `{"id":"evt_inv","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","customer":"cus_123"}}}`
	for i := 0; i < 2; i++ {
		expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, payload)), http.StatusOK)
	}
	if got := customerOf(t, env.dir, "user_123"); got != "cus_123" {
		t.Errorf("customer: got %q, want cus_123", got)
	}
}

func TestWebhook_Unverified(t *testing.T) {
	env := setupTestServer(t, withUnverifiedWebhooks())

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(completedPayload("cus_dev")))
	req.Header.Set("Content-Type", "application/json")

	expectStatus(t, env.do(req), http.StatusOK)
	if got := customerOf(t, env.dir, "user_123"); got != "cus_dev" {
		t.Errorf("customer: got %q, want cus_dev", got)
	}
}

func TestCustomerPortal_NoCustomer(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodPost, "/customer-portal", nil))

	expectStatus(t, w, http.StatusBadRequest)
	expectBody(t, w, "No customer ID found for user.")
	if len(env.provider.portalCustomers) != 0 {
		t.Errorf("Stripe called without a customer: %v", env.provider.portalCustomers)
	}
}

func TestCustomerPortal_Redirects(t *testing.T) {
	env := setupTestServer(t)
	putCustomer(t, env.dir, "user_123", "cus_123")

	w := env.do(httptest.NewRequest(http.MethodPost, "/customer-portal", nil))

	expectStatus(t, w, http.StatusSeeOther)
	expectLocation(t, w, "https://portal.example/cus_123")
	if !reflect.DeepEqual(env.provider.portalCustomers, []string{"cus_123"}) {
		t.Errorf("portal customers: got %v", env.provider.portalCustomers)
	}
	if !reflect.DeepEqual(env.provider.portalReturns, []string{"http://localhost:4242/account.html"}) {
		t.Errorf("portal return URLs: got %v", env.provider.portalReturns)
	}
}

func TestCustomerPortal_ProviderError(t *testing.T) {
	env := setupTestServer(t)
	putCustomer(t, env.dir, "user_123", "cus_123")
	env.provider.portalErr = errors.New("stripe unavailable")

	w := env.do(httptest.NewRequest(http.MethodPost, "/customer-portal", nil))

	expectStatus(t, w, http.StatusInternalServerError)
	expectBody(t, w, "Internal Server Error")
}

func TestEndToEnd(t *testing.T) {
	env := setupTestServer(t)

	// The browser starts a checkout.
	w := env.do(formRequest("/create-checkout-session", url.Values{"priceId": {"price_abc"}}))
	expectStatus(t, w, http.StatusSeeOther)
	expectLocation(t, w, "https://checkout.example/session_xyz")

	// Stripe reports the completed checkout.
	expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, completedPayload("cus_456"))), http.StatusOK)

	// The user opens the billing portal.
	w = env.do(httptest.NewRequest(http.MethodPost, "/customer-portal", nil))
	expectStatus(t, w, http.StatusSeeOther)
	expectLocation(t, w, "https://portal.example/cus_456")
}

func TestStaticPages(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/success.html?session_id=cs_test_123", nil))
	expectStatus(t, w, http.StatusOK)
	expectBodyContains(t, w, "Thanks for subscribing!")
	expectBodyContains(t, w, `action="/customer-portal"`)

	w = env.do(httptest.NewRequest(http.MethodGet, "/canceled.html", nil))
	expectStatus(t, w, http.StatusOK)
	expectBodyContains(t, w, "Payment canceled.")

	w = env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	expectStatus(t, w, http.StatusOK)
	expectBodyContains(t, w, `action="/create-checkout-session"`)
}

func TestHealthAndReadiness(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	expectStatus(t, w, http.StatusOK)
	expectBodyContains(t, w, `"status":"ok"`)

	expectStatus(t, env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)), http.StatusOK)

	broken := setupTestServer(t, withDirectory(brokenDirectory{directory.NewMemory()}))
	expectStatus(t, broken.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)), http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.do(signedWebhook(t, testWebhookSecret, completedPayload("cus_123")))

	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	expectStatus(t, w, http.StatusOK)
	expectBodyContains(t, w, "paywire_webhook_requests_total")
}

func TestPlansAndCustomer(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/billing/plans", nil))
	expectStatus(t, w, http.StatusOK)
	var plans struct {
		Plans []billing.Plan `json:"plans"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &plans); err != nil {
		t.Fatalf("decode plans: %v", err)
	}
	want := []billing.Plan{{ID: "basic", PriceID: "price_basic"}, {ID: "pro", PriceID: "price_pro"}}
	if !reflect.DeepEqual(plans.Plans, want) {
		t.Errorf("plans: got %+v, want %+v", plans.Plans, want)
	}

	expectStatus(t, env.do(httptest.NewRequest(http.MethodGet, "/api/billing/customer", nil)), http.StatusNotFound)

	putCustomer(t, env.dir, "user_123", "cus_123")
	w = env.do(httptest.NewRequest(http.MethodGet, "/api/billing/customer", nil))
	expectStatus(t, w, http.StatusOK)
	expectBodyContains(t, w, `"customer_id":"cus_123"`)
}

func TestJWTAuth(t *testing.T) {
	jp, err := auth.NewJWTProvider(testJWTSecret)
	if err != nil {
		t.Fatal(err)
	}
	env := setupTestServer(t, withAuth(jp))

	w := env.do(formRequest("/create-checkout-session", url.Values{"priceId": {"price_abc"}}))
	expectStatus(t, w, http.StatusUnauthorized)
	if len(env.provider.checkoutReqs) != 0 {
		t.Errorf("provider called for an unauthenticated request")
	}

	req := formRequest("/create-checkout-session", url.Values{"priceId": {"price_abc"}})
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sessionToken(t, "user_77")})
	expectStatus(t, env.do(req), http.StatusSeeOther)
	if len(env.provider.checkoutReqs) != 1 || env.provider.checkoutReqs[0].ClientReferenceID != "user_77" {
		t.Errorf("checkout requests = %+v, want client reference user_77", env.provider.checkoutReqs)
	}

	// The webhook stays public.
	expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, completedPayload("cus_1"))), http.StatusOK)
}

func TestCheckoutForwardsClientReferenceToWebhook(t *testing.T) {
	jp, err := auth.NewJWTProvider(testJWTSecret)
	if err != nil {
		t.Fatal(err)
	}
	env := setupTestServer(t, withAuth(jp))

	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","customer":"cus_77","client_reference_id":"user_77"}}}`
	expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, payload)), http.StatusOK)

	if got := customerOf(t, env.dir, "user_77"); got != "cus_77" {
		t.Errorf("user_77: got %q, want cus_77", got)
	}
	if got := customerOf(t, env.dir, "user_123"); got != "" {
		t.Errorf("user_123: got %q, want none", got)
	}
}

func TestUnreferencedCheckoutNotAssignedUnderJWT(t *testing.T) {
	jp, err := auth.NewJWTProvider(testJWTSecret)
	if err != nil {
		t.Fatal(err)
	}
	env := setupTestServer(t, withAuth(jp))

	expectStatus(t, env.do(signedWebhook(t, testWebhookSecret, completedPayload("cus_link"))), http.StatusOK)

	if got := customerOf(t, env.dir, "user_123"); got != "" {
		t.Errorf("unreferenced checkout assigned to user_123: %q", got)
	}

	// A real user whose id happens to be user_123 has no customer to open.
	req := httptest.NewRequest(http.MethodPost, "/customer-portal", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "user_123"))
	expectStatus(t, env.do(req), http.StatusBadRequest)
	if len(env.provider.portalCustomers) != 0 {
		t.Errorf("portal opened for %v", env.provider.portalCustomers)
	}
}

func TestRateLimit(t *testing.T) {
	env := setupTestServer(t, withRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		expectStatus(t, env.do(formRequest("/create-checkout-session", url.Values{"priceId": {"price_abc"}})), http.StatusSeeOther)
	}
	w := env.do(formRequest("/create-checkout-session", url.Values{"priceId": {"price_abc"}}))
	expectStatus(t, w, http.StatusTooManyRequests)
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After: got %q, want 1", got)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-fixed")
	if got := env.do(req).Header().Get("X-Request-ID"); got != "req-fixed" {
		t.Errorf("X-Request-ID: got %q, want req-fixed", got)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newRateLimiter(1, 1)
	rl.allow("192.0.2.1")
	rl.allow("192.0.2.2")
	if rl.size() != 2 {
		t.Fatalf("size: got %d, want 2", rl.size())
	}

	rl.cleanup(time.Hour)
	if rl.size() != 2 {
		t.Errorf("size after cleanup(1h): got %d, want 2", rl.size())
	}
	rl.cleanup(-time.Second)
	if rl.size() != 0 {
		t.Errorf("size after cleanup(-1s): got %d, want 0", rl.size())
	}
}

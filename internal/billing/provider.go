package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
)

// Provider creates hosted sessions at the payment provider.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*HostedSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*HostedSession, error)
}

// CheckoutRequest describes a hosted checkout to create. It is built per
// request and never stored.
type CheckoutRequest struct {
	PriceID           string
	Quantity          int64
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string // local user the checkout belongs to
}

// HostedSession is a provider-hosted page the caller is redirected to.
type HostedSession struct {
	ID  string
	URL string
}

// ProviderError wraps a failed provider call. Message is the provider's
// own description of the failure when one is available.
type ProviderError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func newProviderError(op string, err error) *ProviderError {
	msg := err.Error()
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.Msg != "" {
		msg = serr.Msg
	}
	return &ProviderError{Op: op, Message: msg, Err: err}
}

// StripeProvider implements Provider with the Stripe API.
type StripeProvider struct {
	newCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	newPortalSession   func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// NewStripeProvider configures the Stripe client with the secret API key.
func NewStripeProvider(secretKey string) (*StripeProvider, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	stripe.Key = strings.TrimSpace(secretKey)
	return &StripeProvider{
		newCheckoutSession: checkoutsession.New,
		newPortalSession:   portalsession.New,
	}, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*HostedSession, error) {
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(quantity),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	if req.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(req.ClientReferenceID)
	}
	params.Context = ctx

	sess, err := p.newCheckoutSession(params)
	if err != nil {
		return nil, newProviderError("create checkout session", err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return nil, &ProviderError{Op: "create checkout session", Message: "stripe returned empty checkout URL"}
	}
	return &HostedSession{ID: sess.ID, URL: strings.TrimSpace(sess.URL)}, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*HostedSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := p.newPortalSession(params)
	if err != nil {
		return nil, newProviderError("create portal session", err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return nil, &ProviderError{Op: "create portal session", Message: "stripe returned empty portal URL"}
	}
	return &HostedSession{ID: sess.ID, URL: strings.TrimSpace(sess.URL)}, nil
}

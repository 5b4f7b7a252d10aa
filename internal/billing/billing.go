// Package billing implements checkout, billing portal and webhook handling
// on top of the payment provider and the customer directory.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/paywire/paywire/internal/directory"
	"github.com/paywire/paywire/internal/metrics"
	"github.com/paywire/paywire/internal/webhook"
)

// ErrNoCustomer is returned when the user has no customer on file.
var ErrNoCustomer = errors.New("no customer on file")

// Event types with local handlers.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// Options configure a Service.
type Options struct {
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
	// FallbackUserID owns completed checkouts that carry no client reference.
	// Empty means such checkouts are acknowledged without being recorded.
	FallbackUserID string
	Prices         map[string]string
}

// Service handles billing operations (checkout, portal, webhooks).
type Service struct {
	provider  Provider
	directory directory.Directory
	opts      Options
	logger    *slog.Logger
}

// NewService creates a billing Service.
func NewService(p Provider, d directory.Directory, opts Options, logger *slog.Logger) *Service {
	return &Service{
		provider:  p,
		directory: d,
		opts:      opts,
		logger:    logger.With("component", "billing"),
	}
}

// CreateCheckoutSession starts a one-seat subscription checkout for priceID
// on behalf of userID and returns the hosted checkout URL.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID, priceID string) (string, error) {
	sess, err := s.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		PriceID:           priceID,
		Quantity:          1,
		SuccessURL:        s.opts.SuccessURL,
		CancelURL:         s.opts.CancelURL,
		ClientReferenceID: userID,
	})
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues(metrics.OutcomeProviderError).Inc()
		s.logger.Warn("create checkout session failed", "user_id", userID, "price_id", priceID, "error", err)
		return "", err
	}
	metrics.CheckoutSessionsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	s.logger.Info("checkout session created", "user_id", userID, "price_id", priceID, "session_id", sess.ID)
	return sess.URL, nil
}

// CreatePortalSession returns a billing portal URL for the user's customer.
// The provider is not called when the user has no customer on file.
func (s *Service) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	cust, err := s.directory.GetCustomer(ctx, userID)
	if err != nil {
		metrics.PortalSessionsTotal.WithLabelValues(metrics.OutcomeStoreError).Inc()
		return "", fmt.Errorf("lookup customer: %w", err)
	}
	if cust == nil {
		metrics.PortalSessionsTotal.WithLabelValues(metrics.OutcomeNoCustomer).Inc()
		return "", ErrNoCustomer
	}

	sess, err := s.provider.CreatePortalSession(ctx, cust.CustomerID, s.opts.PortalReturnURL)
	if err != nil {
		metrics.PortalSessionsTotal.WithLabelValues(metrics.OutcomeProviderError).Inc()
		s.logger.Error("create portal session failed", "user_id", userID, "customer_id", cust.CustomerID, "error", err)
		return "", err
	}
	metrics.PortalSessionsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return sess.URL, nil
}

// GetCustomer returns the user's directory entry, or ErrNoCustomer.
func (s *Service) GetCustomer(ctx context.Context, userID string) (*directory.Customer, error) {
	cust, err := s.directory.GetCustomer(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}
	if cust == nil {
		return nil, ErrNoCustomer
	}
	return cust, nil
}

// Plan is a named price offered for checkout.
type Plan struct {
	ID      string `json:"id"`
	PriceID string `json:"price_id"`
}

// Plans lists the configured prices ordered by name.
func (s *Service) Plans() []Plan {
	plans := make([]Plan, 0, len(s.opts.Prices))
	for id, priceID := range s.opts.Prices {
		plans = append(plans, Plan{ID: id, PriceID: priceID})
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans
}

// RegisterHandlers installs the billing event handlers on the dispatcher.
func (s *Service) RegisterHandlers(d *webhook.Dispatcher) {
	d.Handle(EventCheckoutSessionCompleted, s.handleCheckoutCompleted)
	d.Handle(EventInvoicePaid, s.handleInvoicePaid)
	d.Handle(EventInvoicePaymentFailed, s.handleInvoicePaymentFailed)
}

// checkoutSession is the subset of a Stripe checkout.session object we read.
type checkoutSession struct {
	ID                string       `json:"id"`
	Customer          expandableID `json:"customer"`
	ClientReferenceID string       `json:"client_reference_id"`
}

// invoice is the subset of a Stripe invoice object we read.
type invoice struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	AmountDue    int64        `json:"amount_due"`
	Currency     string       `json:"currency"`
}

// expandableID decodes a Stripe reference that is either an id string or
// an expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*e = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("decode expandable id: %w", err)
	}
	*e = expandableID(obj.ID)
	return nil
}

// handleCheckoutCompleted records which customer the checkout created for the user.
func (s *Service) handleCheckoutCompleted(ctx context.Context, evt webhook.Event) error {
	var sess checkoutSession
	if err := json.Unmarshal(evt.Object, &sess); err != nil {
		// Redelivering the same payload cannot succeed.
		s.logger.Warn("undecodable checkout.session payload", "event_id", evt.ID, "error", err)
		return nil
	}

	customerID := strings.TrimSpace(string(sess.Customer))
	if customerID == "" {
		s.logger.Warn("checkout completed without customer", "event_id", evt.ID, "session_id", sess.ID)
		return nil
	}
	userID := strings.TrimSpace(sess.ClientReferenceID)
	if userID == "" {
		userID = s.opts.FallbackUserID
	}
	if userID == "" {
		s.logger.Warn("checkout completed without client reference; customer not recorded",
			"event_id", evt.ID, "session_id", sess.ID, "customer_id", customerID)
		return nil
	}

	if err := s.directory.PutCustomer(ctx, &directory.Customer{UserID: userID, CustomerID: customerID}); err != nil {
		metrics.DirectoryWritesTotal.WithLabelValues(metrics.OutcomeStoreError).Inc()
		return fmt.Errorf("save customer: %w", err)
	}
	metrics.DirectoryWritesTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	s.logger.Info("saved customer for user", "user_id", userID, "customer_id", customerID, "session_id", sess.ID)
	return nil
}

// handleInvoicePaid is the hook for provisioning on recurring payments.
// No state is kept locally; the subscription status lives at Stripe.
func (s *Service) handleInvoicePaid(ctx context.Context, evt webhook.Event) error {
	inv, userID := s.decodeInvoice(ctx, evt)
	s.logger.Info("invoice paid", "event_id", evt.ID, "invoice_id", inv.ID,
		"customer_id", string(inv.Customer), "user_id", userID,
		"subscription_id", string(inv.Subscription))
	return nil
}

// handleInvoicePaymentFailed is the dunning hook: the subscription is now
// past due and the customer should update their payment method in the portal.
func (s *Service) handleInvoicePaymentFailed(ctx context.Context, evt webhook.Event) error {
	inv, userID := s.decodeInvoice(ctx, evt)
	s.logger.Warn("invoice payment failed", "event_id", evt.ID, "invoice_id", inv.ID,
		"customer_id", string(inv.Customer), "user_id", userID,
		"amount_due", inv.AmountDue, "currency", inv.Currency)
	return nil
}

// decodeInvoice is best effort: these handlers only log, so a payload
// they cannot read is not worth a redelivery.
func (s *Service) decodeInvoice(ctx context.Context, evt webhook.Event) (invoice, string) {
	var inv invoice
	if err := json.Unmarshal(evt.Object, &inv); err != nil {
		s.logger.Debug("undecodable invoice payload", "event_id", evt.ID, "error", err)
		return inv, ""
	}
	if inv.Customer == "" {
		return inv, ""
	}
	cust, err := s.directory.GetCustomerByStripeID(ctx, string(inv.Customer))
	if err != nil || cust == nil {
		return inv, ""
	}
	return inv, cust.UserID
}

// Package webhook receives Stripe event deliveries and routes them to
// registered handlers by event type.
//
// A Dispatcher runs in exactly one of two modes, fixed at construction:
// verified mode authenticates every delivery against the Stripe-Signature
// header and the endpoint secret; unverified mode trusts the JSON body as
// sent and is only suitable for local development.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/paywire/paywire/internal/metrics"
)

const defaultMaxBodyBytes = 64 * 1024

// SignatureHeader carries Stripe's delivery signature.
const SignatureHeader = "Stripe-Signature"

// Mode is the way deliveries are authenticated.
type Mode string

const (
	ModeVerified   Mode = "verified"
	ModeUnverified Mode = "unverified"
)

var (
	// ErrInvalidSignature rejects a delivery whose signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent rejects a delivery whose body is not an event.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Event is a decoded delivery. Object holds the raw data.object payload.
type Event struct {
	ID     string
	Type   string
	Object json.RawMessage
}

// HandlerFunc handles one event type. A returned error makes the delivery
// fail so that Stripe redelivers it.
type HandlerFunc func(ctx context.Context, evt Event) error

type decodeFunc func(payload []byte, header http.Header) (Event, error)

// Dispatcher decodes deliveries and routes them to handlers.
// Handlers must be registered before the dispatcher starts serving.
type Dispatcher struct {
	mode         Mode
	decode       decodeFunc
	handlers     map[string]HandlerFunc
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewVerified creates a dispatcher that authenticates deliveries with secret.
func NewVerified(secret string, logger *slog.Logger) (*Dispatcher, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("verified webhook mode requires a signing secret")
	}
	return newDispatcher(ModeVerified, verifiedDecoder(secret), logger), nil
}

// NewUnverified creates a dispatcher that trusts delivery bodies as sent.
func NewUnverified(logger *slog.Logger) *Dispatcher {
	return newDispatcher(ModeUnverified, decodeUnverified, logger)
}

func newDispatcher(mode Mode, decode decodeFunc, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		mode:         mode,
		decode:       decode,
		handlers:     make(map[string]HandlerFunc),
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger.With("component", "webhook", "mode", string(mode)),
	}
}

// Mode reports how deliveries are authenticated.
func (d *Dispatcher) Mode() Mode { return d.mode }

// SetMaxBodyBytes bounds the size of a delivery body.
func (d *Dispatcher) SetMaxBodyBytes(n int64) {
	if n > 0 {
		d.maxBodyBytes = n
	}
}

// Handle registers fn for eventType, replacing any previous handler.
func (d *Dispatcher) Handle(eventType string, fn HandlerFunc) {
	d.handlers[eventType] = fn
}

// Dispatch routes evt to its handler. Event types without a handler are
// acknowledged without action.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) error {
	fn, ok := d.handlers[evt.Type]
	if !ok {
		d.logger.Debug("webhook ignored (unhandled type)", "type", evt.Type, "event_id", evt.ID)
		return nil
	}
	return fn(ctx, evt)
}

// ServeHTTP reads, authenticates and dispatches one delivery.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(string(d.mode), eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	r.Body = http.MaxBytesReader(w, r.Body, d.maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, map[string]string{"error": "failed to read request body"})
		return
	}

	evt, err := d.decode(payload, r.Header)
	if err != nil {
		status = http.StatusBadRequest
		if errors.Is(err, ErrInvalidSignature) {
			d.logger.Warn("webhook signature verification failed", "remote_addr", r.RemoteAddr, "error", err)
			writeJSON(w, status, map[string]string{"error": "invalid signature"})
			return
		}
		d.logger.Warn("webhook body rejected", "error", err)
		writeJSON(w, status, map[string]string{"error": "malformed event"})
		return
	}
	if _, ok := d.handlers[evt.Type]; ok {
		eventType = evt.Type
	} else {
		eventType = "other"
	}

	if err := d.Dispatch(r.Context(), evt); err != nil {
		d.logger.Error("webhook processing failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		status = http.StatusInternalServerError
		writeJSON(w, status, map[string]string{"error": "processing failed"})
		return
	}

	writeJSON(w, status, map[string]bool{"received": true})
}

func verifiedDecoder(secret string) decodeFunc {
	return func(payload []byte, header http.Header) (Event, error) {
		sig := header.Get(SignatureHeader)
		if strings.TrimSpace(sig) == "" {
			return Event{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
		}

		se, err := stripewebhook.ConstructEventWithOptions(payload, sig, secret, stripewebhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}

		evt := Event{ID: se.ID, Type: string(se.Type)}
		if se.Data != nil {
			evt.Object = se.Data.Raw
		}
		return evt, nil
	}
}

// unverifiedEnvelope mirrors the top level of a Stripe event body.
type unverifiedEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func decodeUnverified(payload []byte, _ http.Header) (Event, error) {
	var env unverifiedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return Event{ID: env.ID, Type: env.Type, Object: env.Data.Object}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

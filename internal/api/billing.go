package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/paywire/paywire/internal/billing"
)

// Plain-text responses for the form-post routes.
const (
	checkoutErrorPrefix = "Error creating checkout session: "
	noCustomerMessage   = "No customer ID found for user."
	internalErrorText   = "Internal Server Error"
)

func (s *Server) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	priceID, err := readPriceID(r)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	checkoutURL, err := s.billing.CreateCheckoutSession(r.Context(), identity.UserID, priceID)
	if err != nil {
		http.Error(w, checkoutErrorPrefix+providerMessage(err), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, checkoutURL, http.StatusSeeOther)
}

// readPriceID reads priceId from a JSON or form-encoded body. A missing
// value is returned as "" and left for Stripe to reject.
func readPriceID(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req struct {
			PriceID string `json:"priceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return req.PriceID, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.PostFormValue("priceId"), nil
}

// providerMessage prefers Stripe's own description of a failure.
func providerMessage(err error) string {
	var perr *billing.ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}

func (s *Server) handleCustomerPortal(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	portalURL, err := s.billing.CreatePortalSession(r.Context(), identity.UserID)
	switch {
	case errors.Is(err, billing.ErrNoCustomer):
		http.Error(w, noCustomerMessage, http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("customer portal failed", "user_id", identity.UserID, "error", err)
		http.Error(w, internalErrorText, http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, portalURL, http.StatusSeeOther)
}

func (s *Server) handleGetPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": s.billing.Plans()})
}

func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	cust, err := s.billing.GetCustomer(r.Context(), identity.UserID)
	if errors.Is(err, billing.ErrNoCustomer) {
		writeError(w, http.StatusNotFound, "no customer on file")
		return
	}
	if err != nil {
		s.logger.Error("get customer failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load customer")
		return
	}
	writeJSON(w, http.StatusOK, cust)
}

package gateway

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dukahq/billing/internal/errors"
)

// LogGateway records checkouts in memory and approves every verify.
// Used as fallback when no Paystack key is configured so local
// development can exercise the full payment flow.
type LogGateway struct {
	mu       sync.Mutex
	sessions map[string]InitializeRequest
}

// NewLogGateway creates the in-memory development gateway.
func NewLogGateway() *LogGateway {
	return &LogGateway{sessions: make(map[string]InitializeRequest)}
}

// Initialize logs the checkout and redirects straight to the callback.
func (g *LogGateway) Initialize(_ context.Context, req InitializeRequest) (*InitializeResult, error) {
	g.mu.Lock()
	g.sessions[req.Reference] = req
	g.mu.Unlock()

	log.Info().
		Str("reference", req.Reference).
		Str("amount", req.Amount.StringFixed(2)).
		Str("email", req.Email).
		Msg("Log gateway: checkout initialized (no payment provider configured)")

	redirect := req.CallbackURL
	if redirect == "" {
		redirect = "/billing/callback"
	}
	return &InitializeResult{
		Reference:   req.Reference,
		RedirectURL: redirect + "?reference=" + url.QueryEscape(req.Reference),
		AccessCode:  "log_" + req.Reference,
	}, nil
}

// Verify approves any checkout this instance initialized.
func (g *LogGateway) Verify(_ context.Context, reference string) (*VerifyResult, error) {
	g.mu.Lock()
	req, ok := g.sessions[reference]
	g.mu.Unlock()
	if !ok {
		return nil, errors.WrapGateway("verify transaction", fmt.Errorf("log gateway has no session for %s", reference))
	}

	now := time.Now().UTC()
	currency := req.Currency
	if currency == "" {
		currency = "KES"
	}
	return &VerifyResult{
		Status:   StatusSuccess,
		Amount:   req.Amount.Round(2),
		Currency: currency,
		PaidAt:   &now,
		Message:  "Approved by log gateway",
	}, nil
}

var _ Gateway = (*LogGateway)(nil)
var _ Gateway = (*Paystack)(nil)

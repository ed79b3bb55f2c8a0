// Package gateway abstracts the payment provider behind a two-call
// interface: Initialize starts a checkout and Verify reports its
// terminal outcome. The billing core owns idempotency and state; a
// gateway implementation only talks to the provider.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is implemented by payment providers.
type Gateway interface {
	// Initialize registers a checkout with the provider and returns
	// where to send the customer. The reference is minted by the
	// caller and echoed back by the provider on verification.
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error)

	// Verify fetches the provider's view of a transaction. It is a
	// read: calling it never changes provider state, so callers may
	// retry freely.
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
}

// InitializeRequest describes the checkout to create. Amount is in
// major currency units (KES shillings).
type InitializeRequest struct {
	Reference   string
	Email       string
	Amount      decimal.Decimal
	Currency    string
	CallbackURL string
	Metadata    map[string]string
}

// InitializeResult is the provider's handle for a started checkout.
type InitializeResult struct {
	Reference   string
	RedirectURL string
	AccessCode  string
}

// VerifyStatus is the provider-neutral outcome of a verification.
type VerifyStatus string

const (
	// StatusSuccess means the provider confirmed payment.
	StatusSuccess VerifyStatus = "success"
	// StatusFailed covers declined, abandoned, and reversed checkouts.
	StatusFailed VerifyStatus = "failed"
	// StatusPending means the provider has not reached a terminal state.
	StatusPending VerifyStatus = "pending"
)

// VerifyResult is the provider's view of a transaction.
type VerifyResult struct {
	Status   VerifyStatus
	Amount   decimal.Decimal
	Currency string
	PaidAt   *time.Time
	Message  string
	Channel  string
}

package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukahq/billing/internal/errors"
	"github.com/dukahq/billing/pkg/netutil"
)

const (
	defaultPaystackBaseURL = "https://api.paystack.co"
	responseBodyLimit      = 64 * 1024
)

var subunitsPerShilling = decimal.NewFromInt(100)

// Paystack talks to the Paystack transaction API. Amounts cross the
// wire in subunits (1 KES = 100 subunits).
type Paystack struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// PaystackOption adjusts a Paystack client.
type PaystackOption func(*Paystack)

// WithBaseURL points the client at a different API host. Used in tests.
func WithBaseURL(u string) PaystackOption {
	return func(p *Paystack) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(c *http.Client) PaystackOption {
	return func(p *Paystack) {
		p.httpClient = c
	}
}

// NewPaystack creates a Paystack gateway client.
func NewPaystack(secretKey string, opts ...PaystackOption) *Paystack {
	p := &Paystack{
		secretKey: secretKey,
		baseURL:   defaultPaystackBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext:         netutil.DialContextWithCache,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type paystackInitRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Reference   string            `json:"reference"`
	Currency    string            `json:"currency,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackVerifyData struct {
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	PaidAt          string `json:"paid_at"`
	Channel         string `json:"channel"`
	GatewayResponse string `json:"gateway_response"`
}

// Initialize starts a checkout and returns the hosted payment page URL.
func (p *Paystack) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	payload := paystackInitRequest{
		Email:       req.Email,
		Amount:      toSubunits(req.Amount),
		Reference:   req.Reference,
		Currency:    req.Currency,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	}

	var data paystackInitData
	if err := p.call(ctx, http.MethodPost, "/transaction/initialize", payload, &data); err != nil {
		return nil, errors.WrapGateway("initialize transaction", err)
	}
	if data.AuthorizationURL == "" {
		return nil, errors.WrapGateway("initialize transaction", fmt.Errorf("paystack returned no authorization url for %s", req.Reference))
	}

	return &InitializeResult{
		Reference:   data.Reference,
		RedirectURL: data.AuthorizationURL,
		AccessCode:  data.AccessCode,
	}, nil
}

// Verify fetches the transaction outcome by reference.
func (p *Paystack) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	var data paystackVerifyData
	if err := p.call(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &data); err != nil {
		return nil, errors.WrapGateway("verify transaction", err)
	}

	result := &VerifyResult{
		Status:   mapPaystackStatus(data.Status),
		Amount:   fromSubunits(data.Amount),
		Currency: data.Currency,
		Message:  data.GatewayResponse,
		Channel:  data.Channel,
	}
	if data.PaidAt != "" {
		if paidAt, err := time.Parse(time.RFC3339, data.PaidAt); err == nil {
			paidAt = paidAt.UTC()
			result.PaidAt = &paidAt
		}
	}
	return result, nil
}

func (p *Paystack) call(ctx context.Context, method, path string, payload, data any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal paystack request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create paystack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paystack request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))

	var envelope paystackEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("paystack error (HTTP %d): unparseable response", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !envelope.Status {
		return fmt.Errorf("paystack error (HTTP %d): %s", resp.StatusCode, envelope.Message)
	}
	if data != nil {
		if err := json.Unmarshal(envelope.Data, data); err != nil {
			return fmt.Errorf("decode paystack data: %w", err)
		}
	}
	return nil
}

// mapPaystackStatus folds Paystack's transaction states into the three
// the billing core acts on. Anything not clearly terminal stays pending
// so a later verify can settle it.
func mapPaystackStatus(s string) VerifyStatus {
	switch strings.ToLower(s) {
	case "success":
		return StatusSuccess
	case "failed", "abandoned", "reversed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func toSubunits(amount decimal.Decimal) int64 {
	return amount.Mul(subunitsPerShilling).Round(0).IntPart()
}

func fromSubunits(subunits int64) decimal.Decimal {
	return decimal.NewFromInt(subunits).Div(subunitsPerShilling)
}

// ValidWebhookSignature checks the X-Paystack-Signature header: an
// HMAC-SHA512 of the raw body keyed with the API secret.
func ValidWebhookSignature(payload []byte, signature, secretKey string) bool {
	if strings.TrimSpace(signature) == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	billingerrors "github.com/dukahq/billing/internal/errors"
	"github.com/dukahq/billing/internal/gateway"
	"github.com/dukahq/billing/internal/metrics"
)

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// paystackEvent is the slice of the webhook payload this engine acts
// on. The reference is the only routing key; everything else comes from
// the verify call.
type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

// HandlePaystackWebhook verifies the HMAC signature and drives the
// verify pipeline for charge events. Authenticated receipts answer 200
// even when the outcome is a conflict; Paystack retries on anything
// else.
func (h *Handlers) HandlePaystackWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.WebhookSecret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	signature := strings.TrimSpace(r.Header.Get("X-Paystack-Signature"))
	if signature == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "missing signature"})
		return
	}
	if !gateway.ValidWebhookSignature(payload, signature, h.WebhookSecret) {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid signature"})
		return
	}

	var event paystackEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid payload"})
		return
	}
	if event.Event != "" {
		eventType = event.Event
	}

	switch event.Event {
	case "charge.success", "charge.failed":
		reference := strings.TrimSpace(event.Data.Reference)
		if reference == "" {
			status = http.StatusBadRequest
			writeJSON(w, status, errorResponse{Error: "missing transaction reference"})
			return
		}
		if _, err := h.Billing.VerifyTransaction(r.Context(), reference); err != nil {
			// Settled outcomes are receipts even when they disagree
			// with the local row; only infrastructure failures bounce
			// so Paystack retries them.
			switch billingerrors.TypeOf(err) {
			case billingerrors.ErrorTypeConflict, billingerrors.ErrorTypeConcurrency,
				billingerrors.ErrorTypeNotFound, billingerrors.ErrorTypeValidation:
				log.Warn().Err(err).
					Str("event", event.Event).
					Str("reference", reference).
					Msg("Webhook verify settled with a non-commit outcome")
			default:
				log.Error().Err(err).
					Str("event", event.Event).
					Str("reference", reference).
					Msg("Webhook verify failed")
				status = http.StatusInternalServerError
				writeJSON(w, status, errorResponse{Error: "processing failed"})
				return
			}
		}

	default:
		log.Info().Str("event", event.Event).Msg("Webhook ignored (unhandled event)")
	}

	status = http.StatusOK
	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

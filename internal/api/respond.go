// Package api exposes the billing engine over HTTP/JSON: tenant auth
// and subscription endpoints, the admin surface, the payment webhook,
// and the websocket upgrade. Handlers stay thin; every business rule
// lives in internal/billing.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	billingerrors "github.com/dukahq/billing/internal/errors"
)

const requestBodyLimit = 1024 * 1024 // 1 MiB

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Typed errors
// surface their inner message; anything untyped stays opaque.
func writeError(w http.ResponseWriter, err error) {
	status := billingerrors.HTTPStatus(err)
	errType := billingerrors.TypeOf(err)

	msg := "internal error"
	var be *billingerrors.BillingError
	if errors.As(err, &be) && be.Err != nil && errType != billingerrors.ErrorTypeInternal {
		msg = be.Err.Error()
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: msg, Type: string(errType)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return billingerrors.Validationf("decode request", "invalid JSON body: %v", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

// clientIP resolves the caller address for audit entries. Proxy headers
// win over the socket peer: X-Forwarded-For, then X-Real-IP, then
// RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dukahq/billing/internal/logging"
)

// withRecovery tags every request with an ID, recovers panics, and logs
// failed requests. WebSocket upgrades bypass the wrapper so the hub can
// hijack the connection.
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctx, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		sw.Header().Set("X-Request-ID", requestID)

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in HTTP handler")

				sw.Header().Set("Content-Type", "application/json")
				sw.WriteHeader(http.StatusInternalServerError)
				_, _ = sw.Write([]byte(`{"error":"internal error"}` + "\n"))
			}
		}()

		next.ServeHTTP(sw, r)

		if sw.statusCode >= 400 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", sw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

// statusWriter wraps http.ResponseWriter to capture status codes.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.ResponseWriter.WriteHeader(code)
		sw.written = true
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

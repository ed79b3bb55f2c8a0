package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukahq/billing/internal/api"
	"github.com/dukahq/billing/internal/audit"
	"github.com/dukahq/billing/internal/auth"
	"github.com/dukahq/billing/internal/billing"
	"github.com/dukahq/billing/internal/gateway"
	"github.com/dukahq/billing/internal/pricing"
	"github.com/dukahq/billing/internal/registry"
)

const testAdminKey = "test-admin-key"

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()

	dir := t.TempDir()
	store, err := registry.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	recorder, err := audit.NewSQLiteRecorder(audit.SQLiteRecorderConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("NewSQLiteRecorder: %v", err)
	}
	t.Cleanup(func() { _ = recorder.Close() })

	table := pricing.NewTable()
	svc := billing.New(billing.Config{
		Store:       store,
		Gateway:     gateway.NewLogGateway(),
		Pricing:     table,
		Audit:       recorder,
		TrialDays:   14,
		GraceDays:   30,
		CallbackURL: "https://billing.example.com/payment/callback",
	})
	tokens := auth.NewTokenManager("routes-test-secret", time.Hour)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Handlers: &api.Handlers{
			Billing:       svc,
			Store:         store,
			Pricing:       table,
			Tokens:        tokens,
			Audit:         recorder,
			WebhookSecret: "whsec_test",
		},
		Tokens:   tokens,
		AdminKey: testAdminKey,
	})
	return mux
}

// signUpTenant drives the real signup endpoint and returns the issued token.
func signUpTenant(t *testing.T, mux *http.ServeMux) string {
	t.Helper()

	body := `{"business_name":"Mama Njeri Stores","subdomain":"mamanjeri","owner_email":"owner@mamanjeri.co.ke","password":"s3cret-pass"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, want %d (body=%q)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("signup returned an empty token")
	}
	return resp.Token
}

func TestRegisterRoutes_HealthProbes(t *testing.T) {
	mux := newTestMux(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestRegisterRoutes_TenantAuth(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/api/subscription/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/subscription/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("garbage-token status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	token := signUpTenant(t, mux)
	req = httptest.NewRequest(http.MethodGet, "/api/subscription/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("tenant-token status = %d, want %d (body=%q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var status struct {
		SubscriptionStatus string `json:"subscription_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if status.SubscriptionStatus != "trial" {
		t.Fatalf("subscription_status = %q, want %q", status.SubscriptionStatus, "trial")
	}
}

func TestRegisterRoutes_AdminAuth(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no-creds status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/tenants", nil)
	req.Header.Set("X-Admin-Key", "wrong-key")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong-key status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/tenants", nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin-key status = %d, want %d (body=%q)", rec.Code, http.StatusOK, rec.Body.String())
	}

	// A tenant token must not reach admin endpoints.
	token := signUpTenant(t, mux)
	req = httptest.NewRequest(http.MethodGet, "/api/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("tenant-token-on-admin status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestRegisterRoutes_MethodDispatch(t *testing.T) {
	mux := newTestMux(t)
	token := signUpTenant(t, mux)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "branches-get", method: http.MethodGet, path: "/api/branches", want: http.StatusOK},
		{name: "branches-put-rejected", method: http.MethodPut, path: "/api/branches", want: http.StatusMethodNotAllowed},
		{name: "branch-get-rejected", method: http.MethodGet, path: "/api/branches/some-id", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("%s %s status = %d, want %d (body=%q)",
					tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	adminTests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "admin-users-get", method: http.MethodGet, path: "/api/admin/users", want: http.StatusOK},
		{name: "admin-users-put-rejected", method: http.MethodPut, path: "/api/admin/users", want: http.StatusMethodNotAllowed},
		{name: "admin-user-get-rejected", method: http.MethodGet, path: "/api/admin/users/some-id", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range adminTests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("X-Admin-Key", testAdminKey)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("%s %s status = %d, want %d (body=%q)",
					tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

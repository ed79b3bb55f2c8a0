package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukahq/billing/internal/audit"
	"github.com/dukahq/billing/internal/auth"
	"github.com/dukahq/billing/internal/billing"
	"github.com/dukahq/billing/internal/gateway"
	"github.com/dukahq/billing/internal/pricing"
	"github.com/dukahq/billing/internal/registry"
)

const testWebhookSecret = "sk_test_webhook"

// newTestHandlers builds a Handlers backed by a real store and the
// in-memory log gateway, so tests drive complete payment flows.
func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()

	dir := t.TempDir()
	store, err := registry.NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	recorder, err := audit.NewSQLiteRecorder(audit.SQLiteRecorderConfig{DataDir: dir})
	require.NoError(t, err)
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

	return &Handlers{
		Billing:       svc,
		Store:         store,
		Pricing:       table,
		Tokens:        auth.NewTokenManager("api-test-secret", time.Hour),
		Audit:         recorder,
		WebhookSecret: testWebhookSecret,
	}
}

// signUp drives HandleSignup and returns the decoded response.
func signUp(t *testing.T, h *Handlers, name, subdomain, email string) signupResponse {
	t.Helper()

	body := `{"business_name":"` + name + `","subdomain":"` + subdomain + `","owner_email":"` + email + `","password":"s3cret-pass"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleSignup(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, "signup body: %s", rec.Body.String())

	var resp signupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	require.NotNil(t, resp.Tenant)
	require.NotNil(t, resp.MainBranch)
	return resp
}

// withTenant stamps the request context the way RequireTenant would.
func withTenant(r *http.Request, tenantID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxTenantID, tenantID))
}

// withAdmin stamps the request context the way RequireAdmin would.
func withAdmin(r *http.Request, actor string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxAdminActor, actor))
}

// subscribe runs initialize+verify for the given branches and returns
// the checkout reference.
func subscribe(t *testing.T, h *Handlers, tenantID, cycle string, branchIDs []string) string {
	t.Helper()

	payload := map[string]any{"billing_cycle": cycle, "branch_ids": branchIDs}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/subscription/initialize", strings.NewReader(string(body))), tenantID)
	rec := httptest.NewRecorder()
	h.HandleInitialize(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "initialize body: %s", rec.Body.String())

	var checkout checkoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checkout))
	require.NotEmpty(t, checkout.Reference)

	req = withTenant(httptest.NewRequest(http.MethodPost, "/api/subscription/verify",
		strings.NewReader(`{"reference":"`+checkout.Reference+`"}`)), tenantID)
	rec = httptest.NewRecorder()
	h.HandleVerify(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "verify body: %s", rec.Body.String())

	return checkout.Reference
}

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HandleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleReadyz(t *testing.T) {
	h := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	HandleReadyz(h.Store)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	var dst struct{}
	err := decodeJSON(rec, req, &dst)
	require.Error(t, err)
}

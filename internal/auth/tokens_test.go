package auth

import (
	"testing"
	"time"

	billingerrors "github.com/dukahq/billing/internal/errors"
)

func TestIssueAndVerifyTenantToken(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)

	token, err := m.IssueTenantToken("t-ABC123", "owner@duka.co.ke")
	if err != nil {
		t.Fatalf("IssueTenantToken: %v", err)
	}

	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.TenantID != "t-ABC123" {
		t.Errorf("tenant id = %q", claims.TenantID)
	}
	if claims.Role != RoleTenant {
		t.Errorf("role = %q, want tenant", claims.Role)
	}
	if claims.Email != "owner@duka.co.ke" {
		t.Errorf("email = %q", claims.Email)
	}
	if claims.Subject != "t-ABC123" {
		t.Errorf("subject = %q", claims.Subject)
	}
}

func TestIssueAndVerifyAdminToken(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)

	token, err := m.IssueAdminToken("u_OPS1", "ops@dukahq.com")
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}

	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Role != RoleAdmin {
		t.Errorf("role = %q, want admin", claims.Role)
	}
	if claims.TenantID != "" {
		t.Errorf("admin token carries tenant id %q", claims.TenantID)
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	m1 := NewTokenManager("secret-one", time.Hour)
	m2 := NewTokenManager("secret-two", time.Hour)

	token, err := m1.IssueTenantToken("t-ABC123", "owner@duka.co.ke")
	if err != nil {
		t.Fatalf("IssueTenantToken: %v", err)
	}

	_, err = m2.VerifyToken(token)
	if err == nil {
		t.Fatal("token verified with wrong secret")
	}
	if billingerrors.TypeOf(err) != billingerrors.ErrorTypeAuthorization {
		t.Errorf("error type = %v, want authorization", billingerrors.TypeOf(err))
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	m := NewTokenManager("test-secret", -time.Minute)

	token, err := m.IssueTenantToken("t-ABC123", "owner@duka.co.ke")
	if err != nil {
		t.Fatalf("IssueTenantToken: %v", err)
	}

	if _, err := m.VerifyToken(token); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)
	if _, err := m.VerifyToken("not-a-token"); err == nil {
		t.Fatal("garbage token verified")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("duka-owner-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "duka-owner-pass" {
		t.Fatal("password stored in plain text")
	}
	if !CheckPasswordHash("duka-owner-pass", hash) {
		t.Error("correct password rejected")
	}
	if CheckPasswordHash("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestValidatePasswordComplexity(t *testing.T) {
	if err := ValidatePasswordComplexity("short"); err == nil {
		t.Error("short password accepted")
	}
	if err := ValidatePasswordComplexity("long-enough-password"); err != nil {
		t.Errorf("valid password rejected: %v", err)
	}
}

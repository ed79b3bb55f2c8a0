package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	billingerrors "github.com/dukahq/billing/internal/errors"
)

// Token roles. Tenant tokens scope API access to one tenant; admin
// tokens unlock the /api/admin surface.
const (
	RoleTenant = "tenant"
	RoleAdmin  = "admin"
)

// Claims carried in every access token.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 access tokens.
type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewTokenManager creates a token manager. Duration bounds token
// lifetime for both tenant and admin tokens.
func NewTokenManager(secretKey string, tokenDuration time.Duration) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// IssueTenantToken mints a token scoped to one tenant.
func (m *TokenManager) IssueTenantToken(tenantID, email string) (string, error) {
	return m.issue(Claims{
		TenantID: tenantID,
		Email:    email,
		Role:     RoleTenant,
	}, tenantID)
}

// IssueAdminToken mints a platform admin token.
func (m *TokenManager) IssueAdminToken(adminID, email string) (string, error) {
	return m.issue(Claims{
		Email: email,
		Role:  RoleAdmin,
	}, adminID)
}

func (m *TokenManager) issue(claims Claims, subject string) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "duka-billing",
		Subject:   subject,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates an access token. Failures come back
// as authorization errors so handlers map them to 403 directly.
func (m *TokenManager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
	)
	if err != nil {
		return nil, billingerrors.Unauthorizedf("verify token", "invalid token: %v", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, billingerrors.Unauthorizedf("verify token", "unexpected claims type")
	}
	return claims, nil
}

// TokenDuration returns the configured token lifetime.
func (m *TokenManager) TokenDuration() time.Duration {
	return m.tokenDuration
}

// Package auth implements multi-secret JWT verification with rotation
// grace, superadmin gating, bootstrap-once enforcement, and
// TOTP-backed bootstrap tokens. Signing uses one secret while
// verification walks a superset of secrets, so a rotated-out secret
// keeps validating tokens issued before the rotation for as long as it
// stays in the verify list. Verification applies no time bound of its
// own: MERISTEM_SECURITY_JWT_ROTATION_GRACE_SECONDS is read into
// config but not used here.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meristem/core/internal/apperr"
)

// Claims is the token payload the Core authorizes against: identity,
// org, and permission set.
type Claims struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	OrgID       string   `json:"org_id"`
	Superadmin  bool     `json:"superadmin"`
	Permissions []string `json:"permissions,omitempty"`
	// AllowedTopics, when present, is the UI-contract channel
	// whitelist enforced at WebSocket topic admission.
	AllowedTopics []string `json:"allowed_topics,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs with one secret and verifies against every secret
// in VerifySecrets, in order, so a verify-only secret added ahead of
// a rotation keeps validating previously issued tokens.
type JWTManager struct {
	SignSecret    string
	VerifySecrets []string
	Issuer        string
	TokenTTL      time.Duration
}

func NewJWTManager(signSecret string, verifySecrets []string, issuer string, ttl time.Duration) *JWTManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTManager{SignSecret: signSecret, VerifySecrets: verifySecrets, Issuer: issuer, TokenTTL: ttl}
}

// GenerateToken signs a new token with SignSecret, HS256 only.
func (m *JWTManager) GenerateToken(userID, username, orgID string, superadmin bool, permissions []string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      userID,
		Username:    username,
		OrgID:       orgID,
		Superadmin:  superadmin,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.SignSecret))
}

// ValidateToken verifies tokenString's signature against every
// verify secret in turn, rejecting any algorithm other than HMAC to
// close the "none"/asymmetric-substitution attacks.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	var lastErr error
	for _, secret := range m.VerifySecrets {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err == nil && token.Valid {
			return claims, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no verify secrets configured")
	}
	return nil, apperr.Wrap(apperr.Unauthorized, "invalid or expired token", lastErr)
}

// RequireSuperadmin is the gate used by superadmin-only surfaces
// (e.g. /metrics).
func RequireSuperadmin(claims *Claims) error {
	if claims == nil || !claims.Superadmin {
		return apperr.New(apperr.AccessDenied, "superadmin required")
	}
	return nil
}

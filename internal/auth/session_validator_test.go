package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionUserID        = int64(7)
	testSessionTenantID      = int64(3)
)

var testClockNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func mustSignClaims(t *testing.T, method jwt.SigningMethod, secret string, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() SessionClaims {
	return SessionClaims{
		UserID:   testSessionUserID,
		TenantID: testSessionTenantID,
		Role:     "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   "7",
			IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testClockNow.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := newTestValidator(t)
	signed := mustSignClaims(t, jwt.SigningMethodHS256, testSessionSigningSecret, validClaims())

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.TenantID != testSessionTenantID {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims()
	claims.IssuedAt = jwt.NewNumericDate(testClockNow.Add(-2 * time.Hour))
	claims.NotBefore = nil
	claims.ExpiresAt = jwt.NewNumericDate(testClockNow.Add(-time.Hour))
	signed := mustSignClaims(t, jwt.SigningMethodHS256, testSessionSigningSecret, claims)

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsInvalidTokens(t *testing.T) {
	validator := newTestValidator(t)

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	missingTenant := validClaims()
	missingTenant.TenantID = 0

	mismatchedSubject := validClaims()
	mismatchedSubject.Subject = "8"

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	cases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty", token: "  ", expected: ErrMissingSessionToken},
		{name: "garbage", token: "not-a-jwt", expected: ErrInvalidSessionToken},
		{name: "wrong secret", token: mustSignClaims(t, jwt.SigningMethodHS256, "other", validClaims()), expected: ErrInvalidSessionToken},
		{name: "wrong algorithm", token: mustSignClaims(t, jwt.SigningMethodHS512, testSessionSigningSecret, validClaims()), expected: ErrInvalidSessionToken},
		{name: "wrong issuer", token: mustSignClaims(t, jwt.SigningMethodHS256, testSessionSigningSecret, wrongIssuer), expected: ErrInvalidSessionToken},
		{name: "missing tenant", token: mustSignClaims(t, jwt.SigningMethodHS256, testSessionSigningSecret, missingTenant), expected: ErrMissingSessionSubject},
		{name: "mismatched subject", token: mustSignClaims(t, jwt.SigningMethodHS256, testSessionSigningSecret, mismatchedSubject), expected: ErrInvalidSessionToken},
		{name: "no expiry", token: mustSignClaims(t, jwt.SigningMethodHS256, testSessionSigningSecret, noExpiry), expected: ErrInvalidSessionToken},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestUsesQueryThenBearer(t *testing.T) {
	validator := newTestValidator(t)
	signed := mustSignClaims(t, jwt.SigningMethodHS256, testSessionSigningSecret, validClaims())

	queryRequest := httptest.NewRequest(http.MethodGet, "/ws?token="+signed, http.NoBody)
	queryRequest.Header.Set("Authorization", "Bearer ignored")
	claims, err := validator.ValidateRequest(queryRequest)
	if err != nil {
		t.Fatalf("query validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %d", claims.UserID)
	}

	headerRequest := httptest.NewRequest(http.MethodGet, "/presence", http.NoBody)
	headerRequest.Header.Set("Authorization", "bearer "+signed)
	if _, err := validator.ValidateRequest(headerRequest); err != nil {
		t.Fatalf("header validation failed: %v", err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecret(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

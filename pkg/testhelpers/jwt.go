package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shelfsight/insight-engine/pkg/auth"
)

// TestSigningKey is the HMAC key used for tokens in tests.
const TestSigningKey = "test-signing-key"

// GenerateAnnotatorToken creates a signed annotator token for tests.
func GenerateAnnotatorToken(t *testing.T, subject string) string {
	t.Helper()

	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(TestSigningKey))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return token
}

// GenerateAnnotatorBearer returns the token with "Bearer " prefix for the
// Authorization header.
func GenerateAnnotatorBearer(t *testing.T, subject string) string {
	return "Bearer " + GenerateAnnotatorToken(t, subject)
}

// Package auth identifies callers of the review API. Annotators carry an
// HMAC-signed bearer token; anonymous voters identify by a client-held device
// key only.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// IdentityKey is the context key for storing the caller identity.
const IdentityKey contextKey = "identity"

// Claims is the payload of an annotator bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"` // display name, informational only
}

// Identity is the resolved caller of a request. Exactly one of AnnotatorID
// and DeviceID is set for identified callers; both empty means the caller
// provided no identity at all.
type Identity struct {
	// AnnotatorID is the validated token subject. Non-empty means trusted.
	AnnotatorID string
	// DeviceID is the anonymous device key.
	DeviceID string
}

// Trusted reports whether the identity belongs to an authenticated annotator.
func (i Identity) Trusted() bool {
	return i.AnnotatorID != ""
}

// Identified reports whether the caller provided any identity.
func (i Identity) Identified() bool {
	return i.AnnotatorID != "" || i.DeviceID != ""
}

// GetIdentity retrieves the caller identity from the request context.
// Returns the zero identity and false if none was attached.
func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(Identity)
	return identity, ok
}

// WithIdentity attaches the caller identity to the context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

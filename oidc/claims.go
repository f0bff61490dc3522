package oidc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// UnmarshalClaims decodes the claims of a compact-serialized JWT into the
// claims pointer. No signature verification is performed, so callers must
// treat the result as provider-asserted, not cryptographically proven, unless
// it is verified elsewhere.
func UnmarshalClaims(token string, claims interface{}) error {
	const op = "oidc.UnmarshalClaims"
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%s: jwt does not have 3 parts: %w", op, ErrMalformedToken)
	}
	raw, err := decodeSegment(parts[1])
	if err != nil {
		return fmt.Errorf("%s: unable to decode payload segment: %w", op, err)
	}
	if err := json.Unmarshal(raw, claims); err != nil {
		return fmt.Errorf("%s: unable to unmarshal claims: %w", op, ErrMalformedToken)
	}
	return nil
}

// decodeSegment converts a JWT segment from URL-safe base64, padding it to a
// multiple of 4. A remainder of 1 can never be valid base64.
func decodeSegment(seg string) ([]byte, error) {
	s := strings.ReplaceAll(seg, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	switch len(s) % 4 {
	case 0:
	case 2:
		s += "=="
	case 3:
		s += "="
	default:
		return nil, ErrMalformedToken
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrMalformedToken
	}
	return raw, nil
}

// RoleSet holds the roles granted for a realm or a resource.
type RoleSet struct {
	Roles []string `json:"roles"`
}

// HasRole reports whether the set contains the given role.
func (r *RoleSet) HasRole(role string) bool {
	if r == nil {
		return false
	}
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// TokenClaims are the registered and Keycloak-specific claims the session
// consumes from decoded tokens. Unknown claims are ignored.
type TokenClaims struct {
	// Subject is the principal the token was issued to.
	Subject string `json:"sub"`

	// IssuedAt is the provider-side issue time, in seconds since the epoch.
	IssuedAt int64 `json:"iat"`

	// Expiration is the provider-side expiry time, in seconds since the
	// epoch.
	Expiration int64 `json:"exp"`

	// Nonce is the single-use random value bound into the token during an
	// authentication flow.
	Nonce string `json:"nonce"`

	// SessionState is the provider's SSO session id, when present.
	SessionState string `json:"session_state"`

	// RealmAccess holds the realm-level roles granted to the subject.
	RealmAccess *RoleSet `json:"realm_access"`

	// ResourceAccess holds the per-client roles granted to the subject.
	ResourceAccess map[string]*RoleSet `json:"resource_access"`
}

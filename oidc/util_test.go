package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2/jwt"
)

// testConfig builds a valid Config against the given server URL, with the
// iframe check disabled unless a test opts back in.
func testConfig(t *testing.T, authServerURL string, opt ...Option) *Config {
	t.Helper()
	opts := append([]Option{WithLoginIframe(false, 0)}, opt...)
	c, err := NewConfig(authServerURL, "demo", "web-client", opts...)
	require.NoError(t, err)
	return c
}

// testSignedToken signs claims into a compact JWT with a throwaway test key.
// The session never verifies signatures, so the key does not matter.
func testSignedToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	_, priv := TestGenerateKeys(t)
	return TestSignJWT(t, priv, jwt.Claims{}, claims)
}

// testTokenClaims composes a typical token claim set expiring expIn from now.
func testTokenClaims(now time.Time, expIn time.Duration, extra map[string]interface{}) map[string]interface{} {
	claims := map[string]interface{}{
		"sub":           "alice@example.com",
		"iat":           now.Unix(),
		"exp":           now.Add(expIn).Unix(),
		"session_state": "sso-session-1",
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

// failTransport is a Transport whose every request fails.
type failTransport struct{}

func (failTransport) Post(context.Context, string, url.Values, http.Header) ([]byte, error) {
	return nil, errors.New("transport unavailable")
}

func (failTransport) Get(context.Context, string, http.Header) ([]byte, error) {
	return nil, errors.New("transport unavailable")
}

// testSession builds a Session over a memory storage and the given
// collaborators, registering cleanup.
func testSession(t *testing.T, c *Config, transport Transport, nav Navigator, opt ...Option) *Session {
	t.Helper()
	if transport == nil {
		transport = failTransport{}
	}
	if nav == nil {
		nav = NewTestNavigator("https://app.example.com/")
	}
	s, err := NewSession(c, NewMemoryStorage(0), transport, nav, opt...)
	require.NoError(t, err)
	t.Cleanup(s.Done)
	return s
}

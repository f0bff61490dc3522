package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestGenerateKeys will generate a test ECDSA P-256 pub/priv key pair.
func TestGenerateKeys(t *testing.T) (pub, priv string) {
	t.Helper()
	require := require.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	{
		derBytes, err := x509.MarshalECPrivateKey(privateKey)
		require.NoError(err)

		pemBlock := &pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: derBytes,
		}
		priv = string(pem.EncodeToMemory(pemBlock))
	}
	{
		derBytes, err := x509.MarshalPKIXPublicKey(privateKey.Public())
		require.NoError(err)

		pemBlock := &pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: derBytes,
		}
		pub = string(pem.EncodeToMemory(pemBlock))
	}

	return pub, priv
}

// TestSignJWT will bundle the provided claims into a test signed JWT. The
// provided key must be ECDSA.
func TestSignJWT(t *testing.T, ecdsaPrivKeyPEM string, claims jwt.Claims, privateClaims interface{}) string {
	t.Helper()
	require := require.New(t)
	var key *ecdsa.PrivateKey
	block, _ := pem.Decode([]byte(ecdsaPrivKeyPEM))
	if block != nil {
		var err error
		key, err = x509.ParseECPrivateKey(block.Bytes)
		require.NoError(err)
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	raw, err := jwt.Signed(sig).
		Claims(claims).
		Claims(privateClaims).
		CompactSerialize()
	require.NoError(err)

	return raw
}

// TestNavigator is a Navigator for tests: instead of driving a real user
// agent it records the redirects and URL replacements it is asked for. It is
// concurrently safe.
type TestNavigator struct {
	mu sync.Mutex

	current   string
	redirects []string
	replaced  []string
}

// NewTestNavigator creates a TestNavigator reporting current as the address
// the application is on.
func NewTestNavigator(current string) *TestNavigator {
	return &TestNavigator{current: current}
}

// CurrentURL implements Navigator.
func (n *TestNavigator) CurrentURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// SetCurrentURL changes the reported current address.
func (n *TestNavigator) SetCurrentURL(rawURL string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = rawURL
}

// Redirect implements Navigator by recording the URL.
func (n *TestNavigator) Redirect(_ context.Context, rawURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, rawURL)
	return nil
}

// ReplaceURL implements Navigator by recording the URL and making it the
// current address.
func (n *TestNavigator) ReplaceURL(_ context.Context, rawURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replaced = append(n.replaced, rawURL)
	n.current = rawURL
	return nil
}

// Redirects returns the recorded redirect URLs.
func (n *TestNavigator) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.redirects...)
}

// Replaced returns the recorded URL replacements.
func (n *TestNavigator) Replaced() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.replaced...)
}

// TestIframeAdapter is an IframeAdapter for tests. Its reply function
// controls what the fake status iframe answers; the default always answers
// SessionUnchanged.
type TestIframeAdapter struct {
	mu sync.Mutex

	// Origin is the origin Load reports. Defaults to
	// "https://provider.test".
	Origin string

	// LoadErr, when set, makes Load fail.
	LoadErr error

	// ReplyFunc computes the reply to a posted message.
	ReplyFunc func(msg string) string

	loads    []string
	messages []string
}

// Load implements IframeAdapter.
func (a *TestIframeAdapter) Load(_ context.Context, src string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.LoadErr != nil {
		return "", a.LoadErr
	}
	a.loads = append(a.loads, src)
	if a.Origin == "" {
		return "https://provider.test", nil
	}
	return a.Origin, nil
}

// Message implements IframeAdapter.
func (a *TestIframeAdapter) Message(_ context.Context, msg string, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
	if a.ReplyFunc == nil {
		return SessionUnchanged, nil
	}
	return a.ReplyFunc(msg), nil
}

// Messages returns the messages posted to the fake iframe.
func (a *TestIframeAdapter) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.messages...)
}

// Loads returns the iframe sources loaded.
func (a *TestIframeAdapter) Loads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.loads...)
}

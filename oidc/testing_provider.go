package oidc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
)

// TestProvider is a local HTTP server that plays the provider side of the
// token, userinfo and account endpoints for tests. Typical usage:
//
//	tp := oidc.StartTestProvider(t)
//	tp.SetExpectedAuthCode("a-code")
//
// The server shuts itself down via t.Cleanup.
type TestProvider struct {
	t          *testing.T
	httpServer *httptest.Server
	privKey    *ecdsa.PrivateKey

	mu sync.Mutex

	expectedAuthCode     string
	expectedRefreshToken string

	replySubject      string
	replyNonce        string
	replySessionState string
	replyExpiry       time.Duration
	replyRealmRoles   []string
	replyClientRoles  map[string][]string
	omitRefreshToken  bool
	omitIdToken       bool

	userInfoReply map[string]interface{}
	profileReply  map[string]interface{}

	tokenRequestCount int
	tokenRequestDelay time.Duration
	tokenRequestForms []map[string]string
	tokenRequestAuth  []string
}

// StartTestProvider creates and starts a running TestProvider. The provider
// issues ES256-signed tokens with a default subject, expiry and session
// state, all adjustable through the setters.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	p := &TestProvider{
		t:                 t,
		privKey:           key,
		replySubject:      "alice@example.com",
		replySessionState: "sso-session-1",
		replyExpiry:       5 * time.Minute,
		userInfoReply: map[string]interface{}{
			"sub":   "alice@example.com",
			"email": "alice@example.com",
		},
		profileReply: map[string]interface{}{
			"username":  "alice",
			"firstName": "Alice",
		},
	}
	p.httpServer = httptest.NewServer(http.HandlerFunc(p.ServeHTTP))
	t.Cleanup(p.httpServer.Close)
	return p
}

// Addr returns the provider's base URL, suitable as a Config's
// AuthServerURL.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// SetExpectedAuthCode configures the authorization code the token endpoint
// accepts for the authorization_code grant.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedRefreshToken configures the refresh token the token endpoint
// accepts for the refresh_token grant. Tokens the provider itself issued are
// always accepted.
func (p *TestProvider) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefreshToken = token
}

// SetReplySubject configures the sub claim of issued tokens.
func (p *TestProvider) SetReplySubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetReplyNonce configures the nonce claim of issued tokens.
func (p *TestProvider) SetReplyNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyNonce = nonce
}

// SetReplySessionState configures the session_state claim of issued tokens.
func (p *TestProvider) SetReplySessionState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySessionState = state
}

// SetReplyExpiry configures the lifetime of issued tokens.
func (p *TestProvider) SetReplyExpiry(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyExpiry = d
}

// SetReplyRealmRoles configures the realm_access roles of issued tokens.
func (p *TestProvider) SetReplyRealmRoles(roles ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyRealmRoles = roles
}

// SetReplyClientRoles configures the resource_access roles of issued tokens.
func (p *TestProvider) SetReplyClientRoles(client string, roles ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replyClientRoles == nil {
		p.replyClientRoles = map[string][]string{}
	}
	p.replyClientRoles[client] = roles
}

// SetOmitRefreshToken makes the token endpoint leave the refresh_token out of
// its responses.
func (p *TestProvider) SetOmitRefreshToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = omit
}

// SetOmitIdToken makes the token endpoint leave the id_token out of its
// responses.
func (p *TestProvider) SetOmitIdToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIdToken = omit
}

// SetTokenRequestDelay makes each token endpoint request block before
// answering, to widen race windows in concurrency tests.
func (p *TestProvider) SetTokenRequestDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRequestDelay = d
}

// SetUserInfoReply configures the userinfo endpoint's response claims.
func (p *TestProvider) SetUserInfoReply(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoReply = claims
}

// TokenRequestCount reports how many requests the token endpoint has served.
func (p *TestProvider) TokenRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequestCount
}

// TokenRequestForms returns the form parameters of every token endpoint
// request, in order.
func (p *TestProvider) TokenRequestForms() []map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]string{}, p.tokenRequestForms...)
}

// TokenRequestAuth returns the Authorization header of every token endpoint
// request, in order.
func (p *TestProvider) TokenRequestAuth() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.tokenRequestAuth...)
}

// IssueTokens signs a fresh access/refresh/id token triple with the
// provider's current reply settings, for bootstrapping sessions in tests.
func (p *TestProvider) IssueTokens() (access, refresh, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issueTokensLocked()
}

func (p *TestProvider) issueTokensLocked() (access, refresh, id string) {
	now := time.Now()
	base := map[string]interface{}{
		"sub":           p.replySubject,
		"iat":           now.Unix(),
		"exp":           now.Add(p.replyExpiry).Unix(),
		"session_state": p.replySessionState,
	}
	if p.replyNonce != "" {
		base["nonce"] = p.replyNonce
	}

	accessClaims := map[string]interface{}{}
	for k, v := range base {
		accessClaims[k] = v
	}
	if len(p.replyRealmRoles) > 0 {
		accessClaims["realm_access"] = map[string]interface{}{"roles": p.replyRealmRoles}
	}
	if len(p.replyClientRoles) > 0 {
		resources := map[string]interface{}{}
		for client, roles := range p.replyClientRoles {
			resources[client] = map[string]interface{}{"roles": roles}
		}
		accessClaims["resource_access"] = resources
	}

	access = p.sign(accessClaims)
	refresh = p.sign(base)
	id = p.sign(base)
	// a refresh token the provider issued is valid for the next refresh
	p.expectedRefreshToken = refresh
	return access, refresh, id
}

func (p *TestProvider) sign(claims map[string]interface{}) string {
	p.t.Helper()
	require := require.New(p.t)
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: p.privKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)
	payload, err := json.Marshal(claims)
	require.NoError(err)
	jws, err := signer.Sign(payload)
	require.NoError(err)
	raw, err := jws.CompactSerialize()
	require.NoError(err)
	return raw
}

// ServeHTTP implements the provider endpoints the session talks to.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.t.Helper()
	switch {
	case req.Method == http.MethodPost && pathEndsWith(req, "/protocol/openid-connect/token"):
		p.serveToken(w, req)
	case req.Method == http.MethodGet && pathEndsWith(req, "/protocol/openid-connect/userinfo"):
		p.serveJSON(w, req, p.userInfoReply, true)
	case req.Method == http.MethodGet && pathEndsWith(req, "/account"):
		p.serveJSON(w, req, p.profileReply, true)
	default:
		http.NotFound(w, req)
	}
}

func pathEndsWith(req *http.Request, suffix string) bool {
	return len(req.URL.Path) >= len(suffix) && req.URL.Path[len(req.URL.Path)-len(suffix):] == suffix
}

func (p *TestProvider) serveToken(w http.ResponseWriter, req *http.Request) {
	require := require.New(p.t)
	require.NoError(req.ParseForm())

	p.mu.Lock()
	p.tokenRequestCount++
	form := map[string]string{}
	for k := range req.PostForm {
		form[k] = req.PostForm.Get(k)
	}
	p.tokenRequestForms = append(p.tokenRequestForms, form)
	p.tokenRequestAuth = append(p.tokenRequestAuth, req.Header.Get("Authorization"))
	delay := p.tokenRequestDelay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch req.PostForm.Get("grant_type") {
	case "authorization_code":
		if req.PostForm.Get("code") != p.expectedAuthCode {
			p.writeTokenError(w, "invalid_grant", "unexpected authorization code")
			return
		}
	case "refresh_token":
		if req.PostForm.Get("refresh_token") != p.expectedRefreshToken {
			p.writeTokenError(w, "invalid_grant", "unexpected refresh token")
			return
		}
	default:
		p.writeTokenError(w, "unsupported_grant_type", "")
		return
	}

	access, refresh, id := p.issueTokensLocked()
	reply := map[string]interface{}{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int64(p.replyExpiry / time.Second),
	}
	if !p.omitRefreshToken {
		reply["refresh_token"] = refresh
	}
	if !p.omitIdToken {
		reply["id_token"] = id
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(json.NewEncoder(w).Encode(reply))
}

func (p *TestProvider) writeTokenError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (p *TestProvider) serveJSON(w http.ResponseWriter, req *http.Request, reply map[string]interface{}, requireBearer bool) {
	if requireBearer && req.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

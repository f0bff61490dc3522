package oidc

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLogin builds an authorization URL on the session and returns its query
// values (state, nonce, redirect_uri and friends).
func startLogin(t *testing.T, s *Session, opt *LoginOptions) url.Values {
	t.Helper()
	require := require.New(t)
	raw, err := s.AuthURL(opt)
	require.NoError(err)
	u, err := url.Parse(raw)
	require.NoError(err)
	return u.Query()
}

func testHTTPTransport(t *testing.T) Transport {
	t.Helper()
	tr, err := NewHTTPTransport("")
	require.NoError(t, err)
	return tr
}

func TestSession_Init_CodeExchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("standard-flow", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr(), WithResponseMode(ResponseModeQuery))
		nav := NewTestNavigator("https://app.example.com/cb")
		s := testSession(t, c, testHTTPTransport(t), nav)
		successes := 0
		s.OnAuthSuccess(func() { successes++ })
		var readyAuth *bool
		s.OnReady(func(authenticated bool) { readyAuth = &authenticated })

		login := startLogin(t, s, nil)
		tp.SetExpectedAuthCode("a-code")
		tp.SetReplyNonce(login.Get("nonce"))

		nav.SetCurrentURL("https://app.example.com/cb?code=a-code&state=" + login.Get("state"))
		authenticated, err := s.Init(ctx, nil)
		require.NoError(err)
		assert.True(authenticated)
		assert.Equal("alice@example.com", s.Subject())
		assert.Equal("demo/alice@example.com/sso-session-1", s.SessionID())
		assert.NotEmpty(string(s.Token()))
		assert.NotEmpty(string(s.RefreshToken()))
		assert.Equal(1, successes)
		require.NotNil(readyAuth)
		assert.True(*readyAuth)

		// the visible address was scrubbed of the authorization response
		replaced := nav.Replaced()
		require.Len(replaced, 1)
		assert.Equal("https://app.example.com/cb", replaced[0])

		// the exchange carried the redirect the request was made with
		forms := tp.TokenRequestForms()
		require.Len(forms, 1)
		assert.Equal("authorization_code", forms[0]["grant_type"])
		assert.Equal(login.Get("redirect_uri"), forms[0]["redirect_uri"])
		assert.Equal("web-client", forms[0]["client_id"])

		// local and provider clocks run in step here
		assert.LessOrEqual(s.TimeSkew(), 3*time.Second)
		assert.GreaterOrEqual(s.TimeSkew(), -3*time.Second)
	})
	t.Run("client-secret-uses-basic-auth", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr(), WithResponseMode(ResponseModeQuery), WithClientSecret("sesame"))
		nav := NewTestNavigator("https://app.example.com/cb")
		s := testSession(t, c, testHTTPTransport(t), nav)

		login := startLogin(t, s, nil)
		tp.SetExpectedAuthCode("a-code")
		tp.SetReplyNonce(login.Get("nonce"))
		nav.SetCurrentURL("https://app.example.com/cb?code=a-code&state=" + login.Get("state"))

		_, err := s.Init(ctx, nil)
		require.NoError(err)
		auth := tp.TokenRequestAuth()
		require.Len(auth, 1)
		assert.True(strings.HasPrefix(auth[0], "Basic "))
		forms := tp.TokenRequestForms()
		assert.Empty(forms[0]["client_id"])
	})
	t.Run("nonce-mismatch-clears-tokens", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr(), WithResponseMode(ResponseModeQuery))
		nav := NewTestNavigator("https://app.example.com/cb")
		s := testSession(t, c, testHTTPTransport(t), nav)

		login := startLogin(t, s, nil)
		tp.SetExpectedAuthCode("a-code")
		tp.SetReplyNonce("a-nonce-for-someone-else")
		nav.SetCurrentURL("https://app.example.com/cb?code=a-code&state=" + login.Get("state"))

		authenticated, err := s.Init(ctx, nil)
		require.Error(err)
		assert.ErrorIs(err, ErrInvalidNonce)
		assert.False(authenticated)
		assert.False(s.Authenticated())
		assert.Empty(string(s.Token()))
	})
	t.Run("provider-error", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr(), WithResponseMode(ResponseModeQuery))
		nav := NewTestNavigator("https://app.example.com/cb")
		s := testSession(t, c, testHTTPTransport(t), nav)
		var notified error
		s.OnAuthError(func(err error) { notified = err })

		login := startLogin(t, s, nil)
		nav.SetCurrentURL("https://app.example.com/cb?error=access_denied&error_description=nope&state=" + login.Get("state"))

		authenticated, err := s.Init(ctx, nil)
		require.Error(err)
		assert.False(authenticated)
		var authErr *AuthError
		require.True(errors.As(err, &authErr))
		assert.Equal("access_denied", authErr.Code)
		assert.Equal("nope", authErr.Description)
		require.NotNil(notified)
		assert.Equal(0, tp.TokenRequestCount())
	})
	t.Run("declined-silent-login-is-benign", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr(), WithResponseMode(ResponseModeQuery))
		nav := NewTestNavigator("https://app.example.com/cb")
		s := testSession(t, c, testHTTPTransport(t), nav)

		login := startLogin(t, s, &LoginOptions{Prompt: "none"})
		nav.SetCurrentURL("https://app.example.com/cb?prompt=none&error=login_required&state=" + login.Get("state"))

		authenticated, err := s.Init(ctx, nil)
		require.NoError(err)
		assert.False(authenticated)
		assert.False(s.Authenticated())
	})
	t.Run("implicit-flow-installs-fragment-tokens", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr(), WithFlow(FlowImplicit))
		nav := NewTestNavigator("https://app.example.com/cb")
		s := testSession(t, c, testHTTPTransport(t), nav)
		successes := 0
		s.OnAuthSuccess(func() { successes++ })

		login := startLogin(t, s, nil)
		tp.SetReplyNonce(login.Get("nonce"))
		access, _, id := tp.IssueTokens()
		nav.SetCurrentURL("https://app.example.com/cb#state=" + login.Get("state") +
			"&access_token=" + access + "&id_token=" + id + "&token_type=bearer")

		authenticated, err := s.Init(ctx, nil)
		require.NoError(err)
		assert.True(authenticated)
		assert.Equal(AccessToken(access), s.Token())
		assert.Equal(IdToken(id), s.IdToken())
		assert.Equal(1, successes)
		// the tokens arrived on the redirect, no token endpoint round trip
		assert.Equal(0, tp.TokenRequestCount())
	})
	t.Run("hybrid-flow-installs-and-exchanges", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr(), WithFlow(FlowHybrid))
		nav := NewTestNavigator("https://app.example.com/cb")
		s := testSession(t, c, testHTTPTransport(t), nav)
		successes := 0
		s.OnAuthSuccess(func() { successes++ })

		login := startLogin(t, s, nil)
		tp.SetExpectedAuthCode("a-code")
		tp.SetReplyNonce(login.Get("nonce"))
		access, _, id := tp.IssueTokens()
		nav.SetCurrentURL("https://app.example.com/cb#state=" + login.Get("state") +
			"&code=a-code&access_token=" + access + "&id_token=" + id)

		authenticated, err := s.Init(ctx, nil)
		require.NoError(err)
		assert.True(authenticated)
		assert.Equal(1, tp.TokenRequestCount())
		// one authentication, one success notification
		assert.Equal(1, successes)
		// the code exchange replaced the fragment-delivered access token
		assert.NotEqual(AccessToken(access), s.Token())
	})
}

func TestSession_UpdateToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()

	t.Run("fresh-token-is-a-no-op", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetReplyExpiry(10 * time.Minute)
		c := testConfig(t, tp.Addr())
		s := testSession(t, c, testHTTPTransport(t), nil)

		access, refresh, _ := tp.IssueTokens()
		require.NoError(s.SetTokens(access, refresh, "", false))

		got, err := s.UpdateToken(ctx, 5*time.Second)
		require.NoError(err)
		assert.Equal(AccessToken(access), got)
		assert.Equal(0, tp.TokenRequestCount())
	})
	t.Run("expiring-token-is-refreshed", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetReplyExpiry(10 * time.Minute)
		c := testConfig(t, tp.Addr())
		s := testSession(t, c, testHTTPTransport(t), nil)

		// an access token about to lapse, a refresh token with plenty left
		access := testSignedToken(t, testTokenClaims(now, 2*time.Second, nil))
		_, refresh, _ := tp.IssueTokens()
		require.NoError(s.SetTokens(access, refresh, "", false))

		got, err := s.UpdateToken(ctx, 30*time.Second)
		require.NoError(err)
		assert.NotEqual(AccessToken(access), got)
		assert.Equal(got, s.Token())
		assert.Equal(1, tp.TokenRequestCount())
		forms := tp.TokenRequestForms()
		assert.Equal("refresh_token", forms[0]["grant_type"])
		assert.Equal(refresh, forms[0]["refresh_token"])
		assert.True(s.Authenticated())
	})
	t.Run("expired-refresh-token-forces-login", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr())
		nav := NewTestNavigator("https://app.example.com/")
		s := testSession(t, c, testHTTPTransport(t), nav)

		access := testSignedToken(t, testTokenClaims(now.Add(-time.Hour), time.Minute, nil))
		refresh := testSignedToken(t, testTokenClaims(now.Add(-time.Hour), time.Minute, nil))
		require.NoError(s.SetTokens(access, refresh, "", false))

		_, err := s.UpdateToken(ctx, 5*time.Second)
		require.Error(err)
		assert.ErrorIs(err, ErrNotAuthenticated)
		redirects := nav.Redirects()
		require.Len(redirects, 1)
		assert.Contains(redirects[0], "/protocol/openid-connect/auth")
		// no pointless round trip for a refresh token that cannot work
		assert.Equal(0, tp.TokenRequestCount())
	})
	t.Run("rejected-refresh-forces-login", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c := testConfig(t, tp.Addr())
		nav := NewTestNavigator("https://app.example.com/")
		s := testSession(t, c, testHTTPTransport(t), nav)

		access := testSignedToken(t, testTokenClaims(now, 2*time.Second, nil))
		refresh := testSignedToken(t, testTokenClaims(now, time.Hour, nil))
		tp.SetExpectedRefreshToken("a-token-the-provider-knows")
		require.NoError(s.SetTokens(access, refresh, "", false))

		_, err := s.UpdateToken(ctx, 30*time.Second)
		require.Error(err)
		redirects := nav.Redirects()
		require.Len(redirects, 1)
		assert.Contains(redirects[0], "/protocol/openid-connect/auth")
	})
	t.Run("concurrent-calls-share-one-refresh", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetReplyExpiry(10 * time.Minute)
		tp.SetTokenRequestDelay(200 * time.Millisecond)
		c := testConfig(t, tp.Addr())
		s := testSession(t, c, testHTTPTransport(t), nil)

		access := testSignedToken(t, testTokenClaims(now, 2*time.Second, nil))
		_, refresh, _ := tp.IssueTokens()
		require.NoError(s.SetTokens(access, refresh, "", false))

		const callers = 5
		tokens := make([]AccessToken, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tokens[i], errs[i] = s.UpdateToken(ctx, 30*time.Second)
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(errs[i])
			assert.Equal(tokens[0], tokens[i])
		}
		assert.Equal(1, tp.TokenRequestCount())
	})
	t.Run("not-authenticated", func(t *testing.T) {
		t.Parallel()
		tp := StartTestProvider(t)
		s := testSession(t, testConfig(t, tp.Addr()), testHTTPTransport(t), nil)
		_, err := s.UpdateToken(ctx, 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotAuthenticated)
	})
}

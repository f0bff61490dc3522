package oidc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Roles(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := testSession(t, testConfig(t, "https://id.example.com"), nil, nil)
	access := testSignedToken(t, testTokenClaims(now, 5*time.Minute, map[string]interface{}{
		"realm_access": map[string]interface{}{"roles": []string{"admin"}},
		"resource_access": map[string]interface{}{
			"web-client": map[string]interface{}{"roles": []string{"manage-account"}},
			"reporting":  map[string]interface{}{"roles": []string{"view-reports"}},
		},
	}))
	require.NoError(t, s.SetTokens(access, "", "", false))

	assert := assert.New(t)
	assert.True(s.HasRealmRole("admin"))
	assert.False(s.HasRealmRole("operator"))
	// an empty resource means the session's own client
	assert.True(s.HasResourceRole("manage-account", ""))
	assert.False(s.HasResourceRole("view-reports", ""))
	assert.True(s.HasResourceRole("view-reports", "reporting"))
	assert.False(s.HasResourceRole("manage-account", "unknown-client"))
}

func TestSession_Roles_NoToken(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	s := testSession(t, testConfig(t, "https://id.example.com"), nil, nil)
	assert.False(s.HasRealmRole("admin"))
	assert.False(s.HasResourceRole("manage-account", ""))
}

func TestSession_UserInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("returns-claims", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetUserInfoReply(map[string]interface{}{
			"sub":   "alice@example.com",
			"email": "alice@example.com",
			"name":  "Alice Example",
		})
		s := testSession(t, testConfig(t, tp.Addr()), testHTTPTransport(t), nil)
		access, refresh, _ := tp.IssueTokens()
		require.NoError(s.SetTokens(access, refresh, "", false))

		var claims map[string]interface{}
		require.NoError(s.UserInfo(ctx, &claims))
		assert.Equal("alice@example.com", claims["email"])
		assert.Equal("Alice Example", claims["name"])
	})
	t.Run("not-authenticated", func(t *testing.T) {
		t.Parallel()
		tp := StartTestProvider(t)
		s := testSession(t, testConfig(t, tp.Addr()), testHTTPTransport(t), nil)
		var claims map[string]interface{}
		err := s.UserInfo(ctx, &claims)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotAuthenticated)
	})
	t.Run("nil-claims", func(t *testing.T) {
		t.Parallel()
		tp := StartTestProvider(t)
		s := testSession(t, testConfig(t, tp.Addr()), testHTTPTransport(t), nil)
		err := s.UserInfo(ctx, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNilParameter)
	})
}

func TestSession_UserProfile(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	s := testSession(t, testConfig(t, tp.Addr()), testHTTPTransport(t), nil)
	access, refresh, _ := tp.IssueTokens()
	require.NoError(s.SetTokens(access, refresh, "", false))

	profile, err := s.UserProfile(context.Background())
	require.NoError(err)
	assert.Equal("alice", profile["username"])
}

func TestSession_AccountManagement(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	nav := NewTestNavigator("https://app.example.com/profile")
	s := testSession(t, testConfig(t, "https://id.example.com"), nil, nav)

	require.NoError(s.AccountManagement(context.Background(), nil))
	redirects := nav.Redirects()
	require.Len(redirects, 1)
	assert.Contains(redirects[0], "/realms/demo/account")
	assert.Contains(redirects[0], "referrer=web-client")
}

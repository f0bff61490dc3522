package oidc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		c, err := NewConfig("https://id.example.com", "demo", "web-client")
		require.NoError(err)
		assert.Equal(FlowStandard, c.Flow)
		assert.Equal(ResponseModeFragment, c.ResponseMode)
		assert.True(c.CheckLoginIframe)
		assert.Equal(DefaultLoginIframeInterval, c.CheckLoginIframeInterval)
		assert.False(c.LoginRequired)
		assert.Empty(c.Scopes)
	})
	t.Run("with-options", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		c, err := NewConfig("https://id.example.com", "demo", "web-client",
			WithClientSecret("sesame"),
			WithFlow(FlowHybrid),
			WithResponseMode(ResponseModeQuery),
			WithScopes("profile", "email"),
			WithLoginRequired(),
			WithLoginIframe(false, 0),
		)
		require.NoError(err)
		assert.Equal(ClientSecret("sesame"), c.ClientSecret)
		assert.Equal(FlowHybrid, c.Flow)
		assert.Equal(ResponseModeQuery, c.ResponseMode)
		assert.Equal([]string{"profile", "email"}, c.Scopes)
		assert.True(c.LoginRequired)
		assert.False(c.CheckLoginIframe)
	})
	t.Run("iframe-interval", func(t *testing.T) {
		t.Parallel()
		c, err := NewConfig("https://id.example.com", "demo", "web-client",
			WithLoginIframe(true, 30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, c.CheckLoginIframeInterval)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			AuthServerURL: "https://id.example.com/auth",
			Realm:         "demo",
			ClientID:      "web-client",
			Flow:          FlowStandard,
			ResponseMode:  ResponseModeFragment,
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "empty-url", mutate: func(c *Config) { c.AuthServerURL = "" }, wantErr: ErrInvalidParameter},
		{name: "bad-scheme", mutate: func(c *Config) { c.AuthServerURL = "ldap://id.example.com" }, wantErr: ErrInvalidParameter},
		{name: "empty-realm", mutate: func(c *Config) { c.Realm = "" }, wantErr: ErrInvalidParameter},
		{name: "empty-client-id", mutate: func(c *Config) { c.ClientID = "" }, wantErr: ErrInvalidParameter},
		{name: "unknown-flow", mutate: func(c *Config) { c.Flow = "password" }, wantErr: ErrInvalidFlow},
		{name: "unknown-response-mode", mutate: func(c *Config) { c.ResponseMode = "form_post" }, wantErr: ErrInvalidResponseMode},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
	t.Run("nil-config", func(t *testing.T) {
		t.Parallel()
		var c *Config
		err := c.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNilParameter)
	})
}

func TestConfig_URLs(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	c := &Config{AuthServerURL: "https://id.example.com/auth/", Realm: "my realm", ClientID: "web-client"}
	assert.Equal("https://id.example.com/auth/realms/my%20realm", c.RealmURL())
	assert.Equal("https://id.example.com/auth/realms/my%20realm/protocol/openid-connect/token", c.TokenURL())
	assert.Equal("https://id.example.com/auth/realms/my%20realm/protocol/openid-connect/userinfo", c.UserInfoURL())
	assert.Equal("https://id.example.com/auth/realms/my%20realm/protocol/openid-connect/login-status-iframe.html", c.LoginStatusIframeURL())
}

func TestFlow_ResponseType(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal("code", FlowStandard.ResponseType())
	assert.Equal("id_token token", FlowImplicit.ResponseType())
	assert.Equal("code id_token token", FlowHybrid.ResponseType())
}

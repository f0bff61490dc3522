package oidc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Flow identifies which OIDC grant the client uses: standard (authorization
// code), implicit (tokens delivered directly on the redirect) or hybrid
// (both).
type Flow string

const (
	FlowStandard Flow = "standard"
	FlowImplicit Flow = "implicit"
	FlowHybrid   Flow = "hybrid"
)

// ResponseType returns the OAuth2 response_type value for the flow.
func (f Flow) ResponseType() string {
	switch f {
	case FlowImplicit:
		return "id_token token"
	case FlowHybrid:
		return "code id_token token"
	default:
		return "code"
	}
}

// ResponseMode identifies whether the provider returns authorization response
// parameters in the redirect URL's query string or its fragment.
type ResponseMode string

const (
	ResponseModeQuery    ResponseMode = "query"
	ResponseModeFragment ResponseMode = "fragment"
)

type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// DefaultLoginIframeInterval is the default period between silent SSO session
// checks.
const DefaultLoginIframeInterval = 5 * time.Second

// Config represents the static configuration for an OIDC client session
// against one Keycloak realm. A Config is set once at initialization and is
// immutable thereafter.
type Config struct {
	// AuthServerURL is the base URL of the Keycloak server, with or without a
	// trailing slash.
	AuthServerURL string

	// Realm is the Keycloak realm the client belongs to.
	Realm string

	// ClientID is the relying party id.
	ClientID string

	// ClientSecret is the optional relying party secret. When set, token
	// endpoint requests authenticate with HTTP Basic; otherwise client_id is
	// sent in the request body.
	ClientSecret ClientSecret

	// Flow selects the OIDC grant. The response_type sent on authorization
	// requests is a pure function of the flow (see Flow.ResponseType).
	Flow Flow

	// ResponseMode selects how the provider delivers authorization response
	// parameters. Defaults to fragment.
	ResponseMode ResponseMode

	// Scopes is a list of additional oidc scopes to request of the provider.
	// The required "openid" scope is always requested and should not be part
	// of this optional list.
	Scopes []string

	// LoginRequired, when true, makes the session trigger a fresh login
	// whenever its tokens are cleared.
	LoginRequired bool

	// CheckLoginIframe enables the silent SSO session check.
	CheckLoginIframe bool

	// CheckLoginIframeInterval is the period between silent SSO session
	// checks. Defaults to DefaultLoginIframeInterval.
	CheckLoginIframeInterval time.Duration
}

// NewConfig composes a new client configuration for a realm.
// Supported options: WithClientSecret, WithFlow, WithResponseMode,
// WithScopes, WithLoginRequired, WithLoginIframe
func NewConfig(authServerURL string, realm string, clientID string, opt ...Option) (*Config, error) {
	const op = "oidc.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		AuthServerURL:            authServerURL,
		Realm:                    realm,
		ClientID:                 clientID,
		ClientSecret:             opts.withClientSecret,
		Flow:                     opts.withFlow,
		ResponseMode:             opts.withResponseMode,
		Scopes:                   opts.withScopes,
		LoginRequired:            opts.withLoginRequired,
		CheckLoginIframe:         opts.withLoginIframe,
		CheckLoginIframeInterval: opts.withLoginIframeInterval,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid configuration: %w", op, err)
	}
	return c, nil
}

// Validate the client configuration. Fails synchronously during
// initialization and is fatal to startup.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: configuration is nil: %w", op, ErrNilParameter)
	}
	if c.AuthServerURL == "" {
		return fmt.Errorf("%s: auth server URL is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(c.AuthServerURL)
	if err != nil {
		return fmt.Errorf("%s: auth server URL %s is invalid: %w", op, c.AuthServerURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s: auth server URL %s scheme is not http or https: %w", op, c.AuthServerURL, ErrInvalidParameter)
	}
	if c.Realm == "" {
		return fmt.Errorf("%s: realm is empty: %w", op, ErrInvalidParameter)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	switch c.Flow {
	case FlowStandard, FlowImplicit, FlowHybrid:
	default:
		return fmt.Errorf("%s: %q: %w", op, c.Flow, ErrInvalidFlow)
	}
	switch c.ResponseMode {
	case ResponseModeQuery, ResponseModeFragment:
	default:
		return fmt.Errorf("%s: %q: %w", op, c.ResponseMode, ErrInvalidResponseMode)
	}
	return nil
}

// RealmURL returns the base URL for the configured realm.
func (c *Config) RealmURL() string {
	base := strings.TrimSuffix(c.AuthServerURL, "/")
	return base + "/realms/" + url.PathEscape(c.Realm)
}

// TokenURL returns the realm's token endpoint.
func (c *Config) TokenURL() string {
	return c.RealmURL() + "/protocol/openid-connect/token"
}

// UserInfoURL returns the realm's userinfo endpoint.
func (c *Config) UserInfoURL() string {
	return c.RealmURL() + "/protocol/openid-connect/userinfo"
}

// LoginStatusIframeURL returns the address of the hidden status iframe used
// for silent SSO session checks.
func (c *Config) LoginStatusIframeURL() string {
	return c.RealmURL() + "/protocol/openid-connect/login-status-iframe.html"
}

// configOptions is the set of available options for NewConfig.
type configOptions struct {
	withClientSecret        ClientSecret
	withFlow                Flow
	withResponseMode        ResponseMode
	withScopes              []string
	withLoginRequired       bool
	withLoginIframe         bool
	withLoginIframeInterval time.Duration
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withFlow:                FlowStandard,
		withResponseMode:        ResponseModeFragment,
		withLoginIframe:         true,
		withLoginIframeInterval: DefaultLoginIframeInterval,
	}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithClientSecret provides an optional client secret for the config.
func WithClientSecret(s ClientSecret) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withClientSecret = s
		}
	}
}

// WithFlow provides an optional flow for the config. The default is the
// standard (authorization code) flow.
func WithFlow(f Flow) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withFlow = f
		}
	}
}

// WithResponseMode provides an optional response mode for the config. The
// default is fragment.
func WithResponseMode(m ResponseMode) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withResponseMode = m
		}
	}
}

// WithScopes provides an optional list of additional scopes for the config.
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithLoginRequired makes the session mandatory: clearing tokens triggers a
// fresh login.
func WithLoginRequired() Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLoginRequired = true
		}
	}
}

// WithLoginIframe enables or disables the silent SSO session check and sets
// its polling interval. A zero interval keeps the default.
func WithLoginIframe(enabled bool, interval time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLoginIframe = enabled
			if interval > 0 {
				o.withLoginIframeInterval = interval
			}
		}
	}
}

package oidc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

// LoadAction is the optional action Init performs when the current address
// carries no authorization response.
type LoadAction string

const (
	// LoadActionNone leaves the session unauthenticated until the caller
	// performs an explicit login.
	LoadActionNone LoadAction = ""

	// LoadActionCheckSSO runs one silent SSO check; if it fails, a silent
	// (prompt=none) login redirect is attempted.
	LoadActionCheckSSO LoadAction = "check-sso"

	// LoadActionLoginRequired redirects immediately to the authorization URL.
	LoadActionLoginRequired LoadAction = "login-required"
)

// InitOptions are the inputs to Session.Init.
type InitOptions struct {
	// OnLoad selects what to do when no authorization response is found on
	// the current address and no bootstrap tokens are supplied.
	OnLoad LoadAction

	// Token, RefreshToken and IdToken bootstrap the session from previously
	// persisted tokens.
	Token        string
	RefreshToken string
	IdToken      string

	// TimeSkew is the previously measured difference between the local clock
	// and the provider clock, restored together with bootstrap tokens.
	TimeSkew time.Duration
}

// Session owns the protocol state for one OIDC client session: the current
// token set, the pending-request storage, the expiry timer and the silent SSO
// monitor. Unlike a process-wide singleton, independent Sessions do not
// interfere with each other.
type Session struct {
	config    *Config
	storage   RequestStorage
	transport Transport
	navigator Navigator
	monitor   *sessionMonitor
	logger    hclog.Logger
	nowFunc   func() time.Time

	// backgroundCtx is the context used by the session for background
	// activities like SSO polling and logins triggered by token clears.
	backgroundCtx       context.Context
	backgroundCtxCancel context.CancelFunc

	mu sync.Mutex

	// generation guards against an in-flight exchange installing its result
	// after the tokens it raced with were cleared.
	generation uint64

	accessToken   AccessToken
	accessClaims  *TokenClaims
	refreshToken  RefreshToken
	refreshClaims *TokenClaims
	idToken       IdToken
	idClaims      *TokenClaims
	timeSkew      time.Duration
	sessionID     string
	authenticated bool
	expiryTimer   *time.Timer

	refreshGroup singleflight.Group

	onTokenExpired func()
	onAuthSuccess  func()
	onAuthError    func(error)
	onAuthLogout   func()
	onReady        func(authenticated bool)
	readyOnce      sync.Once
}

// NewSession creates a Session for the given configuration and collaborators.
// The transport and navigator are required; the iframe adapter is optional
// (without one the silent SSO check is inert).
//
// See Session.Done() which must be called to release session resources.
// Supported options: WithIframeAdapter, WithLogger, WithNow
func NewSession(c *Config, storage RequestStorage, transport Transport, navigator Navigator, opt ...Option) (*Session, error) {
	const op = "oidc.NewSession"
	if c == nil {
		return nil, fmt.Errorf("%s: configuration is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid configuration: %w", op, err)
	}
	if storage == nil {
		return nil, fmt.Errorf("%s: request storage is nil: %w", op, ErrNilParameter)
	}
	if transport == nil {
		return nil, fmt.Errorf("%s: transport is nil: %w", op, ErrNilParameter)
	}
	if navigator == nil {
		return nil, fmt.Errorf("%s: navigator is nil: %w", op, ErrNilParameter)
	}
	opts := getSessionOpts(opt...)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		config:              c,
		storage:             storage,
		transport:           transport,
		navigator:           navigator,
		logger:              opts.withLogger,
		nowFunc:             opts.withNowFunc,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}
	s.monitor = newSessionMonitor(s, opts.withIframeAdapter, c.CheckLoginIframe, c.CheckLoginIframeInterval)
	return s, nil
}

// Done releases the session's background resources: the SSO polling
// goroutine, the expiry timer and any login the session might otherwise
// trigger. It must be called for every Session created.
func (s *Session) Done() {
	if s == nil {
		return
	}
	s.monitor.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopExpiryTimerLocked()
	if s.backgroundCtxCancel != nil {
		s.backgroundCtxCancel()
		s.backgroundCtxCancel = nil
	}
}

// Init sequences session initialization: detect an authorization response on
// the current address, else resume from bootstrap tokens, else perform the
// requested load action. It returns whether the session ended up
// authenticated. The OnReady notification fires exactly once with the final
// flag; paths that redirect the user agent away do not report ready.
func (s *Session) Init(ctx context.Context, opts *InitOptions) (bool, error) {
	const op = "Session.Init"
	cb, err := s.ParseCallback(s.navigator.CurrentURL())
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case cb != nil:
		if err := s.setupMonitor(ctx); err != nil {
			s.logger.Debug("sso monitor setup failed", "error", err)
		}
		if err := s.navigator.ReplaceURL(ctx, cb.NewURL); err != nil {
			s.logger.Debug("unable to replace current url", "error", err)
		}
		exchangeErr := s.exchangeCode(ctx, cb)
		authenticated := s.Authenticated()
		s.ready(authenticated)
		if exchangeErr != nil {
			return authenticated, fmt.Errorf("%s: %w", op, exchangeErr)
		}
		return authenticated, nil

	case opts != nil && (opts.Token != "" || opts.RefreshToken != ""):
		if err := s.SetTokens(opts.Token, opts.RefreshToken, opts.IdToken, false); err != nil {
			s.ready(false)
			return false, fmt.Errorf("%s: %w", op, err)
		}
		s.mu.Lock()
		s.timeSkew = opts.TimeSkew
		s.mu.Unlock()
		if s.monitor.active() {
			if err := s.setupMonitor(ctx); err != nil {
				s.logger.Debug("sso monitor setup failed", "error", err)
			} else if err := s.monitor.Check(ctx); err != nil {
				// the check already cleared the stale tokens
				if opts.OnLoad != LoadActionNone {
					return false, s.loadAction(ctx, opts.OnLoad)
				}
			}
		}
		authenticated := s.Authenticated()
		s.ready(authenticated)
		return authenticated, nil

	case opts != nil && opts.OnLoad != LoadActionNone:
		return false, s.loadAction(ctx, opts.OnLoad)

	default:
		s.ready(false)
		return false, nil
	}
}

// loadAction performs the check-sso or login-required action of Init.
func (s *Session) loadAction(ctx context.Context, action LoadAction) error {
	const op = "Session.loadAction"
	switch action {
	case LoadActionCheckSSO:
		if err := s.setupMonitor(ctx); err != nil {
			s.logger.Debug("sso monitor setup failed", "error", err)
		}
		if s.monitor.loadedOrigin() != "" {
			if err := s.monitor.Check(ctx); err == nil {
				s.ready(false)
				return nil
			}
		}
		// no usable status iframe, or the session is stale: try a silent
		// login
		return s.Login(ctx, &LoginOptions{Prompt: "none"})
	case LoadActionLoginRequired:
		return s.Login(ctx, nil)
	default:
		return fmt.Errorf("%s: %q: %w", op, action, ErrInvalidParameter)
	}
}

// Login builds an authorization URL, persists the pending request and
// redirects the user agent to the provider.
func (s *Session) Login(ctx context.Context, opt *LoginOptions) error {
	const op = "Session.Login"
	authURL, err := s.AuthURL(opt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.navigator.Redirect(ctx, authURL); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Logout clears the local token state, halts SSO polling and redirects the
// user agent to the provider's logout endpoint.
func (s *Session) Logout(ctx context.Context, opt *LoginOptions) error {
	const op = "Session.Logout"
	logoutURL := s.LogoutURL(opt)
	s.monitor.stop()
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
	if err := s.navigator.Redirect(ctx, logoutURL); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Register redirects the user agent to the provider's registration page.
func (s *Session) Register(ctx context.Context, opt *LoginOptions) error {
	const op = "Session.Register"
	registerURL, err := s.RegisterURL(opt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.navigator.Redirect(ctx, registerURL); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetTokens replaces the session's token state. Absent token arguments clear
// the corresponding slot. When useIssueTime is true, the expiry notification
// is scheduled relative to the token's iat claim instead of the local clock;
// that flavor is used after a server round trip to avoid double-penalizing
// local clock lag. A malformed token fails the call and leaves the prior
// token state untouched.
func (s *Session) SetTokens(access string, refresh string, id string, useIssueTime bool) error {
	const op = "Session.SetTokens"
	parsed, err := parseTokenSet(access, refresh, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	s.commitLocked(parsed, useIssueTime)
	s.mu.Unlock()
	return nil
}

// ClearTokens wipes all token slots, cancels the expiry timer, halts SSO
// polling and fires the logout notification. If login is mandatory by
// configuration, a new login is triggered immediately. Clearing an already
// empty session is a no-op.
func (s *Session) ClearTokens(ctx context.Context) error {
	const op = "Session.ClearTokens"
	s.mu.Lock()
	if s.accessToken == "" {
		s.mu.Unlock()
		return nil
	}
	s.clearLocked()
	logout := s.onAuthLogout
	s.mu.Unlock()

	s.monitor.stop()
	if logout != nil {
		logout()
	}
	if s.config.LoginRequired {
		if err := s.Login(ctx, nil); err != nil {
			return fmt.Errorf("%s: unable to trigger login: %w", op, err)
		}
	}
	return nil
}

// clearLocked wipes the token state. Callers must hold s.mu.
func (s *Session) clearLocked() {
	s.generation++
	s.stopExpiryTimerLocked()
	s.accessToken, s.accessClaims = "", nil
	s.refreshToken, s.refreshClaims = "", nil
	s.idToken, s.idClaims = "", nil
	s.sessionID = ""
	s.authenticated = false
}

// IsExpired reports whether the access token is within minValidity of its
// clock-skew-adjusted expiry. The boundary is strict: a token whose remaining
// validity is exactly zero is NOT expired. It fails with ErrNotAuthenticated
// when no parsed access token exists, unless the flow is implicit (which has
// no refresh token to fall back on).
func (s *Session) IsExpired(minValidity time.Duration) (bool, error) {
	const op = "Session.IsExpired"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessClaims == nil || (s.refreshToken == "" && s.config.Flow != FlowImplicit) {
		return false, fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
	}
	return s.expiresInLocked(s.accessClaims, minValidity) < 0, nil
}

// IsRefreshExpired is the same computation as IsExpired against the refresh
// token's claims.
func (s *Session) IsRefreshExpired(minValidity time.Duration) (bool, error) {
	const op = "Session.IsRefreshExpired"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshClaims == nil {
		return false, fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
	}
	return s.expiresInLocked(s.refreshClaims, minValidity) < 0, nil
}

// expiresInLocked returns the remaining validity in whole seconds, adjusted
// by the measured clock skew. Callers must hold s.mu.
func (s *Session) expiresInLocked(claims *TokenClaims, minValidity time.Duration) int64 {
	skew := int64(s.timeSkew / time.Second)
	return claims.Expiration - s.now().Unix() + skew - int64(minValidity/time.Second)
}

// Authenticated reports whether the session currently holds an access token.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Token returns the current access token.
func (s *Session) Token() AccessToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// TokenClaims returns the decoded access token claims, or nil.
func (s *Session) TokenClaims() *TokenClaims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessClaims
}

// RefreshToken returns the current refresh token.
func (s *Session) RefreshToken() RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// IdToken returns the current id token.
func (s *Session) IdToken() IdToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idToken
}

// IdTokenClaims returns the decoded id token claims, or nil.
func (s *Session) IdTokenClaims() *TokenClaims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idClaims
}

// Subject returns the access token's sub claim, or "".
func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessClaims == nil {
		return ""
	}
	return s.accessClaims.Subject
}

// SessionID returns the identifier for the SSO session: realm + subject +
// the provider's session id when present.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// TimeSkew returns the measured difference between the local clock and the
// provider clock.
func (s *Session) TimeSkew() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeSkew
}

// OnTokenExpired registers a notification fired when the access token
// reaches its expiry. The expiry timer is only scheduled while a callback is
// registered.
func (s *Session) OnTokenExpired(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTokenExpired = fn
}

// OnAuthSuccess registers a notification fired on a completed authentication.
func (s *Session) OnAuthSuccess(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAuthSuccess = fn
}

// OnAuthError registers a notification fired when the provider reports an
// authorization error.
func (s *Session) OnAuthError(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAuthError = fn
}

// OnAuthLogout registers a notification fired when the token state is
// cleared.
func (s *Session) OnAuthLogout(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAuthLogout = fn
}

// OnReady registers a notification fired exactly once when initialization
// completes, carrying the final authenticated flag.
func (s *Session) OnReady(fn func(authenticated bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = fn
}

// ready fires the initialization-complete notification at most once.
func (s *Session) ready(authenticated bool) {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		fn := s.onReady
		s.mu.Unlock()
		if fn != nil {
			fn(authenticated)
		}
	})
}

// notifyAuthError fires the authorization-error notification, if registered.
func (s *Session) notifyAuthError(err error) {
	s.mu.Lock()
	fn := s.onAuthError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// setupMonitor loads the hidden status iframe, if the session has one
// configured.
func (s *Session) setupMonitor(ctx context.Context) error {
	return s.monitor.setup(ctx)
}

// hasToken reports whether an access token is currently held, without the
// authenticated bookkeeping.
func (s *Session) hasToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken != ""
}

// currentGeneration snapshots the token generation, for discarding stale
// exchange completions.
func (s *Session) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// parsedTokenSet holds a fully decoded prospective token set, so a malformed
// token is detected before any slot is mutated.
type parsedTokenSet struct {
	access        string
	accessClaims  *TokenClaims
	refresh       string
	refreshClaims *TokenClaims
	id            string
	idClaims      *TokenClaims
}

func parseTokenSet(access string, refresh string, id string) (*parsedTokenSet, error) {
	p := &parsedTokenSet{access: access, refresh: refresh, id: id}
	if access != "" {
		p.accessClaims = &TokenClaims{}
		if err := UnmarshalClaims(access, p.accessClaims); err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
	}
	if refresh != "" {
		p.refreshClaims = &TokenClaims{}
		if err := UnmarshalClaims(refresh, p.refreshClaims); err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
	}
	if id != "" {
		p.idClaims = &TokenClaims{}
		if err := UnmarshalClaims(id, p.idClaims); err != nil {
			return nil, fmt.Errorf("id token: %w", err)
		}
	}
	return p, nil
}

// commitLocked replaces the token slots with the parsed set and reschedules
// the expiry notification. Callers must hold s.mu.
func (s *Session) commitLocked(p *parsedTokenSet, useIssueTime bool) {
	s.stopExpiryTimerLocked()
	if p.access != "" {
		s.accessToken, s.accessClaims = AccessToken(p.access), p.accessClaims
		sessionID := s.config.Realm + "/" + p.accessClaims.Subject
		if p.accessClaims.SessionState != "" {
			sessionID += "/" + p.accessClaims.SessionState
		}
		s.sessionID = sessionID
		s.authenticated = true
		if s.onTokenExpired != nil {
			start := s.now().Unix()
			if useIssueTime {
				start = p.accessClaims.IssuedAt
			}
			expiresIn := p.accessClaims.Expiration - start
			s.expiryTimer = time.AfterFunc(time.Duration(expiresIn)*time.Second, s.onTokenExpired)
		}
	} else {
		s.accessToken, s.accessClaims = "", nil
		s.sessionID = ""
		s.authenticated = false
	}
	if p.refresh != "" {
		s.refreshToken, s.refreshClaims = RefreshToken(p.refresh), p.refreshClaims
	} else {
		s.refreshToken, s.refreshClaims = "", nil
	}
	if p.id != "" {
		s.idToken, s.idClaims = IdToken(p.id), p.idClaims
	} else {
		s.idToken, s.idClaims = "", nil
	}
}

// stopExpiryTimerLocked cancels a pending expiry notification. Callers must
// hold s.mu.
func (s *Session) stopExpiryTimerLocked() {
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
}

// now returns the current time using an optional time func.
func (s *Session) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

// sessionOptions is the set of available options for NewSession.
type sessionOptions struct {
	withLogger        hclog.Logger
	withNowFunc       func() time.Time
	withIframeAdapter IframeAdapter
}

// sessionDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func sessionDefaults() sessionOptions {
	return sessionOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

// getSessionOpts gets the session defaults and applies the opt overrides
// passed in.
func getSessionOpts(opt ...Option) sessionOptions {
	opts := sessionDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithIframeAdapter provides the iframe-messaging collaborator used for
// silent SSO session checks.
func WithIframeAdapter(a IframeAdapter) Option {
	return func(o interface{}) {
		if v, ok := o.(*sessionOptions); ok {
			v.withIframeAdapter = a
		}
	}
}

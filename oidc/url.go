package oidc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LoginOptions customize one authorization (or logout/registration/account)
// URL. All fields are optional.
type LoginOptions struct {
	// RedirectURL overrides the computed redirect_uri.
	RedirectURL string

	// Prompt is forwarded to the provider ("none" requests a silent
	// authorization that never shows a login form).
	Prompt string

	// MaxAge bounds how old the provider's authentication may be.
	MaxAge time.Duration

	// LoginHint pre-fills the provider's username field.
	LoginHint string

	// IDPHint asks Keycloak to skip straight to the given identity provider.
	IDPHint string

	// Locale sets the ui_locales parameter.
	Locale string

	// Scopes are additional scopes for this request, on top of the
	// configured ones. "openid" is always requested.
	Scopes []string
}

// AuthURL generates fresh state and nonce values, persists the pending
// request and returns the provider's authorization endpoint URL for it.
func (s *Session) AuthURL(opt *LoginOptions) (string, error) {
	return s.authURL(opt, false)
}

// RegisterURL is AuthURL against the provider's registrations endpoint.
func (s *Session) RegisterURL(opt *LoginOptions) (string, error) {
	return s.authURL(opt, true)
}

func (s *Session) authURL(opt *LoginOptions, register bool) (string, error) {
	const op = "Session.AuthURL"
	if opt == nil {
		opt = &LoginOptions{}
	}
	redirect := redirectURL(s.navigator, opt.RedirectURL, true)
	if opt.Prompt != "" {
		// echo the prompt through the redirect so the callback parser can
		// tell a declined silent authorization from a real error
		sep := "?"
		if strings.Contains(redirect, "?") {
			sep = "&"
		}
		redirect += sep + "prompt=" + url.QueryEscape(opt.Prompt)
	}

	var reqOpts []Option
	if s.nowFunc != nil {
		reqOpts = append(reqOpts, WithNow(s.nowFunc))
	}
	request, err := NewRequest(DefaultRequestTTL, redirect, reqOpts...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := s.storage.Add(request); err != nil {
		return "", fmt.Errorf("%s: unable to persist pending request: %w", op, err)
	}

	action := "auth"
	if register {
		action = "registrations"
	}

	scope := "openid"
	for _, extra := range append(append([]string{}, s.config.Scopes...), opt.Scopes...) {
		if extra != "" && extra != "openid" {
			scope += " " + extra
		}
	}

	v := url.Values{}
	v.Set("client_id", s.config.ClientID)
	v.Set("redirect_uri", redirect)
	v.Set("state", request.State())
	v.Set("nonce", request.Nonce())
	v.Set("response_mode", string(s.config.ResponseMode))
	v.Set("response_type", s.config.Flow.ResponseType())
	v.Set("scope", scope)
	if opt.Prompt != "" {
		v.Set("prompt", opt.Prompt)
	}
	if opt.MaxAge > 0 {
		v.Set("max_age", strconv.FormatInt(int64(opt.MaxAge/time.Second), 10))
	}
	if opt.LoginHint != "" {
		v.Set("login_hint", opt.LoginHint)
	}
	if opt.IDPHint != "" {
		v.Set("kc_idp_hint", opt.IDPHint)
	}
	if opt.Locale != "" {
		v.Set("ui_locales", opt.Locale)
	}

	return s.config.RealmURL() + "/protocol/openid-connect/" + action + "?" + v.Encode(), nil
}

// LogoutURL returns the provider's logout endpoint URL. The redirect back
// keeps any fragment on the current address in place (no redirect_fragment
// encoding).
func (s *Session) LogoutURL(opt *LoginOptions) string {
	override := ""
	if opt != nil {
		override = opt.RedirectURL
	}
	redirect := redirectURL(s.navigator, override, false)
	return s.config.RealmURL() + "/protocol/openid-connect/logout?redirect_uri=" + url.QueryEscape(redirect)
}

// AccountURL returns the provider's hosted account-management page URL.
func (s *Session) AccountURL(opt *LoginOptions) string {
	override := ""
	if opt != nil {
		override = opt.RedirectURL
	}
	redirect := redirectURL(s.navigator, override, true)
	return s.config.RealmURL() + "/account" +
		"?referrer=" + url.QueryEscape(s.config.ClientID) +
		"&referrer_uri=" + url.QueryEscape(redirect)
}

package oidc

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Callback is the OAuth authorization response parsed off a redirect URL. It
// is ephemeral: constructed during initialization, consumed once, discarded.
type Callback struct {
	// Code is the authorization code (standard and hybrid flows).
	Code string

	// Error and ErrorDescription carry a provider-returned authorization
	// error.
	Error            string
	ErrorDescription string

	// State is the anti-forgery value round-tripped through the redirect.
	State string

	// Prompt is the prompt the authorization request was made with, echoed
	// back through the redirect URI.
	Prompt string

	// AccessToken and IdToken are delivered directly on the redirect in the
	// implicit and hybrid flows.
	AccessToken AccessToken
	IdToken     IdToken

	// Fragment is a literal fragment echoed through a query-based redirect
	// via the redirect_fragment parameter. It is re-attached to NewURL.
	Fragment string

	// Params holds every fragment parameter when the response mode is
	// fragment, including ones the protocol does not recognize (such as
	// token_type).
	Params map[string]string

	// NewURL is the current address with all provider parameters stripped.
	// The caller replaces the visible address with NewURL so a reload does
	// not replay the authorization response.
	NewURL string

	// RedirectURL and StoredNonce come from the pending Request the State
	// matched.
	RedirectURL string
	StoredNonce string
}

// ParseCallback inspects a redirect URL for an OAuth authorization response
// under the session's response mode. It returns nil when the URL carries no
// response: unrelated query parameters and state values with no matching
// pending request are tolerated, not errors. A matching pending request is
// consumed (single use).
func (s *Session) ParseCallback(rawURL string) (*Callback, error) {
	const op = "Session.ParseCallback"
	if rawURL == "" {
		return nil, nil
	}
	cb := parseCallbackURL(rawURL, s.config.ResponseMode)
	if cb.State == "" {
		return nil, nil
	}
	stored, err := s.storage.Take(cb.State)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpiredRequest) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: unable to read pending request: %w", op, err)
	}
	if cb.Code == "" && cb.Error == "" && cb.AccessToken == "" && cb.IdToken == "" {
		return nil, nil
	}
	cb.RedirectURL = stored.RedirectURL()
	cb.StoredNonce = stored.Nonce()
	if cb.Fragment != "" {
		cb.NewURL += "#" + cb.Fragment
	}
	return cb, nil
}

// oauthQueryParams are the response parameters recognized in the query string
// when the response mode is query. Everything else is preserved on the clean
// URL.
var oauthQueryParams = []string{"code", "state", "error", "error_description"}

type param struct {
	name  string
	value string
}

// parseCallbackURL splits rawURL into base, query and fragment and sorts the
// parameters into the Callback: recognized response parameters are captured,
// everything else is re-appended to the reconstructed clean URL.
func parseCallbackURL(rawURL string, mode ResponseMode) *Callback {
	base, query, fragment := splitCallbackURL(rawURL)
	cb := &Callback{
		NewURL: base,
		Params: map[string]string{},
	}
	for _, p := range parseParams(query) {
		switch p.name {
		case "redirect_fragment":
			cb.Fragment = p.value
		case "prompt":
			cb.Prompt = p.value
		default:
			if mode == ResponseModeQuery && cb.captureQueryParam(p.name, p.value) {
				continue
			}
			sep := "?"
			if strings.Contains(cb.NewURL, "?") {
				sep = "&"
			}
			cb.NewURL += sep + p.name + "=" + url.QueryEscape(p.value)
		}
	}
	if mode == ResponseModeFragment {
		for _, p := range parseParams(fragment) {
			cb.mergeFragmentParam(p.name, p.value)
		}
	}
	return cb
}

// captureQueryParam captures an OAuth-recognized query parameter and reports
// whether it did.
func (cb *Callback) captureQueryParam(name, value string) bool {
	for _, known := range oauthQueryParams {
		if name != known {
			continue
		}
		switch name {
		case "code":
			cb.Code = value
		case "state":
			cb.State = value
		case "error":
			cb.Error = value
		case "error_description":
			cb.ErrorDescription = value
		}
		return true
	}
	return false
}

// mergeFragmentParam merges a fragment parameter into the callback. Fragment
// parameters are not provider-filtered: fragments never reach the server and
// their full removal from the visible URL is the point.
func (cb *Callback) mergeFragmentParam(name, value string) {
	cb.Params[name] = value
	switch name {
	case "code":
		cb.Code = value
	case "state":
		cb.State = value
	case "error":
		cb.Error = value
	case "error_description":
		cb.ErrorDescription = value
	case "access_token":
		cb.AccessToken = AccessToken(value)
	case "id_token":
		cb.IdToken = IdToken(value)
	case "prompt":
		cb.Prompt = value
	}
}

// splitCallbackURL splits a URL on the first "?" and the first "#" found
// after it.
func splitCallbackURL(rawURL string) (base, query, fragment string) {
	question := strings.Index(rawURL, "?")
	if question == -1 {
		if hash := strings.Index(rawURL, "#"); hash != -1 {
			return rawURL[:hash], "", rawURL[hash+1:]
		}
		return rawURL, "", ""
	}
	base = rawURL[:question]
	query = rawURL[question+1:]
	if hash := strings.Index(query, "#"); hash != -1 {
		fragment = query[hash+1:]
		query = query[:hash]
	}
	return base, query, fragment
}

// parseParams decodes an application/x-www-form-urlencoded parameter string,
// preserving parameter order for clean-URL reconstruction.
func parseParams(paramString string) []param {
	if paramString == "" {
		return nil
	}
	var params []param
	for _, pair := range strings.Split(paramString, "&") {
		if pair == "" {
			continue
		}
		name, value := pair, ""
		if eq := strings.Index(pair, "="); eq != -1 {
			name, value = pair[:eq], pair[eq+1:]
		}
		if decoded, err := url.QueryUnescape(name); err == nil {
			name = decoded
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		params = append(params, param{name: name, value: value})
	}
	return params
}

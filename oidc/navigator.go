package oidc

import (
	"context"
	"net/url"
	"strings"
)

// Navigator is the browser-navigation collaborator: it knows the address the
// application is currently on and can perform actual page redirects. An
// embedded-browser host (mobile webview, etc) supplies its own implementation
// as an injected alternative; the engine never probes its environment.
type Navigator interface {
	// CurrentURL returns the address the application is currently on.
	CurrentURL() string

	// Redirect navigates the user agent to the given URL.
	Redirect(ctx context.Context, rawURL string) error

	// ReplaceURL replaces the visible address (and history entry) without
	// navigating, so a page reload does not replay an authorization response.
	ReplaceURL(ctx context.Context, rawURL string) error
}

// redirectURL computes the redirect_uri for an authorization request: an
// explicit override wins, otherwise the current address. When encodeHash is
// set and the current address carries a fragment, the fragment is moved into
// a redirect_fragment query parameter so it survives a query-based redirect
// through the provider.
func redirectURL(nav Navigator, override string, encodeHash bool) string {
	if override != "" {
		return override
	}
	current := nav.CurrentURL()
	hash := strings.Index(current, "#")
	if hash == -1 || !encodeHash {
		return current
	}
	base, fragment := current[:hash], current[hash+1:]
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "redirect_fragment=" + url.QueryEscape(fragment)
}

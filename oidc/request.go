package oidc

import (
	"fmt"
	"time"
)

// DefaultRequestTTL is how long a pending Request survives if its callback
// never arrives, before the storage garbage-collects it.
const DefaultRequestTTL = 1 * time.Hour

// Request represents one in-flight OIDC authentication attempt. It contains
// the data needed to uniquely bind the authorization response delivered on a
// full-page redirect back to the request that initiated it: the single-use
// state (CSRF protection), the nonce bound into the issued tokens (replay
// protection) and the redirect URL the response must return to.
type Request struct {
	// state is a unique identifier and an opaque value used to maintain state
	// between the authorization request and the callback.
	state string

	// nonce is a unique value bound into the issued tokens, used to associate
	// the client session with the tokens and to mitigate replay attacks.
	nonce string

	// redirectURL is the URL the provider redirects back to once the
	// authentication/authorization is completed by the user.
	redirectURL string

	// expiration is when the request is garbage-collected if its callback
	// never arrives.
	expiration time.Time

	// nowFunc is an optional time func used for expiration checks.
	nowFunc func() time.Time
}

// NewRequest creates a Request with fresh state and nonce values (canonical
// UUID textual form).
// Supported options: WithNow
func NewRequest(expireIn time.Duration, redirectURL string, opt ...Option) (*Request, error) {
	const op = "oidc.NewRequest"
	opts := getRequestOpts(opt...)
	if expireIn <= 0 {
		return nil, fmt.Errorf("%s: expireIn not greater than zero: %w", op, ErrInvalidParameter)
	}
	state, err := NewId()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a request's state: %w", op, err)
	}
	nonce, err := NewId()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a request's nonce: %w", op, err)
	}
	r := &Request{
		state:       state,
		nonce:       nonce,
		redirectURL: redirectURL,
		nowFunc:     opts.withNowFunc,
	}
	r.expiration = r.now().Add(expireIn)
	return r, nil
}

func (r *Request) State() string       { return r.state }
func (r *Request) Nonce() string       { return r.nonce }
func (r *Request) RedirectURL() string { return r.redirectURL }

// IsExpired returns true if the request has expired.
func (r *Request) IsExpired() bool {
	return r.expiration.Before(r.now())
}

// now returns the current time using an optional time func.
func (r *Request) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now()
}

// requestOptions is the set of available options for Request functions.
type requestOptions struct {
	withNowFunc func() time.Time
}

// requestDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func requestDefaults() requestOptions {
	return requestOptions{}
}

// getRequestOpts gets the request defaults and applies the opt overrides
// passed in.
func getRequestOpts(opt ...Option) requestOptions {
	opts := requestDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

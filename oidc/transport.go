package oidc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
)

// Transport is the HTTP collaborator the session uses for provider round
// trips (token exchange, refresh, userinfo). Timeouts and retry policy are
// the implementation's responsibility; the session treats any returned error
// as a transport failure and passes it through untouched.
type Transport interface {
	// Post sends an application/x-www-form-urlencoded POST and returns the
	// response body.
	Post(ctx context.Context, rawURL string, form url.Values, header http.Header) ([]byte, error)

	// Get sends a GET and returns the response body.
	Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error)
}

// HTTPTransport is the default Transport. It uses a pooled client and will
// trust the optional provider CA certificate PEM if one was provided,
// otherwise the installed system CA chain.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates an HTTPTransport with an optional CA certificate
// PEM.
func NewHTTPTransport(caPEM string) (*HTTPTransport, error) {
	const op = "oidc.NewHTTPTransport"
	tr := cleanhttp.DefaultPooledTransport()
	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &HTTPTransport{
		client: &http.Client{Transport: tr},
	}, nil
}

// Post implements Transport.
func (t *HTTPTransport) Post(ctx context.Context, rawURL string, form url.Values, header http.Header) ([]byte, error) {
	const op = "HTTPTransport.Post"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(op, req)
}

// Get implements Transport.
func (t *HTTPTransport) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	const op = "HTTPTransport.Get"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	return t.do(op, req)
}

func (t *HTTPTransport) do(op string, req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read response body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: %s returned %d: %s", op, req.URL.Path, resp.StatusCode, string(body))
	}
	return body, nil
}

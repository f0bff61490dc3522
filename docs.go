// keycloak provides a client-side OpenID Connect / OAuth2 session engine for
// applications that authenticate against a Keycloak realm: authorization
// request construction, redirect-response parsing, code and refresh-token
// exchange, token lifecycle management, and iframe-based silent SSO session
// checks.
//
// See README.md
package keycloak

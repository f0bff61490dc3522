/*
oidc is a package for driving OIDC authentication flows from the client side
of a Keycloak realm and for managing the token lifecycle that results.

Primary types provided by the package

* Session: owns the protocol state for one client session. It sequences
initialization (detect a redirect callback on the current address, resume from
bootstrap tokens, or perform a requested login action), exchanges
authorization codes and refresh tokens, schedules token-expiry notifications
and runs the silent SSO session check.

* Config: the static OIDC client configuration (auth server URL, realm,
client id/secret, flow and response mode).

* Request: represents one in-flight authentication attempt. It carries the
single-use state and nonce values that bind an authorization response back to
the request that initiated it.

* RequestStorage: persists Requests across the full-page redirect. Two
backends are provided: an in-memory store and a cookie-backed fallback.

* Callback: the parsed authorization response found on a redirect URL,
together with the clean URL the application should display afterwards.

The external collaborators (Transport, Navigator, IframeAdapter,
CookieAccessor) are small capability interfaces injected at construction, so
the engine itself never probes its environment.
*/
package oidc

package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DefaultMinValidity is the minimum remaining validity UpdateToken ensures
// when none is given.
const DefaultMinValidity = 5 * time.Second

// tokenEndpointResponse is the JSON body of a successful token endpoint
// request.
type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IdToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// tokenInstall describes one prospective token installation resulting from a
// provider round trip.
type tokenInstall struct {
	// generation is the token generation observed before the round trip; a
	// completion arriving after a clear is discarded.
	generation uint64

	accessToken  string
	refreshToken string
	idToken      string

	// storedNonce, when validateNonce is set, must equal the nonce claim of
	// every decoded token.
	storedNonce   string
	validateNonce bool

	// sent and received bracket the round trip for the clock skew
	// measurement.
	sent     time.Time
	received time.Time

	// fulfill fires the auth-success notification once installed.
	fulfill bool
}

// exchangeCode completes an authorization response: a provider error aborts
// the exchange (unless it was a declined silent prompt), implicit/hybrid
// tokens carried on the callback are installed directly, and an
// authorization code is exchanged at the token endpoint.
func (s *Session) exchangeCode(ctx context.Context, cb *Callback) error {
	const op = "Session.exchangeCode"
	if cb == nil {
		return fmt.Errorf("%s: callback is nil: %w", op, ErrNilParameter)
	}
	if cb.Error != "" {
		if cb.Prompt == "none" {
			// a declined silent authorization is a benign "no session"
			s.logger.Debug("silent authorization declined", "error", cb.Error)
			return nil
		}
		authErr := &AuthError{Code: cb.Error, Description: cb.ErrorDescription}
		s.notifyAuthError(authErr)
		return fmt.Errorf("%s: %w", op, authErr)
	}

	sent := s.now()
	generation := s.currentGeneration()

	if s.config.Flow != FlowStandard && (cb.AccessToken != "" || cb.IdToken != "") {
		install := tokenInstall{
			generation:    generation,
			accessToken:   string(cb.AccessToken),
			idToken:       string(cb.IdToken),
			storedNonce:   cb.StoredNonce,
			validateNonce: true,
			sent:          sent,
			received:      s.now(),
			fulfill:       true,
		}
		if err := s.installTokens(ctx, install); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if s.config.Flow != FlowImplicit && cb.Code != "" {
		s.logger.Debug("exchanging authorization code")
		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", cb.Code)
		form.Set("redirect_uri", cb.RedirectURL)
		body, err := s.tokenRequest(ctx, form)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		received := s.now()
		var resp tokenEndpointResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("%s: unable to unmarshal token response: %w", op, err)
		}
		install := tokenInstall{
			generation:    generation,
			accessToken:   resp.AccessToken,
			refreshToken:  resp.RefreshToken,
			idToken:       resp.IdToken,
			storedNonce:   cb.StoredNonce,
			validateNonce: true,
			sent:          sent,
			received:      received,
			fulfill:       s.config.Flow == FlowStandard,
		}
		if err := s.installTokens(ctx, install); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// UpdateToken ensures the access token stays valid for at least minValidity
// (DefaultMinValidity when zero): a no-op while the token is fresh, a
// refresh_token grant when it is not. An expired refresh token or a transport
// failure falls back to forcing a fresh login rather than leaving a
// half-valid session. Concurrent calls share one outstanding refresh instead
// of issuing duplicate network requests.
func (s *Session) UpdateToken(ctx context.Context, minValidity time.Duration) (AccessToken, error) {
	const op = "Session.UpdateToken"
	if minValidity <= 0 {
		minValidity = DefaultMinValidity
	}
	token, err, _ := s.refreshGroup.Do("refresh", func() (interface{}, error) {
		expired, err := s.IsExpired(minValidity)
		if err != nil {
			return AccessToken(""), fmt.Errorf("%s: %w", op, err)
		}
		if !expired {
			s.logger.Debug("token still valid")
			return s.Token(), nil
		}

		refreshExpired, err := s.IsRefreshExpired(DefaultMinValidity)
		if err != nil || refreshExpired {
			s.logger.Info("refresh token unusable, forcing a fresh login")
			if loginErr := s.Login(ctx, nil); loginErr != nil {
				return AccessToken(""), fmt.Errorf("%s: unable to trigger login: %w", op, loginErr)
			}
			return AccessToken(""), fmt.Errorf("%s: refresh token is expired: %w", op, ErrNotAuthenticated)
		}

		s.logger.Debug("refreshing token")
		sent := s.now()
		generation := s.currentGeneration()
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", string(s.RefreshToken()))
		body, err := s.tokenRequest(ctx, form)
		if err != nil {
			s.logger.Info("token refresh failed, forcing a fresh login", "error", err)
			if loginErr := s.Login(ctx, nil); loginErr != nil {
				return AccessToken(""), fmt.Errorf("%s: unable to trigger login: %w", op, loginErr)
			}
			return AccessToken(""), fmt.Errorf("%s: %w", op, err)
		}
		received := s.now()
		var resp tokenEndpointResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return AccessToken(""), fmt.Errorf("%s: unable to unmarshal token response: %w", op, err)
		}
		install := tokenInstall{
			generation:   generation,
			accessToken:  resp.AccessToken,
			refreshToken: resp.RefreshToken,
			idToken:      resp.IdToken,
			sent:         sent,
			received:     received,
		}
		if err := s.installTokens(ctx, install); err != nil {
			return AccessToken(""), fmt.Errorf("%s: %w", op, err)
		}
		return s.Token(), nil
	})
	return token.(AccessToken), err
}

// installTokens decodes and commits a token set delivered by the provider,
// validates the nonce binding and recomputes the clock skew. A nonce mismatch
// clears all tokens and is a security failure, never retried.
func (s *Session) installTokens(ctx context.Context, in tokenInstall) error {
	const op = "Session.installTokens"
	parsed, err := parseTokenSet(in.accessToken, in.refreshToken, in.idToken)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	if s.generation != in.generation {
		// the session was cleared while the round trip was in flight
		s.mu.Unlock()
		s.logger.Debug("discarding stale token response")
		return nil
	}
	s.commitLocked(parsed, true)
	s.mu.Unlock()

	if in.validateNonce {
		var mismatches *multierror.Error
		for name, claims := range map[string]*TokenClaims{
			"access_token":  parsed.accessClaims,
			"refresh_token": parsed.refreshClaims,
			"id_token":      parsed.idClaims,
		} {
			if claims != nil && claims.Nonce != in.storedNonce {
				mismatches = multierror.Append(mismatches, fmt.Errorf("%s nonce mismatch", name))
			}
		}
		if mismatches != nil {
			s.logger.Error("nonce validation failed", "error", mismatches)
			if clearErr := s.ClearTokens(ctx); clearErr != nil {
				s.logger.Error("unable to clear tokens", "error", clearErr)
			}
			return fmt.Errorf("%s: %s: %w", op, mismatches.Error(), ErrInvalidNonce)
		}
	}

	if parsed.accessClaims != nil {
		mid := in.sent.Add(in.received.Sub(in.sent) / 2)
		skew := mid.Unix() - parsed.accessClaims.IssuedAt
		s.mu.Lock()
		s.timeSkew = time.Duration(skew) * time.Second
		s.mu.Unlock()
	}

	if in.fulfill {
		s.mu.Lock()
		fn := s.onAuthSuccess
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return nil
}

// tokenRequest posts a form to the realm's token endpoint. The client
// authenticates via HTTP Basic when a secret is configured, otherwise with
// client_id in the body.
func (s *Session) tokenRequest(ctx context.Context, form url.Values) ([]byte, error) {
	header := http.Header{}
	if s.config.ClientSecret != "" {
		creds := s.config.ClientID + ":" + string(s.config.ClientSecret)
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	} else {
		form.Set("client_id", s.config.ClientID)
	}
	return s.transport.Post(ctx, s.config.TokenURL(), form, header)
}

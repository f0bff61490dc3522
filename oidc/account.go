package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HasRealmRole reports whether the access token grants the given realm-level
// role.
func (s *Session) HasRealmRole(role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessClaims == nil {
		return false
	}
	return s.accessClaims.RealmAccess.HasRole(role)
}

// HasResourceRole reports whether the access token grants the given role for
// the resource (client). An empty resource means the session's own client.
func (s *Session) HasResourceRole(role string, resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessClaims == nil || s.accessClaims.ResourceAccess == nil {
		return false
	}
	if resource == "" {
		resource = s.config.ClientID
	}
	return s.accessClaims.ResourceAccess[resource].HasRole(role)
}

// UserInfo gets the userinfo claims from the provider using the current
// access token.
func (s *Session) UserInfo(ctx context.Context, claims interface{}) error {
	const op = "Session.UserInfo"
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	body, err := s.bearerGet(ctx, s.config.UserInfoURL())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := json.Unmarshal(body, claims); err != nil {
		return fmt.Errorf("%s: unable to unmarshal userinfo claims: %w", op, err)
	}
	return nil
}

// UserProfile gets the user's account profile from the provider's account
// endpoint using the current access token.
func (s *Session) UserProfile(ctx context.Context) (map[string]interface{}, error) {
	const op = "Session.UserProfile"
	body, err := s.bearerGet(ctx, s.config.RealmURL()+"/account")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var profile map[string]interface{}
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal profile: %w", op, err)
	}
	return profile, nil
}

// AccountManagement redirects the user agent to the provider's hosted
// account-management page.
func (s *Session) AccountManagement(ctx context.Context, opt *LoginOptions) error {
	const op = "Session.AccountManagement"
	if err := s.navigator.Redirect(ctx, s.AccountURL(opt)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// bearerGet performs a GET with bearer authorization for the current access
// token.
func (s *Session) bearerGet(ctx context.Context, rawURL string) ([]byte, error) {
	token := s.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("Authorization", "Bearer "+string(token))
	return s.transport.Get(ctx, rawURL, header)
}

package oidc

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TokenSource returns an oauth2.TokenSource over the session's managed
// access token, so oauth2-aware HTTP clients can consume it. Each Token()
// call refreshes through UpdateToken when the token is within
// DefaultMinValidity of expiry.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionTokenSource{ctx: ctx, session: s}
}

type sessionTokenSource struct {
	ctx     context.Context
	session *Session
}

// Token implements oauth2.TokenSource.
func (ts *sessionTokenSource) Token() (*oauth2.Token, error) {
	const op = "sessionTokenSource.Token"
	access, err := ts.session.UpdateToken(ts.ctx, DefaultMinValidity)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s := ts.session
	s.mu.Lock()
	refresh := s.refreshToken
	claims := s.accessClaims
	skew := s.timeSkew
	s.mu.Unlock()
	t := &oauth2.Token{
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		TokenType:    "Bearer",
	}
	if claims != nil {
		// provider expiry translated onto the local clock
		t.Expiry = time.Unix(claims.Expiration, 0).Add(skew)
	}
	return t, nil
}

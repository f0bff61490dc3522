package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrNilParameter        = errors.New("nil parameter")
	ErrInvalidCACert       = errors.New("invalid CA certificate")
	ErrInvalidFlow         = errors.New("invalid flow")
	ErrInvalidResponseMode = errors.New("invalid response mode")
	ErrIdGeneratorFailed   = errors.New("id generation failed")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrMalformedToken      = errors.New("malformed token")
	ErrInvalidNonce        = errors.New("invalid nonce")
	ErrNotFound            = errors.New("not found")
	ErrExpiredRequest      = errors.New("request is expired")
	ErrSessionChanged      = errors.New("sso session changed")
	ErrStorageUnavailable  = errors.New("request storage unavailable")
)

// AuthError represents an error returned by the provider on an authorization
// response redirect (the "error" and "error_description" parameters).
type AuthError struct {
	Code        string
	Description string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization error: %s", e.Code)
	}
	return fmt.Sprintf("authorization error: %s: %s", e.Code, e.Description)
}

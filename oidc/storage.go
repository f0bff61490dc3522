package oidc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// callbackKeyPrefix prefixes every persisted request key, so a shared backend
// (cookies especially) can tell our records apart from everything else.
const callbackKeyPrefix = "kc-callback-"

// RequestStorage persists pending authentication Requests across the
// full-page redirect of an OIDC flow. Records are single-use: Take removes
// the matching record on lookup. Implementations purge expired records on
// every call.
type RequestStorage interface {
	// Available reports whether the backend can be used. It is a capability
	// probe made once at startup, not a per-call check.
	Available() bool

	// Add persists a pending request keyed by its state.
	Add(r *Request) error

	// Take returns the request stored under state and removes it, so a second
	// Take of the same state returns ErrNotFound.
	Take(state string) (*Request, error)
}

// SelectStorage probes the candidate backends in order and returns the first
// available one.
func SelectStorage(candidates ...RequestStorage) (RequestStorage, error) {
	const op = "oidc.SelectStorage"
	for _, c := range candidates {
		if c != nil && c.Available() {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%s: no backend is available: %w", op, ErrStorageUnavailable)
}

// MemoryStorage is an in-memory RequestStorage. It is concurrently safe.
type MemoryStorage struct {
	mu       sync.Mutex
	requests map[string]*Request
	ttl      time.Duration
	nowFunc  func() time.Time
}

// NewMemoryStorage creates a MemoryStorage with the given record TTL. A zero
// ttl uses DefaultRequestTTL.
// Supported options: WithNow
func NewMemoryStorage(ttl time.Duration, opt ...Option) *MemoryStorage {
	opts := getStorageOpts(opt...)
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	return &MemoryStorage{
		requests: map[string]*Request{},
		ttl:      ttl,
		nowFunc:  opts.withNowFunc,
	}
}

// Available always reports true for the in-memory backend.
func (s *MemoryStorage) Available() bool { return true }

// Add implements RequestStorage.
func (s *MemoryStorage) Add(r *Request) error {
	const op = "MemoryStorage.Add"
	if r == nil {
		return fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if r.State() == "" {
		return fmt.Errorf("%s: request state is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpired()
	s.requests[r.State()] = r
	return nil
}

// Take implements RequestStorage.
func (s *MemoryStorage) Take(state string) (*Request, error) {
	const op = "MemoryStorage.Take"
	if state == "" {
		return nil, fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpired()
	r, ok := s.requests[state]
	if !ok {
		return nil, fmt.Errorf("%s: state %s: %w", op, state, ErrNotFound)
	}
	delete(s.requests, state)
	return r, nil
}

// purgeExpired removes expired records. Callers must hold s.mu.
func (s *MemoryStorage) purgeExpired() {
	now := s.now()
	for state, r := range s.requests {
		if r.expiration.Before(now) {
			delete(s.requests, state)
		}
	}
}

func (s *MemoryStorage) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

// CookieAccessor is the capability a CookieStorage needs from its host
// environment: reading, writing and expiring named cookies.
type CookieAccessor interface {
	// Get returns the value of the named cookie, if present.
	Get(name string) (string, bool)

	// Set writes the named cookie with the given expiration. Setting an
	// expiration in the past removes the cookie.
	Set(name string, value string, expires time.Time)
}

// cookieRecordTTL is the per-record expiry written on each callback cookie.
const cookieRecordTTL = 60 * time.Minute

// storedRequest is the serialized form of a Request in a cookie record.
type storedRequest struct {
	State       string `json:"state"`
	Nonce       string `json:"nonce"`
	RedirectURI string `json:"redirectUri"`
	// Expires is in milliseconds since the epoch.
	Expires int64 `json:"expires"`
}

// CookieStorage is a RequestStorage fallback that persists pending requests
// as cookies through a CookieAccessor. Expired records are removed by the
// cookie expiration itself plus a Take-side check.
type CookieStorage struct {
	cookies CookieAccessor
	nowFunc func() time.Time
}

// NewCookieStorage creates a CookieStorage over the given accessor.
// Supported options: WithNow
func NewCookieStorage(cookies CookieAccessor, opt ...Option) *CookieStorage {
	opts := getStorageOpts(opt...)
	return &CookieStorage{
		cookies: cookies,
		nowFunc: opts.withNowFunc,
	}
}

// Available reports whether a CookieAccessor was supplied.
func (s *CookieStorage) Available() bool { return s.cookies != nil }

// Add implements RequestStorage.
func (s *CookieStorage) Add(r *Request) error {
	const op = "CookieStorage.Add"
	if s.cookies == nil {
		return fmt.Errorf("%s: no cookie accessor: %w", op, ErrStorageUnavailable)
	}
	if r == nil {
		return fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if r.State() == "" {
		return fmt.Errorf("%s: request state is empty: %w", op, ErrInvalidParameter)
	}
	expires := s.now().Add(cookieRecordTTL)
	value, err := json.Marshal(storedRequest{
		State:       r.State(),
		Nonce:       r.Nonce(),
		RedirectURI: r.RedirectURL(),
		Expires:     expires.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("%s: unable to marshal request: %w", op, err)
	}
	s.cookies.Set(callbackKeyPrefix+r.State(), string(value), expires)
	return nil
}

// Take implements RequestStorage.
func (s *CookieStorage) Take(state string) (*Request, error) {
	const op = "CookieStorage.Take"
	if s.cookies == nil {
		return nil, fmt.Errorf("%s: no cookie accessor: %w", op, ErrStorageUnavailable)
	}
	if state == "" {
		return nil, fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	name := callbackKeyPrefix + state
	value, ok := s.cookies.Get(name)
	// single use: expire the cookie regardless of what it held
	s.cookies.Set(name, "", s.now().Add(-100*time.Minute))
	if !ok || value == "" {
		return nil, fmt.Errorf("%s: state %s: %w", op, state, ErrNotFound)
	}
	var stored storedRequest
	if err := json.Unmarshal([]byte(value), &stored); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal request: %w", op, ErrNotFound)
	}
	if stored.Expires > 0 && stored.Expires < s.now().UnixMilli() {
		return nil, fmt.Errorf("%s: state %s: %w", op, state, ErrExpiredRequest)
	}
	return &Request{
		state:       stored.State,
		nonce:       stored.Nonce,
		redirectURL: stored.RedirectURI,
		expiration:  time.UnixMilli(stored.Expires),
		nowFunc:     s.nowFunc,
	}, nil
}

func (s *CookieStorage) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

// storageOptions is the set of available options for storage constructors.
type storageOptions struct {
	withNowFunc func() time.Time
}

func storageDefaults() storageOptions {
	return storageOptions{}
}

func getStorageOpts(opt ...Option) storageOptions {
	opts := storageDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

package oidc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IframeAdapter is the collaborator that hosts the provider's hidden status
// iframe and carries messages to and from it. Implementations validate that
// replies come from the origin returned by Load.
type IframeAdapter interface {
	// Load creates a hidden iframe at src and resolves once it has loaded,
	// returning the iframe's origin.
	Load(ctx context.Context, src string) (origin string, err error)

	// Message posts msg to the loaded iframe at origin and returns the
	// iframe's response message.
	Message(ctx context.Context, msg string, origin string) (reply string, err error)
}

// SessionUnchanged is the status iframe's reply while the SSO session is
// still the one the tokens were issued for. Any other reply means the
// session changed at the provider.
const SessionUnchanged = "unchanged"

// sessionMonitor polls the provider's login-status iframe to detect SSO
// session changes without a visible redirect. It owns its polling goroutine;
// logout halts polling.
type sessionMonitor struct {
	session  *Session
	adapter  IframeAdapter
	enabled  bool
	interval time.Duration

	mu         sync.Mutex
	origin     string
	loaded     bool
	cancelPoll context.CancelFunc
}

func newSessionMonitor(s *Session, adapter IframeAdapter, enabled bool, interval time.Duration) *sessionMonitor {
	if interval <= 0 {
		interval = DefaultLoginIframeInterval
	}
	return &sessionMonitor{
		session:  s,
		adapter:  adapter,
		enabled:  enabled,
		interval: interval,
	}
}

// active reports whether the monitor has an adapter and is enabled by
// configuration.
func (m *sessionMonitor) active() bool {
	return m != nil && m.enabled && m.adapter != nil
}

// loadedOrigin returns the status iframe's origin once it has loaded, or "".
func (m *sessionMonitor) loadedOrigin() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.origin
}

// setup loads the hidden status iframe and starts the polling timer. It is a
// no-op when the monitor is disabled, and re-arms polling when called again
// after a stop.
func (m *sessionMonitor) setup(ctx context.Context) error {
	const op = "sessionMonitor.setup"
	if !m.active() {
		return nil
	}
	m.mu.Lock()
	if m.loaded {
		m.startPollingLocked()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	src := m.session.config.LoginStatusIframeURL()
	m.session.logger.Debug("loading login status iframe", "src", src)
	origin, err := m.adapter.Load(ctx, src)
	if err != nil {
		return fmt.Errorf("%s: unable to load status iframe: %w", op, err)
	}

	m.mu.Lock()
	m.origin = origin
	m.loaded = true
	m.startPollingLocked()
	m.mu.Unlock()
	return nil
}

// startPollingLocked arms the repeating session check. Callers must hold
// m.mu.
func (m *sessionMonitor) startPollingLocked() {
	if m.cancelPoll != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(m.session.backgroundCtx)
	m.cancelPoll = cancel
	go m.poll(pollCtx)
}

// poll runs the repeating session check. Checks are skipped while no access
// token is held.
func (m *sessionMonitor) poll(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.session.hasToken() {
				_ = m.Check(ctx)
			}
		}
	}
}

// Check posts "<clientId> <sessionId>" to the status iframe and waits for
// its reply. An "unchanged" reply succeeds; any other reply clears the local
// tokens and fails with ErrSessionChanged. The check trivially succeeds when
// the monitor is disabled or the iframe never loaded.
func (m *sessionMonitor) Check(ctx context.Context) error {
	const op = "sessionMonitor.Check"
	if !m.active() {
		return nil
	}
	m.mu.Lock()
	loaded, origin := m.loaded, m.origin
	m.mu.Unlock()
	if !loaded {
		return nil
	}

	msg := m.session.config.ClientID + " " + m.session.SessionID()
	reply, err := m.adapter.Message(ctx, msg, origin)
	if err != nil {
		return fmt.Errorf("%s: status iframe message failed: %w", op, err)
	}
	if reply == SessionUnchanged {
		m.session.logger.Debug("sso session unchanged")
		return nil
	}

	m.session.logger.Info("sso session changed, clearing tokens", "reply", reply)
	if err := m.session.ClearTokens(ctx); err != nil {
		m.session.logger.Error("unable to clear tokens", "error", err)
	}
	return fmt.Errorf("%s: reply %q: %w", op, reply, ErrSessionChanged)
}

// stop halts polling. The loaded iframe and its origin are kept, so a later
// setup can re-arm polling without reloading.
func (m *sessionMonitor) stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelPoll != nil {
		m.cancelPoll()
		m.cancelPoll = nil
	}
}

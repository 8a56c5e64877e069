package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/septivank/cgm-display-worker/internal/retry"
	"go.uber.org/zap"
)

// State is the lifecycle state of the session
type State string

const (
	StateNoSession      State = "NO_SESSION"
	StateAuthenticating State = "AUTHENTICATING"
	StateAuthenticated  State = "AUTHENTICATED"
)

// emptySessionID is what Dexcom Share hands out for an account it cannot resolve
const emptySessionID = "00000000-0000-0000-0000-000000000000"

// Credentials identify the account to log in with
type Credentials struct {
	AccountName   string
	Password      string
	ApplicationID string
}

// AuthResponse is the raw outcome of one login request
type AuthResponse struct {
	StatusCode int
	Body       string
}

// Authenticator performs a single login request
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*AuthResponse, error)
}

// Session is an acquired token. It is never persisted.
type Session struct {
	Token     string
	CreatedAt time.Time
}

// AuthenticationError reports credentials rejected beyond the retry budget
type AuthenticationError struct {
	StatusCode int
	Body       string
	Attempts   int
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode == 0 && e.Err != nil {
		return fmt.Sprintf("authentication failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("authentication failed after %d attempts: status %d: %s", e.Attempts, e.StatusCode, e.Body)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Manager owns the session for the session-gated backend
type Manager struct {
	auth         Authenticator
	maxAuthFails int
	delayBase    float64
	sleep        retry.SleepFunc
	now          func() time.Time
	logger       *zap.Logger
	onAuthFail   func()

	authMu sync.Mutex

	mu      sync.RWMutex
	state   State
	session *Session
}

// Option configures a Manager
type Option func(*Manager)

// WithSleep replaces the delay between rejected logins
func WithSleep(sleep retry.SleepFunc) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithClock replaces the time source used for CreatedAt
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAuthFailureHook is called once per rejected login attempt
func WithAuthFailureHook(fn func()) Option {
	return func(m *Manager) { m.onAuthFail = fn }
}

// NewManager creates a session manager
func NewManager(auth Authenticator, maxAuthFails int, delayBase float64, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		auth:         auth,
		maxAuthFails: maxAuthFails,
		delayBase:    delayBase,
		sleep:        retry.SleepContext,
		now:          time.Now,
		logger:       logger,
		state:        StateNoSession,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureSession returns the cached token, or logs in until the endpoint
// answers 200. Each rejected attempt waits delayBase^(failures-1) seconds;
// more than maxAuthFails rejections yield an *AuthenticationError.
func (m *Manager) EnsureSession(ctx context.Context, creds Credentials) (string, error) {
	if token, ok := m.cachedToken(); ok {
		return token, nil
	}

	m.authMu.Lock()
	defer m.authMu.Unlock()

	// another caller may have logged in while we waited
	if token, ok := m.cachedToken(); ok {
		return token, nil
	}

	m.setState(StateAuthenticating)

	failures := 0
	for {
		res, err := m.auth.Authenticate(ctx, creds)
		if err != nil && !errors.Is(err, retry.ErrNoResponse) {
			m.setState(StateNoSession)
			return "", fmt.Errorf("authenticate: %w", err)
		}

		if err == nil && res != nil && res.StatusCode == http.StatusOK {
			token := cleanToken(res.Body)
			if token != "" && token != emptySessionID {
				m.store(token)
				m.logger.Info("session acquired", zap.Int("failed_attempts", failures))
				return token, nil
			}
		}

		failures++
		if m.onAuthFail != nil {
			m.onAuthFail()
		}

		status, body := 0, ""
		if res != nil {
			status, body = res.StatusCode, res.Body
		}

		if failures > m.maxAuthFails {
			m.setState(StateNoSession)
			m.logger.Error("authentication failed, giving up",
				zap.Int("status_code", status),
				zap.Int("attempts", failures),
				zap.String("body", body),
			)
			return "", &AuthenticationError{
				StatusCode: status,
				Body:       body,
				Attempts:   failures,
				Err:        err,
			}
		}

		delay := m.backoff(failures)
		m.logger.Warn("auth failed",
			zap.Int("status_code", status),
			zap.Int("failures", failures),
			zap.Float64("backoff_sec", delay.Seconds()),
			zap.Error(err),
		)
		if err := m.sleep(ctx, delay); err != nil {
			m.setState(StateNoSession)
			return "", fmt.Errorf("authenticate: %w", err)
		}
	}
}

// Invalidate drops the cached token so the next EnsureSession logs in again
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.logger.Info("session invalidated")
	}
	m.session = nil
	m.state = StateNoSession
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns a copy of the active session, or nil
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

func (m *Manager) backoff(failures int) time.Duration {
	seconds := math.Pow(m.delayBase, float64(failures-1))
	return time.Duration(seconds * float64(time.Second))
}

func (m *Manager) cachedToken() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.session.Token == "" {
		return "", false
	}
	return m.session.Token, true
}

func (m *Manager) store(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = &Session{Token: token, CreatedAt: m.now()}
	m.state = StateAuthenticated
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func cleanToken(body string) string {
	return strings.Trim(strings.TrimSpace(body), `"`)
}

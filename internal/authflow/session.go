// Package authflow coordinates engine authentication: OAuth device-code and
// loopback-callback flows, manual code paste, and PTY-delegated CLI logins.
// At most one auth session is active per process; the interaction gate
// enforces it.
package authflow

import (
	"time"

	"github.com/google/uuid"
)

// Transport is how the harness brokers the flow.
type Transport string

const (
	TransportOAuthProxy  Transport = "oauth_proxy"
	TransportCLIDelegate Transport = "cli_delegate"
)

// AuthMethod is the user-facing shape of the flow.
type AuthMethod string

const (
	MethodCallback      AuthMethod = "callback"
	MethodDeviceCode    AuthMethod = "device_code"
	MethodAuthCodeOrURL AuthMethod = "auth_code_or_url"
	MethodAPIKey        AuthMethod = "api_key"
)

// Session statuses.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusWaitingUser   Status = "waiting_user"
	StatusCodeSubmitted Status = "code_submitted_waiting_result"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
	StatusCanceled      Status = "canceled"
)

// TerminalStatus reports whether a status ends the session.
func TerminalStatus(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// MinTTL clamps session lifetimes.
const MinTTL = 60 * time.Second

// InputKind describes what text input the session is waiting for.
type InputKind string

const (
	InputAuthCodeOrURL InputKind = "auth_code_or_url"
	InputAPIKey        InputKind = "api_key"
)

// Session is one in-flight authentication attempt.
type Session struct {
	SessionID  string
	Engine     string
	Transport  Transport
	AuthMethod AuthMethod
	ProviderID string

	Status    Status
	InputKind InputKind
	AuthURL   string
	UserCode  string
	Error     string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	// State is the single-use OAuth state parameter for callback routing.
	State string

	driver  Driver
	cleanup []func()

	// backupPath holds the pre-flow credential backup for engines whose
	// flow destructively rewrites credentials before completing.
	backupPath string
}

// NewSession builds a starting session with a clamped TTL.
func NewSession(engine string, transport Transport, method AuthMethod, providerID string, ttl time.Duration) *Session {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	now := time.Now()
	return &Session{
		SessionID:  uuid.NewString(),
		Engine:     engine,
		Transport:  transport,
		AuthMethod: method,
		ProviderID: providerID,
		Status:     StatusStarting,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

func (s *Session) touch() { s.UpdatedAt = time.Now() }

func (s *Session) setStatus(status Status) {
	s.Status = status
	s.touch()
}

func (s *Session) fail(msg string) {
	s.Error = msg
	s.setStatus(StatusFailed)
}

// Expired reports TTL overflow at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *Session) addCleanup(fn func()) {
	s.cleanup = append(s.cleanup, fn)
}

func (s *Session) runCleanup() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}

package authflow

import (
	"context"
	"net/http"
	"time"
)

// Driver runs one flavor of authentication flow. Implementations mutate the
// session they are started with; the manager serializes all calls.
type Driver interface {
	// Start kicks off the flow and moves the session to waiting_user
	// (or straight to a terminal status on immediate failure).
	Start(ctx context.Context, s *Session) error

	// Refresh advances a polling flow. Non-polling drivers return nil.
	Refresh(ctx context.Context, s *Session, now time.Time) error

	// SubmitInput feeds user-provided text (auth code, URL, API key) into
	// the flow. Drivers that take no text input reject it.
	SubmitInput(ctx context.Context, s *Session, input string) error

	// Close releases listeners, child processes, and other resources.
	Close(s *Session)
}

// ProviderConfig holds the OAuth endpoints and client identity for one
// provider. Endpoint URLs are overridable so tests can point them at a
// local httptest server.
type ProviderConfig struct {
	ProviderID    string
	ClientID      string
	DeviceAuthURL string
	AuthorizeURL  string
	TokenURL      string
	Scopes        []string

	// HTTPClient defaults to a client bounded by TokenExchangeTimeout.
	HTTPClient *http.Client
}

func (p ProviderConfig) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: TokenExchangeTimeout}
}

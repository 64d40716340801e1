package authflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// deviceProvider serves the device-authorization endpoint and a token
// endpoint whose reply is swappable mid-test.
type deviceProvider struct {
	mu         sync.Mutex
	tokenReply string
	polls      int
}

func (p *deviceProvider) setReply(reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenReply = reply
}

func newDeviceProvider(t *testing.T) (*deviceProvider, ProviderConfig) {
	t.Helper()
	p := &deviceProvider{tokenReply: `{"error":"authorization_pending"}`}
	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"device_code":"dc-1","user_code":"ABCD-1234",` +
			`"verification_uri":"https://example.test/verify",` +
			`"verification_uri_complete":"https://example.test/verify?user_code=ABCD-1234",` +
			`"interval":1,"expires_in":300}`))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		reply := p.tokenReply
		p.polls++
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(reply))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, ProviderConfig{
		ProviderID:    "iflow",
		ClientID:      "client-1",
		DeviceAuthURL: srv.URL + "/device",
		TokenURL:      srv.URL + "/token",
		Scopes:        []string{"openid"},
	}
}

func startDeviceFlow(t *testing.T, cfg ProviderConfig, persist func(TokenSet) error) (*deviceCodeDriver, *Session) {
	t.Helper()
	audit, err := OpenAuditLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := newDeviceCodeDriver(cfg, audit, persist)
	s := NewSession("iflow", TransportOAuthProxy, MethodDeviceCode, "iflow", 0)
	if err := d.Start(context.Background(), s); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d, s
}

func TestDeviceCodeStart(t *testing.T) {
	_, cfg := newDeviceProvider(t)
	_, s := startDeviceFlow(t, cfg, func(TokenSet) error { return nil })
	if s.Status != StatusWaitingUser {
		t.Fatalf("status = %s", s.Status)
	}
	if s.UserCode != "ABCD-1234" {
		t.Fatalf("user code = %s", s.UserCode)
	}
	if s.AuthURL != "https://example.test/verify?user_code=ABCD-1234" {
		t.Fatalf("auth url = %s", s.AuthURL)
	}
}

func TestDeviceCodePollPendingThenSucceeds(t *testing.T) {
	p, cfg := newDeviceProvider(t)
	var got TokenSet
	d, s := startDeviceFlow(t, cfg, func(ts TokenSet) error { got = ts; return nil })

	past := d.nextPollAt.Add(time.Second)
	if err := d.Refresh(context.Background(), s, past); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if s.Status != StatusWaitingUser {
		t.Fatalf("status after pending poll = %s", s.Status)
	}

	p.setReply(`{"access_token":"at-9","refresh_token":"rt-9","token_type":"Bearer","expires_in":7200}`)
	if err := d.Refresh(context.Background(), s, d.nextPollAt.Add(time.Second)); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if s.Status != StatusSucceeded {
		t.Fatalf("status = %s, error = %s", s.Status, s.Error)
	}
	if got.AccessToken != "at-9" {
		t.Fatalf("tokens = %+v", got)
	}
}

func TestDeviceCodePollRateLimited(t *testing.T) {
	p, cfg := newDeviceProvider(t)
	d, s := startDeviceFlow(t, cfg, func(TokenSet) error { return nil })
	before := d.nextPollAt.Add(-time.Second)
	if err := d.Refresh(context.Background(), s, before); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p.polls != 0 {
		t.Fatalf("polled %d times before the interval elapsed", p.polls)
	}
}

func TestDeviceCodeSlowDownGrowsInterval(t *testing.T) {
	p, cfg := newDeviceProvider(t)
	d, s := startDeviceFlow(t, cfg, func(TokenSet) error { return nil })
	p.setReply(`{"error":"slow_down"}`)
	interval := d.interval
	if err := d.Refresh(context.Background(), s, d.nextPollAt.Add(time.Second)); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if d.interval != interval+DevicePollSlowdown {
		t.Fatalf("interval = %s, want %s", d.interval, interval+DevicePollSlowdown)
	}
	if s.Status != StatusWaitingUser {
		t.Fatalf("status = %s", s.Status)
	}
}

func TestDeviceCodeExpiredToken(t *testing.T) {
	p, cfg := newDeviceProvider(t)
	d, s := startDeviceFlow(t, cfg, func(TokenSet) error { return nil })
	p.setReply(`{"error":"expired_token"}`)
	if err := d.Refresh(context.Background(), s, d.nextPollAt.Add(time.Second)); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if s.Status != StatusExpired {
		t.Fatalf("status = %s", s.Status)
	}
}

func TestDeviceCodeHardRejection(t *testing.T) {
	p, cfg := newDeviceProvider(t)
	d, s := startDeviceFlow(t, cfg, func(TokenSet) error { return nil })
	p.setReply(`{"error":"access_denied"}`)
	if err := d.Refresh(context.Background(), s, d.nextPollAt.Add(time.Second)); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if s.Status != StatusFailed {
		t.Fatalf("status = %s", s.Status)
	}
}

func TestDeviceCodeClampsSessionDeadline(t *testing.T) {
	_, cfg := newDeviceProvider(t)
	_, s := startDeviceFlow(t, cfg, func(TokenSet) error { return nil })
	// The device grant expires in 300s, well inside the default session TTL.
	if remaining := time.Until(s.ExpiresAt); remaining > 301*time.Second {
		t.Fatalf("session deadline not clamped: %s remaining", remaining)
	}
}

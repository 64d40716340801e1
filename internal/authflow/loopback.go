package authflow

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/skillrunner/agent-harness/internal/errs"
)

// loopbackDriver runs the authorization-code grant with a loopback redirect.
// The engine CLIs register fixed redirect URIs with their providers, so the
// listener must bind the exact well-known port for the engine family; a port
// already in use is a hard failure, not a retry-with-another-port.
type loopbackDriver struct {
	provider ProviderConfig
	port     int
	audit    *AuditLog
	persist  func(TokenSet) error

	mu       sync.Mutex
	pkce     pkcePair
	consumed bool
	server   *http.Server
	result   chan callbackResult
}

type callbackResult struct {
	code string
	err  error
}

func newLoopbackDriver(provider ProviderConfig, port int, audit *AuditLog, persist func(TokenSet) error) *loopbackDriver {
	return &loopbackDriver{
		provider: provider,
		port:     port,
		audit:    audit,
		persist:  persist,
		result:   make(chan callbackResult, 1),
	}
}

func (d *loopbackDriver) redirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", d.port, CallbackPath)
}

func (d *loopbackDriver) Start(ctx context.Context, s *Session) error {
	pkce, err := newPKCEPair()
	if err != nil {
		return err
	}
	state, err := newStateToken()
	if err != nil {
		return err
	}
	d.pkce = pkce
	s.State = state

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", d.port))
	if err != nil {
		return errs.Wrap(errs.CodeAuthFlowInvalid, err,
			"bind loopback callback port %d (another login may be in progress)", d.port)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		d.handleCallback(s, w, r)
	})
	d.server = &http.Server{Handler: mux}
	go d.server.Serve(ln)
	s.addCleanup(func() { d.shutdown() })

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {d.provider.ClientID},
		"redirect_uri":          {d.redirectURI()},
		"scope":                 {strings.Join(d.provider.Scopes, " ")},
		"state":                 {state},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
	}
	s.AuthURL = d.provider.AuthorizeURL + "?" + q.Encode()
	s.setStatus(StatusWaitingUser)
	d.audit.AppendTrace("*", "listening on "+d.redirectURI())
	return nil
}

func (d *loopbackDriver) handleCallback(s *Session, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d.audit.AppendTrace("<", "GET "+CallbackPath+" state="+q.Get("state"))

	d.mu.Lock()
	switch {
	case q.Get("state") != s.State:
		d.mu.Unlock()
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	case d.consumed:
		d.mu.Unlock()
		http.Error(w, "state has already been consumed", http.StatusConflict)
		return
	}
	d.consumed = true
	d.mu.Unlock()

	if errParam := q.Get("error"); errParam != "" {
		fmt.Fprintln(w, "Authentication failed. You can close this window.")
		d.result <- callbackResult{err: errs.New(errs.CodeAuthFlowInvalid, "authorization denied: %s", errParam)}
		return
	}
	fmt.Fprintln(w, "Authentication complete. You can close this window.")
	d.result <- callbackResult{code: q.Get("code")}
}

func (d *loopbackDriver) Refresh(ctx context.Context, s *Session, now time.Time) error {
	if s.Status != StatusWaitingUser {
		return nil
	}
	select {
	case res := <-d.result:
		if res.err != nil {
			s.fail(res.err.Error())
			return nil
		}
		s.setStatus(StatusCodeSubmitted)
		return d.exchange(ctx, s, res.code)
	default:
		return nil
	}
}

func (d *loopbackDriver) exchange(ctx context.Context, s *Session, code string) error {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {d.provider.ClientID},
		"redirect_uri":  {d.redirectURI()},
		"code_verifier": {d.pkce.Verifier},
	}
	d.audit.AppendTrace(">", "POST "+d.provider.TokenURL+" (code exchange)")
	resp, err := postForm(ctx, d.provider.client(), d.provider.TokenURL, form)
	if err != nil {
		s.fail("token exchange: " + err.Error())
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "token exchange")
	}
	tokens, terr := decodeTokenResponse(resp)
	if terr != nil {
		s.fail(terr.Error())
		return nil
	}
	if err := d.persist(tokens); err != nil {
		s.fail("persist credentials: " + err.Error())
		return err
	}
	s.setStatus(StatusSucceeded)
	return nil
}

func (d *loopbackDriver) SubmitInput(ctx context.Context, s *Session, input string) error {
	return errs.New(errs.CodeAuthFlowInvalid, "callback flow takes no text input")
}

func (d *loopbackDriver) Close(s *Session) { d.shutdown() }

func (d *loopbackDriver) shutdown() {
	d.mu.Lock()
	srv := d.server
	d.server = nil
	d.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), CallbackShutdownGrace)
	defer cancel()
	srv.Shutdown(ctx)
}

package authflow

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/skillrunner/agent-harness/internal/errs"
)

// manualDriver handles flows where the user pastes something back into the
// harness: an authorization code, the full redirect URL they landed on, or a
// plain API key. Parsing is permissive; the provider decides validity.
type manualDriver struct {
	provider ProviderConfig
	kind     InputKind
	audit    *AuditLog
	persist  func(TokenSet) error

	pkce     pkcePair
	consumed bool
}

func newManualDriver(provider ProviderConfig, kind InputKind, audit *AuditLog, persist func(TokenSet) error) *manualDriver {
	return &manualDriver{provider: provider, kind: kind, audit: audit, persist: persist}
}

func (d *manualDriver) Start(ctx context.Context, s *Session) error {
	s.InputKind = d.kind
	if d.kind == InputAuthCodeOrURL {
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
		q := url.Values{
			"response_type":         {"code"},
			"client_id":             {d.provider.ClientID},
			"redirect_uri":          {"urn:ietf:wg:oauth:2.0:oob"},
			"scope":                 {strings.Join(d.provider.Scopes, " ")},
			"state":                 {state},
			"code_challenge":        {d.pkce.Challenge},
			"code_challenge_method": {"S256"},
		}
		s.AuthURL = d.provider.AuthorizeURL + "?" + q.Encode()
	}
	s.setStatus(StatusWaitingUser)
	return nil
}

func (d *manualDriver) Refresh(ctx context.Context, s *Session, now time.Time) error { return nil }

func (d *manualDriver) SubmitInput(ctx context.Context, s *Session, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return errs.New(errs.CodeAuthFlowInvalid, "empty input")
	}
	if s.Status != StatusWaitingUser {
		return errs.New(errs.CodeAuthFlowInvalid, "session is not waiting for input")
	}

	if d.kind == InputAPIKey {
		s.setStatus(StatusCodeSubmitted)
		if err := d.persist(TokenSet{APIKey: input}); err != nil {
			s.fail("persist credentials: " + err.Error())
			return err
		}
		s.setStatus(StatusSucceeded)
		return nil
	}

	code, state, err := ParseAuthCodeInput(input)
	if err != nil {
		return err
	}
	if state != "" {
		if state != s.State {
			return errs.New(errs.CodeAuthStateMismatch, "pasted state does not match this session")
		}
		if d.consumed {
			return errs.New(errs.CodeAuthStateConsumed, "state has already been consumed")
		}
		d.consumed = true
	}

	s.setStatus(StatusCodeSubmitted)
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {d.provider.ClientID},
		"redirect_uri":  {"urn:ietf:wg:oauth:2.0:oob"},
		"code_verifier": {d.pkce.Verifier},
	}
	d.audit.AppendTrace(">", "POST "+d.provider.TokenURL+" (manual code exchange)")
	resp, err := postForm(ctx, d.provider.client(), d.provider.TokenURL, form)
	if err != nil {
		s.fail("token exchange: " + err.Error())
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "token exchange")
	}
	tokens, terr := decodeTokenResponse(resp)
	if terr != nil {
		s.fail(terr.Error())
		return terr
	}
	if err := d.persist(tokens); err != nil {
		s.fail("persist credentials: " + err.Error())
		return err
	}
	s.setStatus(StatusSucceeded)
	return nil
}

func (d *manualDriver) Close(s *Session) {}

// ParseAuthCodeInput accepts a bare authorization code, a full redirect URL
// carrying code/state query parameters, or a "code#state" pair. It returns
// the code and, when present, the state.
func ParseAuthCodeInput(input string) (code, state string, err error) {
	input = strings.TrimSpace(input)
	if strings.Contains(input, "://") {
		u, perr := url.Parse(input)
		if perr != nil {
			return "", "", errs.New(errs.CodeAuthFlowInvalid, "input looks like a URL but does not parse")
		}
		q := u.Query()
		if errParam := q.Get("error"); errParam != "" {
			return "", "", errs.New(errs.CodeAuthFlowInvalid, "redirect URL reports error: %s", errParam)
		}
		code = q.Get("code")
		if code == "" {
			return "", "", errs.New(errs.CodeAuthFlowInvalid, "redirect URL has no code parameter")
		}
		return code, q.Get("state"), nil
	}
	if i := strings.IndexByte(input, '#'); i >= 0 {
		return input[:i], input[i+1:], nil
	}
	return input, "", nil
}

func decodeTokenResponse(resp []byte) (TokenSet, error) {
	var body struct {
		Error        string `json:"error"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return TokenSet{}, errs.Wrap(errs.CodeAuthFlowInvalid, err, "decode token response")
	}
	if body.Error != "" || body.AccessToken == "" {
		return TokenSet{}, errs.New(errs.CodeAuthFlowInvalid, "token exchange rejected: %s", body.Error)
	}
	return TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		IDToken:      body.IDToken,
		TokenType:    body.TokenType,
		ExpiresIn:    body.ExpiresIn,
	}, nil
}

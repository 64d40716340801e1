package authflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skillrunner/agent-harness/internal/errs"
)

// deviceCodeDriver proxies the RFC 8628 device-authorization grant. The
// harness fetches the device code, shows the user the verification URL and
// user code, and polls the token endpoint on behalf of the engine. Polls are
// rate limited through nextPollAt so callers can call Refresh as often as
// they like.
type deviceCodeDriver struct {
	provider ProviderConfig
	audit    *AuditLog
	persist  func(TokenSet) error

	deviceCode string
	interval   time.Duration
	nextPollAt time.Time
}

func newDeviceCodeDriver(provider ProviderConfig, audit *AuditLog, persist func(TokenSet) error) *deviceCodeDriver {
	return &deviceCodeDriver{provider: provider, audit: audit, persist: persist}
}

func (d *deviceCodeDriver) Start(ctx context.Context, s *Session) error {
	if d.provider.DeviceAuthURL == "" {
		return errs.New(errs.CodeAuthFlowInvalid, "provider %q has no device authorization endpoint", d.provider.ProviderID)
	}
	form := url.Values{
		"client_id": {d.provider.ClientID},
		"scope":     {strings.Join(d.provider.Scopes, " ")},
	}
	d.audit.AppendTrace(">", "POST "+d.provider.DeviceAuthURL)
	resp, err := postForm(ctx, d.provider.client(), d.provider.DeviceAuthURL, form)
	if err != nil {
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "device authorization request")
	}
	var body struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		Interval                int    `json:"interval"`
		ExpiresIn               int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "decode device authorization response")
	}
	if body.DeviceCode == "" || body.UserCode == "" {
		return errs.New(errs.CodeAuthFlowInvalid, "device authorization response missing device_code or user_code")
	}

	d.deviceCode = body.DeviceCode
	d.interval = DevicePollInterval
	if hinted := time.Duration(body.Interval) * time.Second; hinted > d.interval {
		d.interval = hinted
	}
	d.nextPollAt = time.Now().Add(d.interval)
	if body.ExpiresIn > 0 {
		if deadline := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second); deadline.Before(s.ExpiresAt) {
			s.ExpiresAt = deadline
		}
	}

	s.AuthURL = body.VerificationURIComplete
	if s.AuthURL == "" {
		s.AuthURL = body.VerificationURI
	}
	s.UserCode = body.UserCode
	s.setStatus(StatusWaitingUser)
	return nil
}

func (d *deviceCodeDriver) Refresh(ctx context.Context, s *Session, now time.Time) error {
	if s.Status != StatusWaitingUser && s.Status != StatusCodeSubmitted {
		return nil
	}
	if now.Before(d.nextPollAt) {
		return nil
	}
	d.nextPollAt = now.Add(d.interval)

	form := url.Values{
		"client_id":   {d.provider.ClientID},
		"device_code": {d.deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	d.audit.AppendTrace(">", "POST "+d.provider.TokenURL+" (device poll)")
	resp, err := postForm(ctx, d.provider.client(), d.provider.TokenURL, form)
	if err != nil {
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "device token poll")
	}
	var body struct {
		Error        string `json:"error"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "decode device token response")
	}
	switch body.Error {
	case "":
	case "authorization_pending":
		return nil
	case "slow_down":
		d.interval += DevicePollSlowdown
		d.nextPollAt = now.Add(d.interval)
		return nil
	case "expired_token":
		s.setStatus(StatusExpired)
		return nil
	default:
		s.fail("device authorization rejected: " + body.Error)
		return nil
	}

	tokens := TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		IDToken:      body.IDToken,
		TokenType:    body.TokenType,
		ExpiresIn:    body.ExpiresIn,
	}
	if err := d.persist(tokens); err != nil {
		s.fail("persist credentials: " + err.Error())
		return err
	}
	s.setStatus(StatusSucceeded)
	return nil
}

func (d *deviceCodeDriver) SubmitInput(ctx context.Context, s *Session, input string) error {
	return errs.New(errs.CodeAuthFlowInvalid, "device-code flow takes no text input")
}

func (d *deviceCodeDriver) Close(s *Session) {}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

package authflow

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/skillrunner/agent-harness/internal/errs"
	"github.com/skillrunner/agent-harness/internal/gate"
	"github.com/skillrunner/agent-harness/internal/runtimeprofile"
)

// FlowSpec is one row of the supported-flow matrix: which engine, brokered
// how, with what user-facing shape. RequiresCommand marks flows that need
// the engine executable on PATH before they can start.
type FlowSpec struct {
	Engine          string
	Transport       Transport
	AuthMethod      AuthMethod
	RequiresCommand bool
	Port            int
}

// SupportedFlows is the full matrix. Ports are the fixed loopback callback
// ports the engine CLIs register with their providers.
func SupportedFlows() []FlowSpec {
	return []FlowSpec{
		{Engine: "codex", Transport: TransportOAuthProxy, AuthMethod: MethodCallback, Port: PortOpenAI},
		{Engine: "codex", Transport: TransportOAuthProxy, AuthMethod: MethodAPIKey},
		{Engine: "codex", Transport: TransportCLIDelegate, AuthMethod: MethodCallback, RequiresCommand: true, Port: PortOpenAI},
		{Engine: "gemini", Transport: TransportOAuthProxy, AuthMethod: MethodCallback, Port: PortGemini},
		{Engine: "gemini", Transport: TransportOAuthProxy, AuthMethod: MethodAuthCodeOrURL},
		{Engine: "gemini", Transport: TransportCLIDelegate, AuthMethod: MethodCallback, RequiresCommand: true, Port: PortGemini},
		{Engine: "iflow", Transport: TransportOAuthProxy, AuthMethod: MethodCallback, Port: PortIFlow},
		{Engine: "iflow", Transport: TransportOAuthProxy, AuthMethod: MethodDeviceCode},
		{Engine: "iflow", Transport: TransportCLIDelegate, AuthMethod: MethodCallback, RequiresCommand: true, Port: PortIFlow},
		{Engine: "opencode", Transport: TransportOAuthProxy, AuthMethod: MethodCallback, Port: PortOpenAI},
		{Engine: "opencode", Transport: TransportOAuthProxy, AuthMethod: MethodAPIKey},
		{Engine: "opencode", Transport: TransportCLIDelegate, AuthMethod: MethodAuthCodeOrURL, RequiresCommand: true},
		{Engine: "antigravity", Transport: TransportOAuthProxy, AuthMethod: MethodCallback, Port: PortAntigravity},
	}
}

// LookupFlow finds the matrix row for the triple, or an error naming what
// is unsupported.
func LookupFlow(engine string, transport Transport, method AuthMethod) (FlowSpec, error) {
	for _, f := range SupportedFlows() {
		if f.Engine == engine && f.Transport == transport && f.AuthMethod == method {
			return f, nil
		}
	}
	return FlowSpec{}, errs.New(errs.CodeAuthFlowInvalid,
		"no %s/%s flow for engine %q", transport, method, engine)
}

// Manager owns all auth sessions. The interaction gate keeps at most one
// active at a time; terminal sessions stay queryable until pruned.
type Manager struct {
	profile   *runtimeprofile.Profile
	gate      *gate.Gate
	providers map[string]ProviderConfig

	// LoginCommand builds the argv for cli_delegate flows. Overridable in
	// tests to point at a stub executable.
	LoginCommand func(engine string) []string

	mu       sync.Mutex
	sessions map[string]*managedSession
}

type managedSession struct {
	session *Session
	audit   *AuditLog
}

// NewManager wires a manager over the runtime profile and the shared gate.
func NewManager(profile *runtimeprofile.Profile, g *gate.Gate) *Manager {
	m := &Manager{
		profile:   profile,
		gate:      g,
		providers: defaultProviders(profile),
		sessions:  make(map[string]*managedSession),
	}
	m.LoginCommand = defaultLoginCommand
	return m
}

// RegisterProvider installs or replaces a provider's endpoints (tests point
// these at local servers).
func (m *Manager) RegisterProvider(engine string, cfg ProviderConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[engine] = cfg
}

// StartSession begins a new flow. It acquires the interaction gate for the
// session's lifetime and returns the session in waiting_user (or a terminal
// status if the flow failed immediately).
func (m *Manager) StartSession(ctx context.Context, engine string, transport Transport, method AuthMethod, ttl time.Duration) (*Session, error) {
	flow, err := LookupFlow(engine, transport, method)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := NewSession(engine, transport, method, engine, ttl)

	if err := m.gate.Acquire(gate.ScopeAuthFlow, s.SessionID, engine); err != nil {
		return nil, err
	}
	s.addCleanup(func() { m.gate.Release(gate.ScopeAuthFlow, s.SessionID) })

	audit, err := OpenAuditLog(m.profile.AuthSessionDir(string(transport), s.SessionID))
	if err != nil {
		s.runCleanup()
		return nil, err
	}

	driver, err := m.buildDriver(flow, s, audit)
	if err != nil {
		s.runCleanup()
		return nil, err
	}
	s.driver = driver

	// Antigravity login rewrites the shared Gemini credential file before
	// the flow completes; keep a rollback copy.
	if engine == "antigravity" {
		if backup, berr := backupCredentialFile(m.credentialPath(engine)); berr == nil {
			s.backupPath = backup
		}
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = &managedSession{session: s, audit: audit}
	m.mu.Unlock()

	audit.Append(s, "session.created", map[string]any{
		"engine": engine, "transport": string(transport), "auth_method": string(method),
	})
	if err := driver.Start(ctx, s); err != nil {
		s.fail(err.Error())
		m.finalize(s, audit)
		audit.Append(s, "session.start_failed", map[string]any{"error": err.Error()})
		return s, err
	}
	audit.Append(s, "session.waiting_user", map[string]any{"auth_url": s.AuthURL})
	return s, nil
}

// Refresh advances the session: TTL check first, then one driver poll. It
// returns the session so callers can inspect the new status.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (*Session, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s := ms.session
	if TerminalStatus(s.Status) {
		return s, nil
	}
	now := time.Now()
	if s.Expired(now) {
		s.setStatus(StatusExpired)
		m.finalize(s, ms.audit)
		ms.audit.Append(s, "session.expired", nil)
		return s, errs.New(errs.CodeAuthSessionExpired, "auth session expired")
	}
	if err := s.driver.Refresh(ctx, s, now); err != nil {
		if TerminalStatus(s.Status) {
			m.finalize(s, ms.audit)
		}
		return s, err
	}
	if TerminalStatus(s.Status) {
		m.finalize(s, ms.audit)
		ms.audit.Append(s, "session.terminal", map[string]any{"status": string(s.Status)})
	}
	return s, nil
}

// SubmitInput feeds pasted text into the session's driver.
func (m *Manager) SubmitInput(ctx context.Context, sessionID, input string) (*Session, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s := ms.session
	if TerminalStatus(s.Status) {
		return s, errs.New(errs.CodeAuthFlowInvalid, "session already finished")
	}
	if s.Expired(time.Now()) {
		s.setStatus(StatusExpired)
		m.finalize(s, ms.audit)
		return s, errs.New(errs.CodeAuthSessionExpired, "auth session expired")
	}
	ms.audit.Append(s, "input.submitted", map[string]any{"kind": string(s.InputKind)})
	err = s.driver.SubmitInput(ctx, s, input)
	if TerminalStatus(s.Status) {
		m.finalize(s, ms.audit)
		ms.audit.Append(s, "session.terminal", map[string]any{"status": string(s.Status)})
	}
	return s, err
}

// Cancel moves a live session to canceled and releases its resources.
func (m *Manager) Cancel(sessionID string) (*Session, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s := ms.session
	if !TerminalStatus(s.Status) {
		s.setStatus(StatusCanceled)
		m.finalize(s, ms.audit)
		ms.audit.Append(s, "session.canceled", nil)
	}
	return s, nil
}

// Get returns the session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return ms.session, nil
}

func (m *Manager) lookup(sessionID string) (*managedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.CodeAuthFlowInvalid, "unknown auth session %q", sessionID)
	}
	return ms, nil
}

// finalize releases everything the session held: the driver's listeners or
// child process, the gate slot, and for failed Antigravity flows the
// credential rollback.
func (m *Manager) finalize(s *Session, audit *AuditLog) {
	if s.driver != nil {
		s.driver.Close(s)
	}
	if s.backupPath != "" && s.Status != StatusSucceeded {
		if err := restoreCredentialBackup(m.credentialPath(s.Engine), s.backupPath); err == nil {
			audit.Append(s, "credentials.rolled_back", nil)
		}
		s.backupPath = ""
	}
	s.runCleanup()
}

func (m *Manager) credentialPath(engine string) string {
	if engine == "antigravity" {
		return m.profile.CredentialPath("gemini")
	}
	return m.profile.CredentialPath(engine)
}

func (m *Manager) buildDriver(flow FlowSpec, s *Session, audit *AuditLog) (Driver, error) {
	provider, ok := m.providers[flow.Engine]
	if !ok {
		return nil, errs.New(errs.CodeAuthFlowInvalid, "no provider configured for engine %q", flow.Engine)
	}
	persist := func(tokens TokenSet) error {
		if err := persistCredentials(m.credentialPath(flow.Engine), flow.Engine, tokens); err != nil {
			return err
		}
		audit.Append(s, "credentials.persisted", map[string]any{"fingerprint": tokens.Fingerprint()})
		return nil
	}

	switch flow.Transport {
	case TransportCLIDelegate:
		argv := m.LoginCommand(flow.Engine)
		return newCLIDelegateDriver(flow.Engine, argv, m.profile.SubprocessEnv(os.Environ()), audit), nil
	case TransportOAuthProxy:
		switch flow.AuthMethod {
		case MethodCallback:
			return newLoopbackDriver(provider, flow.Port, audit, persist), nil
		case MethodDeviceCode:
			if provider.DeviceAuthURL == "" {
				return nil, errs.New(errs.CodeAuthFlowInvalid, "provider for %q has no device authorization endpoint", flow.Engine)
			}
			return newDeviceCodeDriver(provider, audit, persist), nil
		case MethodAuthCodeOrURL:
			return newManualDriver(provider, InputAuthCodeOrURL, audit, persist), nil
		case MethodAPIKey:
			return newManualDriver(provider, InputAPIKey, audit, persist), nil
		}
	}
	return nil, errs.New(errs.CodeAuthFlowInvalid, "unreachable flow combination")
}

func defaultLoginCommand(engine string) []string {
	switch engine {
	case "codex":
		return []string{"codex", "login"}
	case "gemini":
		return []string{"gemini"}
	case "iflow":
		return []string{"iflow"}
	case "opencode":
		return []string{"opencode", "auth", "login"}
	}
	return nil
}

func defaultProviders(profile *runtimeprofile.Profile) map[string]ProviderConfig {
	geminiClient := profile.GeminiOAuthClientID
	return map[string]ProviderConfig{
		"codex": {
			ProviderID:   "openai",
			ClientID:     "app_EMoamEEZ73f0CkXaXp7hrann",
			AuthorizeURL: "https://auth.openai.com/oauth/authorize",
			TokenURL:     "https://auth.openai.com/oauth/token",
			Scopes:       []string{"openid", "profile", "email", "offline_access"},
		},
		"opencode": {
			ProviderID:   "openai",
			ClientID:     "app_EMoamEEZ73f0CkXaXp7hrann",
			AuthorizeURL: "https://auth.openai.com/oauth/authorize",
			TokenURL:     "https://auth.openai.com/oauth/token",
			Scopes:       []string{"openid", "profile", "email", "offline_access"},
		},
		"gemini": {
			ProviderID:   "google",
			ClientID:     geminiClient,
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			Scopes: []string{
				"https://www.googleapis.com/auth/cloud-platform",
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
		},
		"antigravity": {
			ProviderID:   "google",
			ClientID:     geminiClient,
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform"},
		},
		"iflow": {
			ProviderID:    "iflow",
			ClientID:      "10009311001",
			DeviceAuthURL: "https://iflow.cn/oauth/device/code",
			AuthorizeURL:  "https://iflow.cn/oauth",
			TokenURL:      "https://iflow.cn/oauth/token",
			Scopes:        []string{"openid", "profile"},
		},
	}
}

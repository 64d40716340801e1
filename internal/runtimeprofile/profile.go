// Package runtimeprofile resolves the platform-aware data, cache, and
// agent-home paths the harness and its child processes operate under, and
// assembles the subprocess environment handed to every spawned engine.
//
// A Profile is built once at process start and treated as immutable.
package runtimeprofile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// RuntimeMode selects between container-shaped and local-shaped defaults.
type RuntimeMode string

const (
	ModeContainer RuntimeMode = "container"
	ModeLocal     RuntimeMode = "local"
)

// Profile is the resolved runtime layout for one harness process.
type Profile struct {
	Mode RuntimeMode

	// DataDir holds durable harness state (run root, auth session logs).
	DataDir string
	// AgentHome is the HOME presented to engine subprocesses; engine
	// credential files (~/.codex, ~/.gemini, ...) live under it.
	AgentHome string
	// AgentCacheDir is the XDG cache root presented to subprocesses.
	AgentCacheDir string
	// NPMPrefix is the npm global prefix presented to subprocesses.
	NPMPrefix string
	// RunRoot is the directory that contains run directories and the
	// handle index.
	RunRoot string

	UVCacheDir           string
	UVProjectEnvironment string

	GeminiOAuthClientID         string
	GeminiOAuthClientSecret     string
	OpenCodeGoogleOAuthClientID string
	OpenCodeGoogleOAuthSecret   string
}

// Resolve builds a Profile from the process environment. Every path setting
// has a default derived from the data dir so a bare environment still yields
// a usable layout.
func Resolve(environ []string) (*Profile, error) {
	env := parseEnviron(environ)

	mode := ModeLocal
	switch strings.TrimSpace(env["SKILL_RUNNER_RUNTIME_MODE"]) {
	case "", string(ModeLocal):
	case string(ModeContainer):
		mode = ModeContainer
	default:
		return nil, fmt.Errorf("invalid SKILL_RUNNER_RUNTIME_MODE %q (want container|local)", env["SKILL_RUNNER_RUNTIME_MODE"])
	}

	dataDir := strings.TrimSpace(env["SKILL_RUNNER_DATA_DIR"])
	if dataDir == "" {
		dataDir = filepath.Join(defaultDataRoot(env), "skill-runner")
	}
	agentHome := strings.TrimSpace(env["SKILL_RUNNER_AGENT_HOME"])
	if agentHome == "" {
		agentHome = filepath.Join(dataDir, "agent-home")
	}
	cacheDir := strings.TrimSpace(env["SKILL_RUNNER_AGENT_CACHE_DIR"])
	if cacheDir == "" {
		cacheDir = filepath.Join(dataDir, "agent-cache")
	}
	npmPrefix := strings.TrimSpace(env["SKILL_RUNNER_NPM_PREFIX"])
	if npmPrefix == "" {
		npmPrefix = strings.TrimSpace(env["NPM_CONFIG_PREFIX"])
	}
	if npmPrefix == "" {
		npmPrefix = filepath.Join(dataDir, "npm-global")
	}
	runRoot := strings.TrimSpace(env["SKILL_RUNNER_HARNESS_RUN_ROOT"])
	if runRoot == "" {
		runRoot = filepath.Join(dataDir, "harness-runs")
	}

	return &Profile{
		Mode:                        mode,
		DataDir:                     dataDir,
		AgentHome:                   agentHome,
		AgentCacheDir:               cacheDir,
		NPMPrefix:                   npmPrefix,
		RunRoot:                     runRoot,
		UVCacheDir:                  strings.TrimSpace(env["UV_CACHE_DIR"]),
		UVProjectEnvironment:        strings.TrimSpace(env["UV_PROJECT_ENVIRONMENT"]),
		GeminiOAuthClientID:         env["SKILL_RUNNER_GEMINI_OAUTH_CLIENT_ID"],
		GeminiOAuthClientSecret:     env["SKILL_RUNNER_GEMINI_OAUTH_CLIENT_SECRET"],
		OpenCodeGoogleOAuthClientID: env["SKILL_RUNNER_OPENCODE_GOOGLE_OAUTH_CLIENT_ID"],
		OpenCodeGoogleOAuthSecret:   env["SKILL_RUNNER_OPENCODE_GOOGLE_OAUTH_CLIENT_SECRET"],
	}, nil
}

// SubprocessEnv builds the environment for an engine child process. The
// parent environment is carried over, then the harness-owned variables are
// overlaid so engines see the agent home rather than the operator's HOME.
func (p *Profile) SubprocessEnv(parent []string) []string {
	env := parseEnviron(parent)

	env["HOME"] = p.AgentHome
	env["XDG_DATA_HOME"] = filepath.Join(p.AgentHome, ".local", "share")
	env["XDG_CONFIG_HOME"] = filepath.Join(p.AgentHome, ".config")
	env["XDG_CACHE_HOME"] = p.AgentCacheDir
	env["NPM_CONFIG_PREFIX"] = p.NPMPrefix
	if p.UVCacheDir != "" {
		env["UV_CACHE_DIR"] = p.UVCacheDir
	}
	if p.UVProjectEnvironment != "" {
		env["UV_PROJECT_ENVIRONMENT"] = p.UVProjectEnvironment
	}

	npmBin := filepath.Join(p.NPMPrefix, "bin")
	path := env["PATH"]
	if path == "" {
		path = defaultPATH()
	}
	if !containsPathEntry(path, npmBin) {
		path = npmBin + string(os.PathListSeparator) + path
	}
	env["PATH"] = path

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// CredentialPath returns the engine's credential file under the agent home.
func (p *Profile) CredentialPath(engine string) string {
	switch engine {
	case "codex":
		return filepath.Join(p.AgentHome, ".codex", "auth.json")
	case "gemini":
		return filepath.Join(p.AgentHome, ".gemini", "oauth_creds.json")
	case "iflow":
		return filepath.Join(p.AgentHome, ".iflow", "iflow_accounts.json")
	case "opencode":
		return filepath.Join(p.AgentHome, ".local", "share", "opencode", "auth.json")
	}
	return ""
}

// AuthSessionDir returns the per-session audit directory for an auth flow.
func (p *Profile) AuthSessionDir(transport, sessionID string) string {
	return filepath.Join(p.DataDir, "engine_auth_sessions", transport, sessionID)
}

func parseEnviron(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

func containsPathEntry(path, entry string) bool {
	for _, p := range strings.Split(path, string(os.PathListSeparator)) {
		if p == entry {
			return true
		}
	}
	return false
}

func defaultDataRoot(env map[string]string) string {
	if xdg := strings.TrimSpace(env["XDG_DATA_HOME"]); xdg != "" {
		return xdg
	}
	home := strings.TrimSpace(env["HOME"])
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support")
	}
	return filepath.Join(home, ".local", "share")
}

func defaultPATH() string {
	return strings.Join([]string{"/usr/local/bin", "/usr/bin", "/bin"}, string(os.PathListSeparator))
}

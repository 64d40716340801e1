package runtimeprofile

import (
	"path/filepath"
	"strings"
	"testing"
)

func envMap(environ []string) map[string]string {
	out := map[string]string{}
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func TestResolveDefaultsFromDataDir(t *testing.T) {
	p, err := Resolve([]string{"SKILL_RUNNER_DATA_DIR=/data/sr", "HOME=/home/op"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Mode != ModeLocal {
		t.Fatalf("mode = %s", p.Mode)
	}
	if p.DataDir != "/data/sr" {
		t.Fatalf("data dir = %s", p.DataDir)
	}
	if p.AgentHome != filepath.Join("/data/sr", "agent-home") {
		t.Fatalf("agent home = %s", p.AgentHome)
	}
	if p.AgentCacheDir != filepath.Join("/data/sr", "agent-cache") {
		t.Fatalf("cache dir = %s", p.AgentCacheDir)
	}
	if p.NPMPrefix != filepath.Join("/data/sr", "npm-global") {
		t.Fatalf("npm prefix = %s", p.NPMPrefix)
	}
	if p.RunRoot != filepath.Join("/data/sr", "harness-runs") {
		t.Fatalf("run root = %s", p.RunRoot)
	}
}

func TestResolveExplicitOverrides(t *testing.T) {
	p, err := Resolve([]string{
		"SKILL_RUNNER_RUNTIME_MODE=container",
		"SKILL_RUNNER_DATA_DIR=/data/sr",
		"SKILL_RUNNER_AGENT_HOME=/agent",
		"SKILL_RUNNER_HARNESS_RUN_ROOT=/runs",
		"NPM_CONFIG_PREFIX=/npm",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Mode != ModeContainer {
		t.Fatalf("mode = %s", p.Mode)
	}
	if p.AgentHome != "/agent" || p.RunRoot != "/runs" || p.NPMPrefix != "/npm" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestResolveRejectsBadMode(t *testing.T) {
	if _, err := Resolve([]string{"SKILL_RUNNER_RUNTIME_MODE=kubernetes"}); err == nil {
		t.Fatal("bad runtime mode accepted")
	}
}

func TestSubprocessEnvOverlay(t *testing.T) {
	p := &Profile{
		AgentHome:     "/agent",
		AgentCacheDir: "/cache",
		NPMPrefix:     "/npm",
	}
	env := envMap(p.SubprocessEnv([]string{
		"HOME=/home/op",
		"PATH=/usr/bin:/bin",
		"EDITOR=vim",
	}))
	if env["HOME"] != "/agent" {
		t.Fatalf("HOME = %s", env["HOME"])
	}
	if env["XDG_DATA_HOME"] != filepath.Join("/agent", ".local", "share") {
		t.Fatalf("XDG_DATA_HOME = %s", env["XDG_DATA_HOME"])
	}
	if env["XDG_CACHE_HOME"] != "/cache" {
		t.Fatalf("XDG_CACHE_HOME = %s", env["XDG_CACHE_HOME"])
	}
	if env["NPM_CONFIG_PREFIX"] != "/npm" {
		t.Fatalf("NPM_CONFIG_PREFIX = %s", env["NPM_CONFIG_PREFIX"])
	}
	if env["EDITOR"] != "vim" {
		t.Fatal("unrelated parent variable dropped")
	}
	wantPath := filepath.Join("/npm", "bin") + ":/usr/bin:/bin"
	if env["PATH"] != wantPath {
		t.Fatalf("PATH = %s, want %s", env["PATH"], wantPath)
	}
}

func TestSubprocessEnvPathAlreadyPresent(t *testing.T) {
	p := &Profile{AgentHome: "/agent", AgentCacheDir: "/cache", NPMPrefix: "/npm"}
	npmBin := filepath.Join("/npm", "bin")
	env := envMap(p.SubprocessEnv([]string{"PATH=" + npmBin + ":/usr/bin"}))
	if env["PATH"] != npmBin+":/usr/bin" {
		t.Fatalf("PATH = %s, npm bin duplicated", env["PATH"])
	}
}

func TestSubprocessEnvSorted(t *testing.T) {
	p := &Profile{AgentHome: "/agent", AgentCacheDir: "/cache", NPMPrefix: "/npm"}
	out := p.SubprocessEnv([]string{"ZVAR=1", "AVAR=2"})
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("environment not sorted: %q before %q", out[i-1], out[i])
		}
	}
}

func TestCredentialPath(t *testing.T) {
	p := &Profile{AgentHome: "/agent"}
	cases := map[string]string{
		"codex":    filepath.Join("/agent", ".codex", "auth.json"),
		"gemini":   filepath.Join("/agent", ".gemini", "oauth_creds.json"),
		"iflow":    filepath.Join("/agent", ".iflow", "iflow_accounts.json"),
		"opencode": filepath.Join("/agent", ".local", "share", "opencode", "auth.json"),
	}
	for engine, want := range cases {
		if got := p.CredentialPath(engine); got != want {
			t.Fatalf("CredentialPath(%s) = %s, want %s", engine, got, want)
		}
	}
	if got := p.CredentialPath("cursor"); got != "" {
		t.Fatalf("CredentialPath(cursor) = %s", got)
	}
}

func TestAuthSessionDir(t *testing.T) {
	p := &Profile{DataDir: "/data/sr"}
	want := filepath.Join("/data/sr", "engine_auth_sessions", "oauth_proxy", "sid-1")
	if got := p.AuthSessionDir("oauth_proxy", "sid-1"); got != want {
		t.Fatalf("AuthSessionDir = %s, want %s", got, want)
	}
}

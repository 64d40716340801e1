package authflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLoginScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "login.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startCLIDelegate(t *testing.T, engine, script string) (*cliDelegateDriver, *Session) {
	t.Helper()
	log, err := OpenAuditLog(t.TempDir())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	d := newCLIDelegateDriver(engine, []string{script}, os.Environ(), log)
	s := NewSession(engine, TransportCLIDelegate, MethodCallback, engine, time.Minute)
	if err := d.Start(context.Background(), s); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { d.terminate() })
	return d, s
}

func refreshUntil(t *testing.T, d *cliDelegateDriver, s *Session, what string, cond func() bool) {
	t.Helper()
	waitFor(t, what, func() bool {
		if err := d.Refresh(context.Background(), s, time.Now()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		return cond()
	})
}

func TestCLIDelegateCapturesAuthURL(t *testing.T) {
	script := writeLoginScript(t, `echo "Visit https://auth.example.com/start?flow=cli to continue"
read line
exit 0
`)
	d, s := startCLIDelegate(t, "gemini", script)
	if s.Status != StatusWaitingUser {
		t.Fatalf("status = %s, want %s", s.Status, StatusWaitingUser)
	}
	if s.InputKind != InputAuthCodeOrURL {
		t.Fatalf("input kind = %s, want %s", s.InputKind, InputAuthCodeOrURL)
	}
	refreshUntil(t, d, s, "auth url on session", func() bool {
		return s.AuthURL == "https://auth.example.com/start?flow=cli"
	})
	b, err := os.ReadFile(d.audit.PTYLogPath())
	if err != nil {
		t.Fatalf("read pty log: %v", err)
	}
	if !strings.Contains(string(b), "https://auth.example.com/start?flow=cli") {
		t.Fatalf("pty log missing url:\n%s", b)
	}
}

func TestCLIDelegateNavigatesLoginMenu(t *testing.T) {
	oldIdle, oldGap := PTYReadIdle, MenuKeystrokeGap
	PTYReadIdle, MenuKeystrokeGap = 50*time.Millisecond, 10*time.Millisecond
	t.Cleanup(func() { PTYReadIdle, MenuKeystrokeGap = oldIdle, oldGap })

	// iflow's profile sends up-arrow then Enter; in canonical mode the
	// child's read completes on the Enter with the arrow bytes as the line.
	script := writeLoginScript(t, `printf "Select login method\n"
read nav
printf "menu answered: %s\n" "$nav" | tr -d '\033'
printf "open https://auth.example.com/oauth\n"
read code
exit 0
`)
	d, s := startCLIDelegate(t, "iflow", script)
	refreshUntil(t, d, s, "menu navigation and url", func() bool {
		b, _ := os.ReadFile(d.audit.PTYLogPath())
		return strings.Contains(string(b), "menu answered") && s.AuthURL != ""
	})
	if s.AuthURL != "https://auth.example.com/oauth" {
		t.Fatalf("auth url = %q", s.AuthURL)
	}
}

func TestCLIDelegateForwardsInputAndSucceeds(t *testing.T) {
	script := writeLoginScript(t, `echo "open https://accounts.example.com/login"
read line
if [ "$line" = "go" ]; then exit 0; fi
exit 3
`)
	d, s := startCLIDelegate(t, "gemini", script)
	refreshUntil(t, d, s, "child prompt", func() bool {
		return s.AuthURL != ""
	})

	if err := d.SubmitInput(context.Background(), s, "go"); err != nil {
		t.Fatalf("submit input: %v", err)
	}
	if s.Status != StatusCodeSubmitted {
		t.Fatalf("status after submit = %s, want %s", s.Status, StatusCodeSubmitted)
	}
	refreshUntil(t, d, s, "session to succeed", func() bool {
		return TerminalStatus(s.Status)
	})
	if s.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s), want %s", s.Status, s.Error, StatusSucceeded)
	}

	stdin, err := os.ReadFile(d.audit.StdinLogPath())
	if err != nil {
		t.Fatalf("read stdin log: %v", err)
	}
	if string(stdin) != "go\n" {
		t.Fatalf("stdin log = %q, want %q", stdin, "go\n")
	}
}

func TestCLIDelegateNonZeroExitFails(t *testing.T) {
	script := writeLoginScript(t, `echo "login failed"
exit 7
`)
	d, s := startCLIDelegate(t, "gemini", script)
	refreshUntil(t, d, s, "session to fail", func() bool {
		return TerminalStatus(s.Status)
	})
	if s.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", s.Status, StatusFailed)
	}
	if !strings.Contains(s.Error, "non-zero") {
		t.Fatalf("error = %q, want non-zero exit mention", s.Error)
	}
}

func TestCLIDelegateRequiresCommand(t *testing.T) {
	log, err := OpenAuditLog(t.TempDir())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	d := newCLIDelegateDriver("iflow", nil, nil, log)
	s := NewSession("iflow", TransportCLIDelegate, MethodCallback, "iflow", time.Minute)
	if err := d.Start(context.Background(), s); err == nil {
		t.Fatal("Start with empty argv succeeded, want error")
	}
}

func TestCLIDelegateSubmitBeforeStart(t *testing.T) {
	log, err := OpenAuditLog(t.TempDir())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	d := newCLIDelegateDriver("codex", []string{"/bin/true"}, nil, log)
	s := NewSession("codex", TransportCLIDelegate, MethodAuthCodeOrURL, "openai", time.Minute)
	if err := d.SubmitInput(context.Background(), s, "code"); err == nil {
		t.Fatal("SubmitInput without a running child succeeded, want error")
	}
}

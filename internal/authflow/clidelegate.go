package authflow

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/skillrunner/agent-harness/internal/errs"
)

var authURLPattern = regexp.MustCompile(`https://[^\s'"]+`)

const keyUpArrow = "\x1b[A"

// cliPromptProfile describes one engine's login TUI: the substrings that mark
// its method-selection menu, the keypresses that pick the OAuth entry, and
// the prompts that tell us the child is waiting for a pasted code.
type cliPromptProfile struct {
	menuPrompts []string
	menuKeys    []string
	codePrompts []string
}

var cliPromptProfiles = map[string]cliPromptProfile{
	"codex": {
		menuPrompts: []string{"Sign in with ChatGPT", "How would you like to sign in"},
		menuKeys:    []string{"\r"},
		codePrompts: []string{"Paste the code", "paste the verification code"},
	},
	"gemini": {
		menuPrompts: []string{"How would you like to authenticate", "Select Auth Method"},
		menuKeys:    []string{"\r"},
		codePrompts: []string{"Enter the authorization code", "verification code"},
	},
	"iflow": {
		menuPrompts: []string{"请选择登录方式", "Select login method"},
		menuKeys:    []string{keyUpArrow, "\r"},
		codePrompts: []string{"请输入授权码", "Enter the authorization code"},
	},
	"opencode": {
		menuPrompts: []string{"Select a provider", "Add credential"},
		menuKeys:    []string{keyUpArrow, keyUpArrow, "\r"},
		codePrompts: []string{"Paste the authorization code"},
	},
}

// cliDelegateDriver runs the engine's own login command under a PTY and
// brokers it: output is captured to pty.log, the login TUI's menu is
// auto-navigated per the engine's prompt profile, the first URL the child
// prints becomes the session's auth URL, and user text is forwarded to the
// child's stdin. The child owns the whole OAuth dance; we only observe its
// exit.
//
// The PTY reader goroutine never touches the Session. Discoveries travel
// over buffered channels and land on the session in Refresh, on the caller's
// goroutine.
type cliDelegateDriver struct {
	engine  string
	argv    []string
	env     []string
	audit   *AuditLog
	prompts cliPromptProfile

	urls   chan string
	exited chan int

	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
}

func newCLIDelegateDriver(engine string, argv, env []string, audit *AuditLog) *cliDelegateDriver {
	return &cliDelegateDriver{
		engine:  engine,
		argv:    argv,
		env:     env,
		audit:   audit,
		prompts: cliPromptProfiles[engine],
		urls:    make(chan string, 1),
		exited:  make(chan int, 1),
	}
}

func (d *cliDelegateDriver) Start(ctx context.Context, s *Session) error {
	if len(d.argv) == 0 {
		return errs.New(errs.CodeAuthFlowInvalid, "cli-delegated flow requires a login command")
	}
	cmd := exec.CommandContext(ctx, d.argv[0], d.argv[1:]...)
	cmd.Env = d.env
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "start login command under pty")
	}
	d.mu.Lock()
	d.cmd = cmd
	d.ptmx = ptmx
	d.mu.Unlock()
	s.addCleanup(func() { d.terminate() })

	log, err := os.OpenFile(d.audit.PTYLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.terminate()
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "open pty log")
	}

	go d.readLoop(ptmx, log)
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = 1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		d.exited <- code
	}()

	s.setStatus(StatusWaitingUser)
	s.InputKind = InputAuthCodeOrURL
	return nil
}

// readLoop drains the PTY into pty.log and line-scans the output. Prompt
// state (menuArmed, urlSent, codeNoted) lives on the loop's stack; the only
// shared outputs are the urls channel and PTY writes.
func (d *cliDelegateDriver) readLoop(ptmx *os.File, log *os.File) {
	defer log.Close()

	var menuArmed, urlSent, codeNoted bool
	scan := func(line string, complete bool) {
		if !menuArmed && containsAny(line, d.prompts.menuPrompts) {
			menuArmed = true
			// Let the TUI finish rendering before driving it.
			time.AfterFunc(PTYReadIdle, d.navigateMenu)
		}
		if !codeNoted && containsAny(line, d.prompts.codePrompts) {
			codeNoted = true
			d.audit.AppendTrace("pty", "login command is waiting for the authorization code")
		}
		if complete && !urlSent {
			if m := authURLPattern.FindString(line); m != "" {
				urlSent = true
				select {
				case d.urls <- m:
				default:
				}
			}
		}
	}

	buf := make([]byte, 4096)
	var line []byte
	for {
		n, rerr := ptmx.Read(buf)
		if n > 0 {
			log.Write(buf[:n])
			for _, c := range buf[:n] {
				if c == '\n' || c == '\r' {
					scan(string(line), true)
					line = line[:0]
					continue
				}
				line = append(line, c)
				if len(line) > 16<<10 {
					line = line[len(line)-(16<<10):]
				}
			}
			// Menus render without a trailing newline; check the
			// partial line too. URLs wait for the line to finish.
			if len(line) > 0 {
				scan(string(line), false)
			}
		}
		if rerr != nil {
			if len(line) > 0 {
				scan(string(line), true)
			}
			return
		}
	}
}

// navigateMenu selects the OAuth entry in the child's login menu, one
// keypress at a time.
func (d *cliDelegateDriver) navigateMenu() {
	d.mu.Lock()
	ptmx := d.ptmx
	d.mu.Unlock()
	if ptmx == nil {
		return
	}
	for _, key := range d.prompts.menuKeys {
		if _, err := io.WriteString(ptmx, key); err != nil {
			return
		}
		time.Sleep(MenuKeystrokeGap)
	}
	d.audit.AppendTrace("pty", "navigated login menu")
}

func (d *cliDelegateDriver) Refresh(ctx context.Context, s *Session, now time.Time) error {
	if TerminalStatus(s.Status) {
		return nil
	}
	select {
	case u := <-d.urls:
		if s.AuthURL == "" {
			s.AuthURL = u
			s.touch()
		}
	default:
	}
	select {
	case code := <-d.exited:
		if code == 0 {
			s.setStatus(StatusSucceeded)
		} else {
			s.fail("login command exited with non-zero status")
		}
	default:
	}
	return nil
}

// SubmitInput forwards text to the child's PTY, newline-terminated, and
// mirrors it to stdin.log.
func (d *cliDelegateDriver) SubmitInput(ctx context.Context, s *Session, input string) error {
	d.mu.Lock()
	ptmx := d.ptmx
	d.mu.Unlock()
	if ptmx == nil {
		return errs.New(errs.CodeAuthFlowInvalid, "login command is not running")
	}
	line := input + "\n"
	if f, err := os.OpenFile(d.audit.StdinLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		io.WriteString(f, line)
		f.Close()
	}
	if _, err := io.WriteString(ptmx, line); err != nil {
		return errs.Wrap(errs.CodeAuthFlowInvalid, err, "forward input to login command")
	}
	s.setStatus(StatusCodeSubmitted)
	return nil
}

func (d *cliDelegateDriver) Close(s *Session) { d.terminate() }

func (d *cliDelegateDriver) terminate() {
	d.mu.Lock()
	cmd, ptmx := d.cmd, d.ptmx
	d.cmd, d.ptmx = nil, nil
	d.mu.Unlock()
	if ptmx != nil {
		ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
}

func containsAny(line string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(line, needle) {
			return true
		}
	}
	return false
}

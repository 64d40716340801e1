package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/skillrunner/agent-harness/internal/errs"
)

// killGrace is how long a TERM'd child gets before the group is KILLed.
const killGrace = 5 * time.Second

// LocateScriptBinary finds the host PTY multiplexer. util-linux `script` on
// Linux; the BSD variant on macOS shares the name.
func LocateScriptBinary() (string, error) {
	path, err := exec.LookPath("script")
	if err != nil {
		return "", errs.Wrap(errs.CodePTYRuntimeUnavailable, err, "pseudo-terminal multiplexer (script) not found")
	}
	return path, nil
}

// shellQuote renders one argv token safe for the script --command string.
func shellQuote(token string) string {
	if token == "" {
		return "''"
	}
	safe := true
	for _, r := range token {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:=,@%+", r) {
			safe = false
			break
		}
	}
	if safe {
		return token
	}
	return "'" + strings.ReplaceAll(token, "'", `'\''`) + "'"
}

// QuoteCommand joins an argv into a single shell command string.
func QuoteCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, token := range argv {
		quoted[i] = shellQuote(token)
	}
	return strings.Join(quoted, " ")
}

// BuildScriptArgv wraps the target command in the script PTY invocation with
// stdin and PTY transcript logging.
func BuildScriptArgv(scriptPath, stdinLog, ptyLog string, command []string) []string {
	return []string{
		scriptPath, "-qef",
		"--log-in", stdinLog,
		"--log-out", ptyLog,
		"--command", QuoteCommand(command),
	}
}

// StdioAllTTY reports whether all three stdio descriptors are terminals.
// Interactive passthrough requires the strict AND.
func StdioAllTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) &&
		term.IsTerminal(int(os.Stdout.Fd())) &&
		term.IsTerminal(int(os.Stderr.Fd()))
}

// spawnResult is what one supervised child run produced.
type spawnResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
}

// spawnOptions configures one supervised child run.
type spawnOptions struct {
	Argv        []string
	Dir         string
	Env         []string
	StdinText   string
	Passthrough bool
	HardTimeout time.Duration
	Verbose     bool

	// onStart receives the started process so the caller can register it
	// for external cancellation.
	onStart func(cmd *exec.Cmd)
}

// supervise runs the child with a process group, drains its pipes, and
// escalates TERM→KILL on timeout. The exit code is reported rather than
// returned as an error; spawn failures are errors.
func supervise(opts spawnOptions) (*spawnResult, error) {
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdoutBuf, stderrBuf bytes.Buffer
	var readers sync.WaitGroup

	if opts.Passthrough {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdin = strings.NewReader(opts.StdinText)
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		readers.Add(2)
		go drain(&readers, stdoutPipe, &stdoutBuf, opts.Verbose, os.Stdout)
		go drain(&readers, stderrPipe, &stderrBuf, opts.Verbose, os.Stderr)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Argv[0], err)
	}
	if opts.onStart != nil {
		opts.onStart(cmd)
	}

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	timedOut := false
	var waitErr error
	if opts.HardTimeout > 0 {
		select {
		case waitErr = <-waitCh:
		case <-time.After(opts.HardTimeout):
			timedOut = true
			_ = killProcessGroup(cmd, syscall.SIGTERM)
			select {
			case waitErr = <-waitCh:
			case <-time.After(killGrace):
				_ = killProcessGroup(cmd, syscall.SIGKILL)
				waitErr = <-waitCh
			}
		}
	} else {
		waitErr = <-waitCh
	}

	return &spawnResult{
		ExitCode: exitCodeOf(waitErr),
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
		TimedOut: timedOut,
	}, nil
}

func drain(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, echo bool, echoTo io.Writer) {
	defer wg.Done()
	if echo {
		_, _ = io.Copy(io.MultiWriter(buf, echoTo), r)
		return
	}
	_, _ = io.Copy(buf, r)
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

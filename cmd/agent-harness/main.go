package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/skillrunner/agent-harness/internal/adapters"
	"github.com/skillrunner/agent-harness/internal/cmdprofile"
	"github.com/skillrunner/agent-harness/internal/errs"
	"github.com/skillrunner/agent-harness/internal/executor"
	"github.com/skillrunner/agent-harness/internal/gate"
	"github.com/skillrunner/agent-harness/internal/harness"
	"github.com/skillrunner/agent-harness/internal/runtimeprofile"
	"github.com/skillrunner/agent-harness/internal/skills"
	"github.com/skillrunner/agent-harness/internal/trust"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "start":
		err = runStart(args[1:])
	case "resume":
		err = runResume(args[1:])
	case "help", "--help", "-h":
		usage()
		return
	default:
		// Direct surface: the engine (or its flags) comes first.
		err = runStart(args)
	}
	if err != nil {
		fail(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  agent-harness start [--run-dir <selector>] [--auto] [--translate {0,1,2,3}] <engine> [-- <passthrough...>]")
	fmt.Fprintln(os.Stderr, "  agent-harness resume [--translate {0,1,2,3}] <handle> <message...>")
	fmt.Fprintln(os.Stderr, "  agent-harness [--run-dir <selector>] [--auto] [--translate {0,1,2,3}] <engine> [-- <passthrough...>]")
	fmt.Fprintln(os.Stderr, "engines: codex, gemini, iflow, opencode")
}

// fail prints the structured error payload and exits 2 for harness errors;
// anything else passes through as exit 1.
func fail(err error) {
	var he *errs.Error
	if errors.As(err, &he) {
		payload := map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":    he.Code,
				"message": he.Message,
				"details": he.Details,
			},
		}
		line, merr := json.Marshal(payload)
		if merr != nil {
			fmt.Fprintln(os.Stderr, he.Error())
		} else {
			fmt.Fprintln(os.Stderr, string(line))
		}
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

func runStart(args []string) error {
	req := harness.LaunchRequest{
		TranslateLevel: 0,
		ExecutionMode:  harness.ModeInteractive,
	}

	i := 0
	for ; i < len(args); i++ {
		switch {
		case args[i] == "--run-dir":
			i++
			if i >= len(args) {
				return errs.New(errs.CodeInvalidRunSelector, "--run-dir requires a value")
			}
			req.RunSelector = args[i]
		case strings.HasPrefix(args[i], "--run-dir="):
			req.RunSelector = strings.TrimPrefix(args[i], "--run-dir=")
		case args[i] == "--auto":
			req.ExecutionMode = harness.ModeAuto
		case args[i] == "--translate":
			i++
			if i >= len(args) {
				return errs.New(errs.CodeInvalidTranslateLevel, "--translate requires a value")
			}
			level, err := parseTranslateLevel(args[i])
			if err != nil {
				return err
			}
			req.TranslateLevel = level
		case strings.HasPrefix(args[i], "--translate="):
			level, err := parseTranslateLevel(strings.TrimPrefix(args[i], "--translate="))
			if err != nil {
				return err
			}
			req.TranslateLevel = level
		case strings.HasPrefix(args[i], "-"):
			return errs.New(errs.CodeInvalidCommand, "unknown flag %q", args[i])
		default:
			req.Engine = args[i]
			i++
			goto engineDone
		}
	}
engineDone:
	if req.Engine == "" {
		return errs.New(errs.CodeInvalidCommand, "no engine given")
	}
	rest := args[i:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	req.PassthroughArgs = rest

	h, err := buildHarness()
	if err != nil {
		return err
	}
	summary, err := h.Start(context.Background(), req)
	if err != nil {
		return err
	}
	printSummary("Start", summary)
	return nil
}

// parseResumeArgs builds the resume request. TranslateLevel stays -1 when
// the flag is absent so the level stored on the handle wins.
func parseResumeArgs(args []string) (harness.ResumeRequest, error) {
	req := harness.ResumeRequest{TranslateLevel: -1}

	i := 0
	for ; i < len(args); i++ {
		switch {
		case args[i] == "--translate":
			i++
			if i >= len(args) {
				return req, errs.New(errs.CodeInvalidTranslateLevel, "--translate requires a value")
			}
			level, err := parseTranslateLevel(args[i])
			if err != nil {
				return req, err
			}
			req.TranslateLevel = level
		case strings.HasPrefix(args[i], "--translate="):
			level, err := parseTranslateLevel(strings.TrimPrefix(args[i], "--translate="))
			if err != nil {
				return req, err
			}
			req.TranslateLevel = level
		case strings.HasPrefix(args[i], "-"):
			return req, errs.New(errs.CodeInvalidCommand, "unknown flag %q", args[i])
		default:
			req.Handle = args[i]
			req.Message = strings.Join(args[i+1:], " ")
			i = len(args)
		}
	}
	if req.Handle == "" {
		return req, errs.New(errs.CodeInvalidHandle, "no handle given")
	}
	return req, nil
}

func runResume(args []string) error {
	req, err := parseResumeArgs(args)
	if err != nil {
		return err
	}
	h, err := buildHarness()
	if err != nil {
		return err
	}
	summary, err := h.Resume(context.Background(), req)
	if err != nil {
		return err
	}
	printSummary("Resume", summary)
	return nil
}

func parseTranslateLevel(raw string) (int, error) {
	level, err := strconv.Atoi(raw)
	if err != nil || level < 0 || level > 3 {
		return 0, errs.New(errs.CodeInvalidTranslateLevel, "translate level must be 0..3, got %q", raw)
	}
	return level, nil
}

func buildHarness() (*harness.Harness, error) {
	profile, err := runtimeprofile.Resolve(os.Environ())
	if err != nil {
		return nil, err
	}
	cmdProfile, err := cmdprofile.Load(os.Getenv("SKILL_RUNNER_COMMAND_PROFILE"))
	if err != nil {
		return nil, err
	}
	registry := adapters.NewRegistry(nil)
	trustMgr := trust.NewManager(profile.AgentHome, profile.RunRoot)
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	ex := executor.New(profile, registry, trustMgr, nil, skills.SourceRoots(cwd))
	return &harness.Harness{
		Profile:  profile,
		Registry: registry,
		Executor: ex,
		Gate:     gate.New(),
		Cmd:      cmdProfile,
	}, nil
}

func printSummary(op string, s *executor.Summary) {
	fmt.Printf("Run id: %s\n", s.RunID)
	fmt.Printf("Run directory: %s\n", s.RunDir)
	if s.Handle != "" {
		fmt.Printf("Run handle: %s\n", s.Handle)
	}
	if s.SessionID != "" {
		fmt.Printf("Session: %s\n", s.SessionID)
	}
	fmt.Printf("%s complete. exitCode=%d\n", op, s.ExitCode)
	if s.TranslateLevel > 0 {
		switch view := s.TranslateView.(type) {
		case string:
			if view != "" {
				fmt.Println(view)
			}
		default:
			if view != nil {
				if b, err := json.MarshalIndent(view, "", "  "); err == nil {
					fmt.Println(string(b))
				}
			}
		}
	}
}

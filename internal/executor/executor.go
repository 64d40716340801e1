// Package executor runs one engine attempt end to end: config and skill
// injection, trust registration, PTY-wrapped subprocess supervision, audit
// capture, completion classification, and protocol materialization.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/skillrunner/agent-harness/internal/adapters"
	"github.com/skillrunner/agent-harness/internal/audit"
	"github.com/skillrunner/agent-harness/internal/errs"
	"github.com/skillrunner/agent-harness/internal/fslock"
	"github.com/skillrunner/agent-harness/internal/protocol"
	"github.com/skillrunner/agent-harness/internal/runstore"
	"github.com/skillrunner/agent-harness/internal/runtimeprofile"
	"github.com/skillrunner/agent-harness/internal/skills"
	"github.com/skillrunner/agent-harness/internal/trust"
)

// DefaultHardTimeout bounds one attempt's child process.
const DefaultHardTimeout = 60 * time.Minute

// LaunchKind distinguishes first turns from resumed turns.
type LaunchKind string

const (
	LaunchStart  LaunchKind = "start"
	LaunchResume LaunchKind = "resume"
)

// Request describes one attempt execution.
type Request struct {
	RunDir            string
	Engine            string
	TranslateLevel    int
	Command           []string
	LaunchKind        LaunchKind
	LaunchPayload     map[string]any
	StdinText         string
	SessionHandleHint string

	// HardTimeout overrides DefaultHardTimeout when > 0.
	HardTimeout time.Duration
	Verbose     bool
}

// Summary is the structured outcome of one attempt.
type Summary struct {
	RunID          string
	RunDir         string
	AttemptNumber  int
	Engine         string
	Status         string
	TranslateLevel int
	Completion     protocol.Completion
	SessionID      string
	Handle         string
	ExitCode       int
	Parse          adapters.ParseResult
	RASP           []protocol.RASPEvent
	FCMP           []protocol.FCMPEvent
	TranslateView  any
	Paths          audit.AttemptPaths
}

// Executor owns the collaborators an attempt needs. Immutable after
// construction.
type Executor struct {
	Profile  *runtimeprofile.Profile
	Registry *adapters.Registry
	Trust    *trust.Manager
	Store    runstore.Store

	// SkillSourceRoots are the fixed skill package roots copied into each
	// attempt workspace.
	SkillSourceRoots []string

	// Now is injectable for deterministic protocol re-rendering.
	Now func() time.Time

	cancels *cancelRegistry
}

// New builds an executor over the given collaborators.
func New(profile *runtimeprofile.Profile, registry *adapters.Registry, trustMgr *trust.Manager, store runstore.Store, skillRoots []string) *Executor {
	return &Executor{
		Profile:          profile,
		Registry:         registry,
		Trust:            trustMgr,
		Store:            store,
		SkillSourceRoots: skillRoots,
		Now:              time.Now,
		cancels:          newCancelRegistry(),
	}
}

// ExecuteAttempt runs the full attempt pipeline. Child process failures are
// not errors; they classify into a failed attempt. Errors are reserved for
// harness-level faults (bad input, missing PTY runtime, IO failures).
func (e *Executor) ExecuteAttempt(ctx context.Context, req Request) (*Summary, error) {
	if req.TranslateLevel < 0 || req.TranslateLevel > 3 {
		return nil, errs.New(errs.CodeInvalidTranslateLevel, "translate level %d outside 0..3", req.TranslateLevel)
	}
	if len(req.Command) == 0 || strings.TrimSpace(req.Command[0]) == "" {
		return nil, errs.New(errs.CodeInvalidCommand, "attempt command is empty")
	}
	if err := checkExecutable(req.Command[0]); err != nil {
		return nil, err
	}
	adapter := e.Registry.Lookup(req.Engine)
	if adapter == nil {
		return nil, errs.New(errs.CodeEngineUnsupported, "engine %q is not supported", req.Engine)
	}

	runID := audit.RunIDFromDir(req.RunDir)
	paths, err := audit.ResolveNextAttemptPaths(req.RunDir)
	if err != nil {
		return nil, err
	}
	startedAt := e.now()

	// 1. Engine config, once per attempt.
	configPath, err := adapter.ConstructConfig(req.RunDir, adapters.Options{
		HarnessMode:      true,
		CodexProfileName: adapters.CodexProfileName,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeEngineConfigInjectionFailed, err, "inject %s config", req.Engine)
	}

	// 2. Skills.
	injection, err := skills.Inject(req.RunDir, req.Engine, e.SkillSourceRoots)
	if err != nil {
		return nil, fmt.Errorf("skill injection: %w", err)
	}

	// 3. Pre-snapshot.
	before, err := audit.SnapshotFilesystem(req.RunDir)
	if err != nil {
		return nil, err
	}

	// 4. Trust registration, removed again as soon as the child exits.
	if err := e.Trust.RegisterRunFolder(req.Engine, req.RunDir); err != nil {
		return nil, fmt.Errorf("register trust folder: %w", err)
	}

	// 5. PTY spawn.
	scriptPath, err := LocateScriptBinary()
	if err != nil {
		return nil, err
	}
	argv := BuildScriptArgv(scriptPath, paths.StdinLog, paths.PTYOutputLog, req.Command)

	passthrough := req.TranslateLevel == 0 && StdioAllTTY()
	timeout := req.HardTimeout
	if timeout <= 0 {
		timeout = DefaultHardTimeout
	}
	stdinText := req.StdinText
	if passthrough {
		// Interactive passthrough inherits the operator's terminal;
		// stdin_text is ignored on this branch.
		stdinText = ""
	}

	result, err := supervise(spawnOptions{
		Argv:        argv,
		Dir:         req.RunDir,
		Env:         e.Profile.SubprocessEnv(os.Environ()),
		StdinText:   stdinText,
		Passthrough: passthrough,
		HardTimeout: timeout,
		Verbose:     req.Verbose,
		onStart: func(cmd *exec.Cmd) {
			e.cancels.register(runID, cmd)
		},
	})
	e.cancels.deregister(runID)

	// 7. Trust removal is best-effort: failures are logged, never fatal.
	if cleanupErr := e.Trust.RemoveRunFolder(req.Engine, req.RunDir); cleanupErr != nil {
		fmt.Fprintf(os.Stderr, "warning: trust cleanup for %s failed: %v\n", req.RunDir, cleanupErr)
	}
	if err != nil {
		return nil, err
	}

	// 8. Materialize captures. Empty files still exist so the bundle is
	// complete; a missing PTY transcript falls back to stdout text.
	if err := writeCapture(paths.StdinLog, []byte(stdinText)); err != nil {
		return nil, err
	}
	if err := writeCapture(paths.StdoutLog, result.Stdout); err != nil {
		return nil, err
	}
	if err := writeCapture(paths.StderrLog, result.Stderr); err != nil {
		return nil, err
	}
	if err := ensurePTYCapture(paths.PTYOutputLog, result.Stdout); err != nil {
		return nil, err
	}

	// 9. Post-snapshot and diff.
	after, err := audit.SnapshotFilesystem(req.RunDir)
	if err != nil {
		return nil, err
	}
	diff := audit.DiffSnapshot(before, after)
	if err := writeJSON(paths.FSBefore, before); err != nil {
		return nil, err
	}
	if err := writeJSON(paths.FSAfter, after); err != nil {
		return nil, err
	}
	if err := writeJSON(paths.FSDiff, diff); err != nil {
		return nil, err
	}

	// 10. Completion classification.
	ptyRaw, _ := os.ReadFile(paths.PTYOutputLog)
	completion := ClassifyCompletion(result.Stdout, result.Stderr, ptyRaw, result.ExitCode, result.TimedOut)
	status := protocol.StatusForCompletion(completion.State)

	// 11. Protocol materialization.
	pending, history, timeoutSec := e.loadStoreContext(ctx, runID)
	rasp, parse, err := protocol.BuildRASPEvents(protocol.RASPInput{
		RunID:              runID,
		Engine:             req.Engine,
		AttemptNumber:      paths.Attempt,
		Status:             status,
		PendingInteraction: pending,
		StdoutPath:         paths.StdoutLog,
		StderrPath:         paths.StderrLog,
		PTYPath:            paths.PTYOutputLog,
		Completion:         &completion,
		Adapter:            adapter,
		Now:                e.now,
	})
	if err != nil {
		return nil, err
	}
	fcmp, err := protocol.BuildFCMPEvents(rasp, protocol.FCMPOptions{
		Status:                     status,
		PendingInteraction:         pending,
		InteractionHistory:         history,
		EffectiveSessionTimeoutSec: timeoutSec,
		Completion:                 &completion,
		Now:                        e.now,
	})
	if err != nil {
		return nil, err
	}
	if err := writeJSONL(paths.Events, raspRows(rasp)); err != nil {
		return nil, err
	}
	if err := writeJSONL(paths.FCMPEvents, fcmpRows(fcmp)); err != nil {
		return nil, err
	}
	if err := writeJSONL(paths.ParserDiagnostics, diagnosticRows(rasp)); err != nil {
		return nil, err
	}
	metrics := protocol.ComputeProtocolMetrics(rasp)
	if err := writeJSON(paths.ProtocolMetrics, metrics); err != nil {
		return nil, err
	}
	report := buildConformanceReport(req, paths.Attempt, parse, fcmp, completion, metrics)
	if err := writeJSON(paths.ConformanceReport, report); err != nil {
		return nil, err
	}

	// 12. Handle assignment when a session was detected.
	handle := ""
	if parse.SessionID != "" {
		runRoot := e.Profile.RunRoot
		handle, err = audit.AssignHandle(runRoot, runID, audit.HandleMetadata{
			Engine:          req.Engine,
			RunID:           runID,
			RunDir:          req.RunDir,
			SessionID:       parse.SessionID,
			TranslateLevel:  req.TranslateLevel,
			PassthroughArgs: passthroughArgsOf(req.LaunchPayload),
		}, req.SessionHandleHint)
		if err != nil {
			return nil, err
		}
	}

	// 13. Meta, last: its presence marks the attempt finalized.
	meta := map[string]any{
		"run_id":  runID,
		"run_dir": req.RunDir,
		"attempt": paths.Attempt,
		"engine":  req.Engine,
		"status":  status,
		"completion": map[string]any{
			"state":       completion.State,
			"reason_code": completion.ReasonCode,
			"exit_code":   completion.ExitCode,
			"diagnostics": completion.Diagnostics,
		},
		"launch": map[string]any{
			"kind":            string(req.LaunchKind),
			"command":         req.Command,
			"payload":         req.LaunchPayload,
			"translate_level": req.TranslateLevel,
		},
		"environment": map[string]any{
			"mode":       string(e.Profile.Mode),
			"data_dir":   e.Profile.DataDir,
			"agent_home": e.Profile.AgentHome,
			"run_root":   e.Profile.RunRoot,
		},
		"audit_files":      paths.All(),
		"handle":           handle,
		"session_id":       parse.SessionID,
		"started_at":       startedAt.Format(time.RFC3339Nano),
		"finished_at":      e.now().UTC().Format(time.RFC3339Nano),
		"exit_code":        result.ExitCode,
		"skill_injection":  injection,
		"config_injection": map[string]any{"path": configPath},
	}
	if err := writeJSON(paths.Meta, meta); err != nil {
		return nil, err
	}

	view := RenderTranslateView(req.TranslateLevel, string(result.Stdout), string(result.Stderr), parse, fcmp)

	return &Summary{
		RunID:          runID,
		RunDir:         req.RunDir,
		AttemptNumber:  paths.Attempt,
		Engine:         req.Engine,
		Status:         status,
		TranslateLevel: req.TranslateLevel,
		Completion:     completion,
		SessionID:      parse.SessionID,
		Handle:         handle,
		ExitCode:       result.ExitCode,
		Parse:          parse,
		RASP:           rasp,
		FCMP:           fcmp,
		TranslateView:  view,
		Paths:          paths,
	}, nil
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) loadStoreContext(ctx context.Context, runID string) (*runstore.PendingInteraction, []runstore.InteractionHistoryEntry, int) {
	if e.Store == nil {
		return nil, nil, 0
	}
	pending, _ := e.Store.GetPendingInteraction(ctx, runID)
	history, _ := e.Store.ListInteractionHistory(ctx, runID)
	timeoutSec, _ := e.Store.GetEffectiveSessionTimeout(ctx, runID)
	return pending, history, timeoutSec
}

func checkExecutable(command string) error {
	if !strings.HasPrefix(command, "/") {
		// Relative commands resolve through PATH at spawn time.
		return nil
	}
	info, err := os.Stat(command)
	if err != nil || info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return errs.New(errs.CodeEngineExecutableNotExecutable, "engine executable %s is not executable", command)
	}
	return nil
}

// writeCapture persists a capture, keeping any file script already wrote
// when the harness has nothing better, and guaranteeing the file exists.
func writeCapture(path string, data []byte) error {
	if len(data) == 0 {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		return os.WriteFile(path, nil, 0o644)
	}
	return os.WriteFile(path, data, 0o644)
}

// ensurePTYCapture guarantees a PTY transcript exists, substituting the
// captured stdout when script could not write one.
func ensurePTYCapture(path string, stdout []byte) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}
	return os.WriteFile(path, stdout, 0o644)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fslock.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

func writeJSONL(path string, rows []any) error {
	var b strings.Builder
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return fslock.WriteFileAtomic(path, []byte(b.String()), 0o644)
}

func raspRows(events []protocol.RASPEvent) []any {
	rows := make([]any, len(events))
	for i, ev := range events {
		rows[i] = ev
	}
	return rows
}

func fcmpRows(events []protocol.FCMPEvent) []any {
	rows := make([]any, len(events))
	for i, ev := range events {
		rows[i] = ev
	}
	return rows
}

func diagnosticRows(events []protocol.RASPEvent) []any {
	var rows []any
	for _, ev := range events {
		if ev.Event.Category == "diagnostic" {
			rows = append(rows, ev)
		}
	}
	return rows
}

func buildConformanceReport(req Request, attempt int, parse adapters.ParseResult, fcmp []protocol.FCMPEvent, completion protocol.Completion, metrics protocol.Metrics) map[string]any {
	eventTypes := map[string]bool{}
	assistantCount := 0
	for _, ev := range fcmp {
		eventTypes[ev.Type] = true
		if ev.Type == "assistant.message.final" {
			assistantCount++
		}
	}
	types := make([]string, 0, len(eventTypes))
	for t := range eventTypes {
		types = append(types, t)
	}
	sort.Strings(types)

	diagSet := map[string]bool{}
	for _, d := range parse.Diagnostics {
		diagSet[d] = true
	}
	for _, d := range completion.Diagnostics {
		diagSet[d] = true
	}
	diags := make([]string, 0, len(diagSet))
	for d := range diagSet {
		diags = append(diags, d)
	}
	sort.Strings(diags)

	return map[string]any{
		"engine":          req.Engine,
		"attempt_number":  attempt,
		"launch_kind":     string(req.LaunchKind),
		"translate_level": req.TranslateLevel,
		"parser_profile":  parse.Parser,
		"fcmp_summary": map[string]any{
			"event_count":             len(fcmp),
			"assistant_message_count": assistantCount,
			"event_types":             types,
		},
		"diagnostics": diags,
		"completion": map[string]any{
			"state":       completion.State,
			"reason_code": completion.ReasonCode,
		},
		"metrics": metrics,
	}
}

func passthroughArgsOf(payload map[string]any) []string {
	raw, ok := payload["passthrough_args"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

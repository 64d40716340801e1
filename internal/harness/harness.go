// Package harness is the orchestration entry point: it serializes requests
// through the interaction gate, resolves run directories and commands, and
// drives the attempt executor for start and resume calls.
package harness

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/skillrunner/agent-harness/internal/adapters"
	"github.com/skillrunner/agent-harness/internal/audit"
	"github.com/skillrunner/agent-harness/internal/cmdprofile"
	"github.com/skillrunner/agent-harness/internal/errs"
	"github.com/skillrunner/agent-harness/internal/executor"
	"github.com/skillrunner/agent-harness/internal/gate"
	"github.com/skillrunner/agent-harness/internal/runtimeprofile"
)

// ExecutionMode selects automatic or operator-interactive runs.
type ExecutionMode string

const (
	ModeAuto        ExecutionMode = "auto"
	ModeInteractive ExecutionMode = "interactive"
)

// LaunchRequest starts a run (or appends an attempt to an existing one).
type LaunchRequest struct {
	Engine          string
	PassthroughArgs []string
	TranslateLevel  int
	RunSelector     string
	ExecutionMode   ExecutionMode
}

// ResumeRequest continues the conversation behind a handle.
type ResumeRequest struct {
	Handle  string
	Message string
	// TranslateLevel overrides the stored level when >= 0.
	TranslateLevel int
}

// Harness wires the orchestration collaborators together.
type Harness struct {
	Profile  *runtimeprofile.Profile
	Registry *adapters.Registry
	Executor *executor.Executor
	Gate     *gate.Gate
	Cmd      *cmdprofile.Profile
}

// Start resolves the run directory and executes the first (or next) attempt
// of a run.
func (h *Harness) Start(ctx context.Context, req LaunchRequest) (*executor.Summary, error) {
	engine := strings.ToLower(strings.TrimSpace(req.Engine))
	adapter := h.Registry.Lookup(engine)
	if adapter == nil {
		return nil, errs.New(errs.CodeEngineUnsupported, "engine %q is not supported (want one of %s)",
			req.Engine, strings.Join(h.Registry.Engines(), ", "))
	}

	passthrough := cmdprofile.MergeCLIArgs(h.Cmd.ResolveArgs(engine, "start"), req.PassthroughArgs)
	command, err := adapter.BuildStartCommand("", adapters.Options{HarnessMode: true}, passthrough, false)
	if err != nil {
		return nil, mapAdapterError(err)
	}

	runDir, err := audit.ResolveOrCreateRunDir(h.Profile.RunRoot, engine, req.RunSelector)
	if err != nil {
		return nil, err
	}

	if err := h.Gate.Acquire(gate.ScopeRun, audit.RunIDFromDir(runDir), engine); err != nil {
		return nil, gateError(err)
	}
	defer h.Gate.Release(gate.ScopeRun, audit.RunIDFromDir(runDir))

	return h.Executor.ExecuteAttempt(ctx, executor.Request{
		RunDir:         runDir,
		Engine:         engine,
		TranslateLevel: req.TranslateLevel,
		Command:        command,
		LaunchKind:     executor.LaunchStart,
		LaunchPayload: map[string]any{
			"engine":           engine,
			"passthrough_args": passthrough,
			"execution_mode":   string(req.ExecutionMode),
			"run_selector":     req.RunSelector,
		},
		StdinText: "",
	})
}

// Resume looks up the handle, rebuilds the engine's session-resume command,
// and executes the next attempt with the user message on stdin.
func (h *Harness) Resume(ctx context.Context, req ResumeRequest) (*executor.Summary, error) {
	meta, err := audit.LoadHandleMetadata(h.Profile.RunRoot, req.Handle)
	if err != nil {
		return nil, err
	}
	adapter := h.Registry.Lookup(meta.Engine)
	if adapter == nil {
		return nil, errs.New(errs.CodeHandleMetadataInvalid, "handle %s references unsupported engine %q", req.Handle, meta.Engine)
	}
	if strings.TrimSpace(meta.SessionID) == "" {
		return nil, errs.New(errs.CodeSessionResumeFailed, "handle %s has no stored session id", req.Handle)
	}
	if !dirExists(meta.RunDir) {
		return nil, errs.New(errs.CodeRunDirectoryMissing, "run directory %s no longer exists", meta.RunDir)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errs.New(errs.CodeInvalidResumeMessage, "resume message must not be empty")
	}

	translateLevel := meta.TranslateLevel
	if req.TranslateLevel >= 0 {
		translateLevel = req.TranslateLevel
	}

	command, err := adapter.BuildResumeCommand(req.Message, adapters.Options{
		HarnessMode: true,
		ResumeSessionHandle: &adapters.SessionHandle{
			Engine:        meta.Engine,
			HandleType:    adapters.HandleTypeSessionID,
			HandleValue:   meta.SessionID,
			CreatedAtTurn: 1,
		},
	}, meta.PassthroughArgs, false)
	if err != nil {
		return nil, mapAdapterError(err)
	}

	if err := h.Gate.Acquire(gate.ScopeRun, meta.RunID, meta.Engine); err != nil {
		return nil, gateError(err)
	}
	defer h.Gate.Release(gate.ScopeRun, meta.RunID)

	return h.Executor.ExecuteAttempt(ctx, executor.Request{
		RunDir:         meta.RunDir,
		Engine:         meta.Engine,
		TranslateLevel: translateLevel,
		Command:        command,
		LaunchKind:     executor.LaunchResume,
		LaunchPayload: map[string]any{
			"engine":           meta.Engine,
			"handle":           req.Handle,
			"session_id":       meta.SessionID,
			"message":          req.Message,
			"passthrough_args": meta.PassthroughArgs,
		},
		StdinText:         req.Message + "\n",
		SessionHandleHint: req.Handle,
	})
}

// mapAdapterError translates adapter build failures at the boundary: a
// capability refusal keeps its code, everything else becomes a build failure.
func mapAdapterError(err error) error {
	if strings.Contains(err.Error(), errs.CodeEngineCapabilityUnavailable) {
		return errs.Wrap(errs.CodeEngineCapabilityUnavailable, err, "engine capability unavailable")
	}
	return errs.Wrap(errs.CodeEngineCommandBuildFailed, err, "build engine command")
}

func gateError(err error) error {
	var busy *gate.BusyError
	if errors.As(err, &busy) {
		return busy.HarnessError()
	}
	return err
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

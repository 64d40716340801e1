// Package adapters holds the per-engine integration layer: command
// construction, engine config injection, and runtime stream parsing for the
// four supported agent CLIs.
package adapters

import (
	"fmt"
	"os/exec"
	"strings"
)

// Engine names accepted by the harness.
const (
	EngineCodex    = "codex"
	EngineGemini   = "gemini"
	EngineIFlow    = "iflow"
	EngineOpenCode = "opencode"
)

// HandleType tags the kind of handle carried by a resume request.
type HandleType string

// SessionID is the only resume handle type the engines understand.
const HandleTypeSessionID HandleType = "SESSION_ID"

// SessionHandle identifies an engine-side conversation to resume.
type SessionHandle struct {
	Engine        string
	HandleType    HandleType
	HandleValue   string
	CreatedAtTurn int
}

// Options is the tagged option bag passed to command and config builders.
// Engine-specific fields are ignored by adapters that do not use them.
type Options struct {
	HarnessMode bool

	// Codex profile written into config.toml and selected on the argv.
	CodexProfileName string
	// Model override for engines that accept one.
	Model string

	ResumeSessionHandle *SessionHandle
}

// Adapter is the per-engine capability set.
type Adapter interface {
	Engine() string

	// ConstructConfig writes engine configuration into the run directory
	// and returns the path it wrote.
	ConstructConfig(runDir string, opts Options) (string, error)

	// BuildStartCommand builds the argv for a fresh attempt.
	BuildStartCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error)

	// BuildResumeCommand builds the argv for a follow-up turn against an
	// existing engine session.
	BuildResumeCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error)

	// ParseRuntimeStream normalizes raw captures into the intermediate
	// parse result.
	ParseRuntimeStream(stdoutRaw, stderrRaw, ptyRaw []byte) ParseResult
}

// CommandResolver locates the engine executable. The default uses PATH
// lookup; tests substitute fixed paths.
type CommandResolver func(engine string) (string, error)

// Registry maps engine names to adapters. Immutable after construction.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the registry for all supported engines.
func NewRegistry(resolve CommandResolver) *Registry {
	if resolve == nil {
		resolve = LookPathResolver
	}
	return &Registry{adapters: map[string]Adapter{
		EngineCodex:    &codexAdapter{resolve: resolve},
		EngineGemini:   &geminiAdapter{resolve: resolve},
		EngineIFlow:    &iflowAdapter{resolve: resolve},
		EngineOpenCode: &opencodeAdapter{resolve: resolve},
	}}
}

// Lookup returns the adapter for engine, or nil when unsupported.
func (r *Registry) Lookup(engine string) Adapter {
	return r.adapters[strings.ToLower(strings.TrimSpace(engine))]
}

// Engines lists the supported engine names.
func (r *Registry) Engines() []string {
	return []string{EngineCodex, EngineGemini, EngineIFlow, EngineOpenCode}
}

// LookPathResolver resolves the engine command on PATH.
func LookPathResolver(engine string) (string, error) {
	path, err := exec.LookPath(engine)
	if err != nil {
		return "", fmt.Errorf("engine command %q not found on PATH: %w", engine, err)
	}
	return path, nil
}

func requireSessionID(engine string, opts Options) (string, error) {
	h := opts.ResumeSessionHandle
	if h == nil || strings.TrimSpace(h.HandleValue) == "" {
		return "", fmt.Errorf("%s resume requires a session handle", engine)
	}
	if h.HandleType != HandleTypeSessionID {
		return "", fmt.Errorf("ENGINE_CAPABILITY_UNAVAILABLE: %s cannot resume from handle type %q", engine, h.HandleType)
	}
	return h.HandleValue, nil
}

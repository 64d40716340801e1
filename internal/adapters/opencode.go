package adapters

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

type opencodeAdapter struct {
	resolve CommandResolver
}

func (a *opencodeAdapter) Engine() string { return EngineOpenCode }

func (a *opencodeAdapter) ConstructConfig(runDir string, opts Options) (string, error) {
	dir := filepath.Join(runDir, ".opencode")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	cfg := map[string]any{
		"$schema":    "https://opencode.ai/config.json",
		"autoupdate": false,
	}
	if opts.Model != "" {
		cfg["model"] = opts.Model
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	// opencode.json lives at the run-dir top level; the snapshot ignore set
	// excludes it by name.
	path := filepath.Join(runDir, "opencode.json")
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (a *opencodeAdapter) BuildStartCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error) {
	exe, err := a.resolve(EngineOpenCode)
	if err != nil {
		return nil, err
	}
	argv := []string{exe, "run", "--print-logs"}
	argv = append(argv, passthrough...)
	if strings.TrimSpace(prompt) != "" {
		argv = append(argv, prompt)
	}
	return argv, nil
}

func (a *opencodeAdapter) BuildResumeCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error) {
	exe, err := a.resolve(EngineOpenCode)
	if err != nil {
		return nil, err
	}
	sessionID, err := requireSessionID(EngineOpenCode, opts)
	if err != nil {
		return nil, err
	}
	argv := []string{exe, "run", "--print-logs", "--session", sessionID}
	argv = append(argv, passthrough...)
	if strings.TrimSpace(prompt) != "" {
		argv = append(argv, prompt)
	}
	return argv, nil
}

// ParseRuntimeStream reads OpenCode NDJSON text parts from stdout with the
// same PTY fallback as the Codex parser.
func (a *opencodeAdapter) ParseRuntimeStream(stdoutRaw, stderrRaw, ptyRaw []byte) ParseResult {
	return parseCodexShapedNDJSON("opencode_ndjson", stdoutRaw, stderrRaw, ptyRaw, extractOpenCodeEvent)
}

func extractOpenCodeEvent(res *ParseResult, jr JSONRow) {
	t, _ := jr.Payload["type"].(string)
	if t != "text" {
		return
	}
	part, _ := jr.Payload["part"].(map[string]any)
	if part == nil {
		return
	}
	text, _ := part["text"].(string)
	if text == "" {
		return
	}
	res.AssistantMessages = append(res.AssistantMessages, AssistantMessage{Text: text, RawRef: jr.Row.Ref()})
}

package adapters

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Defaults injected into the Codex run profile when the caller does not
// override them.
const (
	CodexProfileName  = "skill-runner-harness"
	codexDefaultModel = "gpt-5-codex"
)

type codexAdapter struct {
	resolve CommandResolver
}

func (a *codexAdapter) Engine() string { return EngineCodex }

// ConstructConfig writes the per-run Codex config with the harness profile so
// the engine runs headless inside the run directory.
func (a *codexAdapter) ConstructConfig(runDir string, opts Options) (string, error) {
	profile := opts.CodexProfileName
	if profile == "" {
		profile = CodexProfileName
	}
	model := opts.Model
	if model == "" {
		model = codexDefaultModel
	}
	dir := filepath.Join(runDir, ".codex")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config.toml")
	var b strings.Builder
	fmt.Fprintf(&b, "profile = %q\n\n", profile)
	fmt.Fprintf(&b, "[profiles.%s]\n", profile)
	fmt.Fprintf(&b, "model = %q\n", model)
	b.WriteString("approval_policy = \"never\"\n")
	b.WriteString("sandbox_mode = \"workspace-write\"\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (a *codexAdapter) BuildStartCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error) {
	exe, err := a.resolve(EngineCodex)
	if err != nil {
		return nil, err
	}
	argv := []string{exe, "exec", "--json"}
	if opts.HarnessMode {
		profile := opts.CodexProfileName
		if profile == "" {
			profile = CodexProfileName
		}
		argv = append(argv, "--profile", profile)
	}
	argv = append(argv, passthrough...)
	if strings.TrimSpace(prompt) != "" {
		argv = append(argv, prompt)
	}
	return argv, nil
}

func (a *codexAdapter) BuildResumeCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error) {
	exe, err := a.resolve(EngineCodex)
	if err != nil {
		return nil, err
	}
	sessionID, err := requireSessionID(EngineCodex, opts)
	if err != nil {
		return nil, err
	}
	argv := []string{exe, "exec", "resume", sessionID, "--json"}
	argv = append(argv, passthrough...)
	if strings.TrimSpace(prompt) != "" {
		argv = append(argv, prompt)
	}
	return argv, nil
}

// ParseRuntimeStream reads Codex NDJSON from stdout, falling back to the PTY
// transcript when stdout carried no assistant messages.
func (a *codexAdapter) ParseRuntimeStream(stdoutRaw, stderrRaw, ptyRaw []byte) ParseResult {
	res := parseCodexShapedNDJSON("codex_ndjson", stdoutRaw, stderrRaw, ptyRaw, extractCodexEvent)
	return res
}

// parseCodexShapedNDJSON is shared by the Codex and OpenCode parsers, which
// differ only in event extraction.
func parseCodexShapedNDJSON(parser string, stdoutRaw, stderrRaw, ptyRaw []byte, extract func(res *ParseResult, row JSONRow)) ParseResult {
	res := ParseResult{Parser: parser}

	leftover := parseNDJSONInto(&res, StreamStdout, stdoutRaw, extract)
	if len(res.AssistantMessages) == 0 && len(ptyRaw) > 0 {
		ptyLeftover := parseNDJSONInto(&res, StreamPTY, ptyRaw, extract)
		if len(res.AssistantMessages) > 0 || res.SessionID != "" {
			res.addDiagnostic(DiagPTYFallbackUsed)
			leftover = append(leftover, ptyLeftover...)
		}
	}
	for _, row := range StreamLinesWithOffsets(StreamStderr, stderrRaw) {
		if strings.TrimSpace(row.Line) != "" {
			leftover = append(leftover, row)
		}
	}

	res.RawRows = leftover
	if len(leftover) > 0 {
		res.addDiagnostic(DiagUnparsedContentFellRaw)
	}
	res.AssistantMessages = DedupAssistantMessages(res.AssistantMessages)
	if len(res.AssistantMessages) > 0 || res.SessionID != "" {
		res.Confidence = 0.95
	} else {
		res.Confidence = 0.6
	}
	return res
}

func parseNDJSONInto(res *ParseResult, stream string, raw []byte, extract func(res *ParseResult, row JSONRow)) []RawRow {
	rows := StreamLinesWithOffsets(stream, raw)
	if stream == StreamPTY {
		rows = StripRuntimeScriptEnvelope(rows)
	}
	parsed, leftover := CollectJSONParseErrors(rows)
	for _, jr := range parsed {
		if t, ok := jr.Payload["type"].(string); ok {
			res.addStructuredType(t)
		}
		if res.SessionID == "" {
			res.SessionID = FindSessionID(jr.Payload)
		}
		extract(res, jr)
	}
	return leftover
}

func extractCodexEvent(res *ParseResult, jr JSONRow) {
	t, _ := jr.Payload["type"].(string)
	if t != "item.completed" {
		return
	}
	item, _ := jr.Payload["item"].(map[string]any)
	if item == nil {
		return
	}
	if itemType, _ := item["type"].(string); itemType != "agent_message" {
		return
	}
	text, _ := item["text"].(string)
	if text == "" {
		return
	}
	res.AssistantMessages = append(res.AssistantMessages, AssistantMessage{Text: text, RawRef: jr.Row.Ref()})
}

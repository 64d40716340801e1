package adapters

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

type geminiAdapter struct {
	resolve CommandResolver
}

func (a *geminiAdapter) Engine() string { return EngineGemini }

// ConstructConfig writes the run-local Gemini settings so the engine stays
// headless and keeps its state inside the run directory.
func (a *geminiAdapter) ConstructConfig(runDir string, opts Options) (string, error) {
	dir := filepath.Join(runDir, ".gemini")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	settings := map[string]any{
		"selectedAuthType": "oauth-personal",
		"autoAccept":       true,
	}
	if opts.Model != "" {
		settings["model"] = opts.Model
	}
	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (a *geminiAdapter) BuildStartCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error) {
	exe, err := a.resolve(EngineGemini)
	if err != nil {
		return nil, err
	}
	argv := []string{exe}
	if opts.HarnessMode {
		argv = append(argv, "--yolo")
	}
	argv = append(argv, passthrough...)
	if strings.TrimSpace(prompt) != "" {
		argv = append(argv, "-p", prompt)
	}
	return argv, nil
}

func (a *geminiAdapter) BuildResumeCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error) {
	exe, err := a.resolve(EngineGemini)
	if err != nil {
		return nil, err
	}
	sessionID, err := requireSessionID(EngineGemini, opts)
	if err != nil {
		return nil, err
	}
	argv := []string{exe, "--resume", sessionID}
	if opts.HarnessMode {
		argv = append(argv, "--yolo")
	}
	argv = append(argv, passthrough...)
	if strings.TrimSpace(prompt) != "" {
		argv = append(argv, "-p", prompt)
	}
	return argv, nil
}

// ParseRuntimeStream prefers the JSON envelope Gemini writes to stderr; when
// that is absent it falls back to plain-text heuristics on stdout.
func (a *geminiAdapter) ParseRuntimeStream(stdoutRaw, stderrRaw, ptyRaw []byte) ParseResult {
	res := ParseResult{Parser: "gemini_json"}

	var envelope map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(stderrRaw))), &envelope); err == nil && envelope != nil {
		res.addStructuredType("gemini_envelope")
		res.SessionID = FindSessionID(envelope)
		if response, ok := envelope["response"].(string); ok && strings.TrimSpace(response) != "" {
			ref := &RawRef{Stream: StreamStderr, ByteFrom: 0, ByteTo: int64(len(stderrRaw))}
			res.AssistantMessages = append(res.AssistantMessages, AssistantMessage{Text: response, RawRef: ref})
		}
		res.Confidence = 0.95
		// Anything on stdout is engine chatter, not structured output.
		for _, row := range StreamLinesWithOffsets(StreamStdout, stdoutRaw) {
			if strings.TrimSpace(row.Line) != "" {
				res.RawRows = append(res.RawRows, row)
			}
		}
		if len(res.RawRows) > 0 {
			res.addDiagnostic(DiagUnparsedContentFellRaw)
		}
		res.AssistantMessages = DedupAssistantMessages(res.AssistantMessages)
		return res
	}

	// Text fallback: treat stdout as the assistant message, stderr as raw.
	stdoutRows := StreamLinesWithOffsets(StreamStdout, stdoutRaw)
	var textLines []string
	for _, row := range stdoutRows {
		if strings.TrimSpace(row.Line) != "" {
			textLines = append(textLines, row.Line)
		}
	}
	if len(textLines) > 0 {
		ref := &RawRef{Stream: StreamStdout, ByteFrom: 0, ByteTo: int64(len(stdoutRaw))}
		res.AssistantMessages = append(res.AssistantMessages, AssistantMessage{Text: strings.Join(textLines, "\n"), RawRef: ref})
	}
	for _, row := range StreamLinesWithOffsets(StreamStderr, stderrRaw) {
		if strings.TrimSpace(row.Line) != "" {
			res.RawRows = append(res.RawRows, row)
		}
	}
	if len(res.RawRows) > 0 {
		res.addDiagnostic(DiagUnparsedContentFellRaw)
	}
	if len(res.AssistantMessages) > 0 {
		res.Confidence = 0.6
	} else {
		res.Confidence = 0.3
	}
	return res
}

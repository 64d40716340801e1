package adapters

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

const (
	iflowExecInfoOpen  = "<Execution Info>"
	iflowExecInfoClose = "</Execution Info>"
)

type iflowAdapter struct {
	resolve CommandResolver
}

func (a *iflowAdapter) Engine() string { return EngineIFlow }

func (a *iflowAdapter) ConstructConfig(runDir string, opts Options) (string, error) {
	dir := filepath.Join(runDir, ".iflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	settings := map[string]any{"approvalMode": "yolo"}
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

func (a *iflowAdapter) BuildStartCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error) {
	exe, err := a.resolve(EngineIFlow)
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

func (a *iflowAdapter) BuildResumeCommand(prompt string, opts Options, passthrough []string, useProfileDefaults bool) ([]string, error) {
	exe, err := a.resolve(EngineIFlow)
	if err != nil {
		return nil, err
	}
	sessionID, err := requireSessionID(EngineIFlow, opts)
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

// ParseRuntimeStream reads iFlow's annotated text: an <Execution Info> tag
// pair wraps a JSON blob carrying the session id, and the surrounding lines
// form the assistant message.
func (a *iflowAdapter) ParseRuntimeStream(stdoutRaw, stderrRaw, ptyRaw []byte) ParseResult {
	res := ParseResult{Parser: "iflow_text"}

	rows := StreamLinesWithOffsets(StreamStdout, stdoutRaw)
	var messageLines []string
	inTag := false
	var tagBody strings.Builder
	for _, row := range rows {
		line := row.Line
		for line != "" {
			if !inTag {
				open := strings.Index(line, iflowExecInfoOpen)
				if open < 0 {
					if strings.TrimSpace(line) != "" {
						messageLines = append(messageLines, line)
					}
					line = ""
					continue
				}
				if head := strings.TrimSpace(line[:open]); head != "" {
					messageLines = append(messageLines, head)
				}
				line = line[open+len(iflowExecInfoOpen):]
				inTag = true
				continue
			}
			closeIdx := strings.Index(line, iflowExecInfoClose)
			if closeIdx < 0 {
				tagBody.WriteString(line)
				tagBody.WriteString("\n")
				line = ""
				continue
			}
			tagBody.WriteString(line[:closeIdx])
			line = line[closeIdx+len(iflowExecInfoClose):]
			inTag = false
		}
	}

	if body := strings.TrimSpace(tagBody.String()); body != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(body), &payload); err == nil {
			res.addStructuredType("execution_info")
			res.SessionID = FindSessionID(payload)
		} else {
			res.addDiagnostic(DiagUnparsedContentFellRaw)
		}
	}
	if len(messageLines) > 0 {
		ref := &RawRef{Stream: StreamStdout, ByteFrom: 0, ByteTo: int64(len(stdoutRaw))}
		res.AssistantMessages = append(res.AssistantMessages, AssistantMessage{
			Text:   strings.Join(messageLines, "\n"),
			RawRef: ref,
		})
	}
	for _, row := range StreamLinesWithOffsets(StreamStderr, stderrRaw) {
		if strings.TrimSpace(row.Line) != "" {
			res.RawRows = append(res.RawRows, row)
		}
	}
	if len(res.RawRows) > 0 {
		res.addDiagnostic(DiagUnparsedContentFellRaw)
	}
	res.AssistantMessages = DedupAssistantMessages(res.AssistantMessages)
	if res.SessionID != "" {
		res.Confidence = 0.9
	} else if len(res.AssistantMessages) > 0 {
		res.Confidence = 0.6
	} else {
		res.Confidence = 0.3
	}
	return res
}

package protocol

import (
	"fmt"
	"os"
	"time"

	"github.com/skillrunner/agent-harness/internal/adapters"
	"github.com/skillrunner/agent-harness/internal/runstore"
)

// RASPInput gathers everything the RASP factory needs for one attempt.
type RASPInput struct {
	RunID              string
	Engine             string
	AttemptNumber      int
	Status             string
	PendingInteraction *runstore.PendingInteraction
	StdoutPath         string
	StderrPath         string
	PTYPath            string
	Completion         *Completion

	Adapter adapters.Adapter

	// Now is injectable so re-rendering the same inputs is byte-identical.
	Now func() time.Time
}

// BuildRASPEvents parses the attempt's captures and emits the ordered,
// schema-validated RASP stream along with the intermediate parse result.
func BuildRASPEvents(in RASPInput) ([]RASPEvent, adapters.ParseResult, error) {
	now := in.Now
	if now == nil {
		now = time.Now
	}
	stdoutRaw := readCapture(in.StdoutPath)
	stderrRaw := readCapture(in.StderrPath)
	var ptyRaw []byte
	if in.PTYPath != "" {
		ptyRaw = readCapture(in.PTYPath)
	}

	parse := in.Adapter.ParseRuntimeStream(stdoutRaw, stderrRaw, ptyRaw)

	if in.PendingInteraction != nil {
		if err := ValidateAgainst(DefPendingInteraction, in.PendingInteraction); err != nil {
			return nil, parse, err
		}
	}

	ts := now().UTC().Format(time.RFC3339Nano)
	source := Source{Engine: in.Engine, Parser: parse.Parser, Confidence: parse.Confidence}
	var correlation map[string]any
	if parse.SessionID != "" {
		correlation = map[string]any{"session_id": parse.SessionID}
	}

	var events []RASPEvent
	emit := func(category, eventType string, data map[string]any, rawRef *adapters.RawRef) {
		events = append(events, RASPEvent{
			ProtocolVersion: RASPVersion,
			RunID:           in.RunID,
			Seq:             len(events) + 1,
			TS:              ts,
			Source:          source,
			Event:           EventKind{Category: category, Type: eventType},
			Data:            data,
			Correlation:     correlation,
			AttemptNumber:   in.AttemptNumber,
			RawRef:          rawRef,
		})
	}

	emit("lifecycle", "lifecycle.run.status", map[string]any{"status": in.Status}, nil)
	if in.Completion != nil {
		emit("lifecycle", "lifecycle.completion.state", map[string]any{
			"state":       in.Completion.State,
			"reason_code": in.Completion.ReasonCode,
			"exit_code":   in.Completion.ExitCode,
		}, nil)
	}
	for i, msg := range parse.AssistantMessages {
		emit("agent", "agent.message.final", map[string]any{
			"message_id": messageID(in.AttemptNumber, i),
			"text":       msg.Text,
		}, msg.RawRef)
	}
	for _, code := range parse.Diagnostics {
		emit("diagnostic", "diagnostic.warning", map[string]any{"code": code}, nil)
	}
	if parse.Confidence < 0.7 {
		emit("diagnostic", "diagnostic.warning", map[string]any{"code": DiagLowConfidenceParse}, nil)
	}
	for _, row := range parse.RawRows {
		emit("raw", "raw."+row.Stream, map[string]any{"line": row.Line}, row.Ref())
	}
	if in.Status == StatusWaitingUser {
		emit("interaction", "interaction.user_input.required", map[string]any{
			"interaction_id": in.AttemptNumber,
			"kind":           "free_text",
			"prompt":         interactionPrompt(in.PendingInteraction, parse),
		}, nil)
	}
	if TerminalStatus(in.Status) {
		emit("lifecycle", "lifecycle.run.terminal", map[string]any{"status": in.Status}, nil)
	}

	for _, ev := range events {
		if err := ValidateAgainst(DefRASPEventEnvelope, ev); err != nil {
			return nil, parse, err
		}
	}
	return events, parse, nil
}

func messageID(attempt, index int) string {
	return fmt.Sprintf("m_%d_%d", attempt, index)
}

// interactionPrompt prefers the pending interaction's own prompt, then the
// last assistant message, then the fixed fallback.
func interactionPrompt(pending *runstore.PendingInteraction, parse adapters.ParseResult) string {
	if pending != nil && pending.Prompt != "" {
		return pending.Prompt
	}
	if n := len(parse.AssistantMessages); n > 0 {
		return parse.AssistantMessages[n-1].Text
	}
	return FallbackPrompt
}

func readCapture(path string) []byte {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return b
}

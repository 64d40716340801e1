package protocol

import (
	"strings"
	"time"

	"github.com/skillrunner/agent-harness/internal/adapters"
	"github.com/skillrunner/agent-harness/internal/runstore"
)

// DefaultSuppressionThreshold is the minimum run length of echoed raw rows
// that triggers duplicate suppression. Downstream consumers assume 3 unless
// overridden.
const DefaultSuppressionThreshold = 3

// FCMPOptions carries the orchestration context for the FCMP build.
type FCMPOptions struct {
	Status                     string
	StatusUpdatedAt            string
	PendingInteraction         *runstore.PendingInteraction
	InteractionHistory         []runstore.InteractionHistoryEntry
	OrchestratorEvents         []runstore.OrchestratorEvent
	EffectiveSessionTimeoutSec int
	Completion                 *Completion

	// SuppressionThreshold overrides DefaultSuppressionThreshold when > 0.
	SuppressionThreshold int

	Now func() time.Time
}

// BuildFCMPEvents derives the observer-facing conversation stream from a
// finished attempt's RASP events.
func BuildFCMPEvents(rasp []RASPEvent, opts FCMPOptions) ([]FCMPEvent, error) {
	if len(rasp) == 0 {
		return nil, nil
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	threshold := opts.SuppressionThreshold
	if threshold <= 0 {
		threshold = DefaultSuppressionThreshold
	}

	if opts.PendingInteraction != nil {
		if err := ValidateAgainst(DefPendingInteraction, opts.PendingInteraction); err != nil {
			return nil, err
		}
	}
	for _, entry := range opts.InteractionHistory {
		if err := ValidateAgainst(DefInteractionHistoryEntry, entry); err != nil {
			return nil, err
		}
	}
	for _, oe := range opts.OrchestratorEvents {
		if err := ValidateAgainst(DefOrchestratorEvent, oe); err != nil {
			return nil, err
		}
	}

	runID := rasp[0].RunID
	engine := rasp[0].Source.Engine
	attempt := rasp[0].AttemptNumber
	ts := now().UTC().Format(time.RFC3339Nano)

	var events []FCMPEvent
	emit := func(eventType string, data map[string]any, rawRef *adapters.RawRef) {
		if data == nil {
			data = map[string]any{}
		}
		seq := len(events) + 1
		events = append(events, FCMPEvent{
			ProtocolVersion: FCMPVersion,
			RunID:           runID,
			Seq:             seq,
			TS:              ts,
			Engine:          engine,
			Type:            eventType,
			Data:            data,
			Meta:            FCMPMeta{Attempt: attempt, LocalSeq: seq},
			RawRef:          rawRef,
		})
	}

	// 1. Conversation identity.
	if sessionID := sessionIDFromRASP(rasp); sessionID != "" {
		emit("conversation.started", map[string]any{"session_id": sessionID}, nil)
	}

	// 2. Diagnostics carried from RASP.
	for _, ev := range rasp {
		if ev.Event.Type == "diagnostic.warning" {
			emit("diagnostic.warning", cloneData(ev.Data), nil)
		}
	}

	// 3. Raw rows, with echo suppression against assistant message bodies.
	emitRawWithSuppression(rasp, threshold, emit)

	// 4. Replays of the interaction this attempt answers.
	for _, entry := range opts.InteractionHistory {
		if entry.Type != "reply" || entry.InteractionID != attempt-1 {
			continue
		}
		var trigger string
		if entry.ResolutionMode == runstore.ResolutionAutoTimeout {
			trigger = "interaction.auto_decide.timeout"
			emit(trigger, map[string]any{"interaction_id": entry.InteractionID}, nil)
		} else {
			trigger = "interaction.reply.accepted"
			emit(trigger, map[string]any{
				"interaction_id": entry.InteractionID,
				"message":        entry.Message,
			}, nil)
		}
		emit("conversation.state.changed", map[string]any{
			"from":    StatusWaitingUser,
			"to":      StatusQueued,
			"trigger": trigger,
		}, nil)
	}

	// 5. Orchestrator transitions, or one synthesized transition.
	transitions := 0
	for _, oe := range opts.OrchestratorEvents {
		switch oe.Type {
		case "lifecycle.run.started":
			emit("conversation.state.changed", map[string]any{
				"from":    StatusQueued,
				"to":      StatusRunning,
				"trigger": "turn.started",
			}, nil)
			transitions++
		case "interaction.user_input.required":
			data := map[string]any{
				"from":    StatusRunning,
				"to":      StatusWaitingUser,
				"trigger": "turn.needs_input",
			}
			if id, ok := oe.Data["interaction_id"]; ok {
				data["interaction_id"] = id
			}
			emit("conversation.state.changed", data, nil)
			transitions++
		case "diagnostic.warning":
			emit("diagnostic.warning", cloneData(oe.Data), nil)
		}
	}
	if transitions == 0 && (opts.Status == StatusRunning || opts.Status == StatusWaitingUser) {
		data := synthesizedTransition(opts.Status, opts.PendingInteraction)
		if opts.StatusUpdatedAt != "" {
			data["status_updated_at"] = opts.StatusUpdatedAt
		}
		emit("conversation.state.changed", data, nil)
	}

	// 6. Assistant messages in production order.
	for _, ev := range rasp {
		if ev.Event.Type == "agent.message.final" {
			emit("assistant.message.final", cloneData(ev.Data), ev.RawRef)
		}
	}

	// 7. Terminal derivation.
	emitTerminal(rasp, opts, emit)

	for _, ev := range events {
		if err := ValidateAgainst(DefFCMPEventEnvelope, ev); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func synthesizedTransition(status string, pending *runstore.PendingInteraction) map[string]any {
	if status == StatusWaitingUser {
		data := map[string]any{
			"from":    StatusRunning,
			"to":      StatusWaitingUser,
			"trigger": "turn.needs_input",
		}
		if pending != nil {
			data["interaction_id"] = pending.InteractionID
		}
		return data
	}
	return map[string]any{
		"from":    StatusQueued,
		"to":      StatusRunning,
		"trigger": "turn.started",
	}
}

func emitTerminal(rasp []RASPEvent, opts FCMPOptions, emit func(string, map[string]any, *adapters.RawRef)) {
	status := opts.Status
	switch {
	case status == StatusWaitingUser:
		// The waiting transition was already emitted; surface the input
		// request itself.
		data := map[string]any{}
		if req := findRASPEvent(rasp, "interaction.user_input.required"); req != nil {
			data = cloneData(req.Data)
		}
		if opts.EffectiveSessionTimeoutSec > 0 {
			data["timeout_seconds"] = opts.EffectiveSessionTimeoutSec
		}
		emit("user.input.required", data, nil)
	case status == StatusSucceeded:
		emit("conversation.state.changed", map[string]any{
			"from":    StatusRunning,
			"to":      StatusSucceeded,
			"trigger": "turn.succeeded",
		}, nil)
		data := map[string]any{}
		if opts.Completion != nil {
			data["reason_code"] = opts.Completion.ReasonCode
		}
		emit("conversation.completed", data, nil)
	case status == StatusFailed:
		emit("conversation.state.changed", map[string]any{
			"from":    StatusRunning,
			"to":      StatusFailed,
			"trigger": "turn.failed",
		}, nil)
		data := map[string]any{}
		if opts.Completion != nil {
			data["reason_code"] = opts.Completion.ReasonCode
			data["exit_code"] = opts.Completion.ExitCode
		}
		emit("conversation.failed", data, nil)
	case status == StatusCanceled:
		emit("conversation.state.changed", map[string]any{
			"from":    StatusRunning,
			"to":      StatusCanceled,
			"trigger": "run.canceled",
		}, nil)
		emit("conversation.failed", map[string]any{"reason_code": "CANCELED"}, nil)
	}
}

func emitRawWithSuppression(rasp []RASPEvent, threshold int, emit func(string, map[string]any, *adapters.RawRef)) {
	comparable := comparableAssistantLines(rasp)

	type rawEv struct {
		ev     RASPEvent
		stream string
		line   string
		echoes bool
	}
	var raws []rawEv
	for _, ev := range rasp {
		if ev.Event.Category != "raw" {
			continue
		}
		line, _ := ev.Data["line"].(string)
		stream := strings.TrimPrefix(ev.Event.Type, "raw.")
		trimmed := strings.TrimSpace(line)
		raws = append(raws, rawEv{
			ev:     ev,
			stream: stream,
			line:   line,
			echoes: trimmed != "" && comparable[trimmed],
		})
	}

	flush := func(group []rawEv) {
		if len(group) >= threshold && group[0].echoes {
			emit("diagnostic.warning", map[string]any{
				"code":             DiagRawDuplicateSuppressed,
				"suppressed_count": len(group),
			}, nil)
			return
		}
		for _, r := range group {
			emit("raw."+r.stream, map[string]any{"line": r.line}, r.ev.RawRef)
		}
	}

	var group []rawEv
	for _, r := range raws {
		if len(group) > 0 {
			prev := group[len(group)-1]
			if r.stream == prev.stream && r.echoes && prev.echoes {
				group = append(group, r)
				continue
			}
			flush(group)
			group = nil
		}
		group = append(group, r)
	}
	if len(group) > 0 {
		flush(group)
	}
}

// comparableAssistantLines collects the non-empty lines of every assistant
// message, minus a surrounding triple-backtick fence.
func comparableAssistantLines(rasp []RASPEvent) map[string]bool {
	out := map[string]bool{}
	for _, ev := range rasp {
		if ev.Event.Type != "agent.message.final" {
			continue
		}
		text, _ := ev.Data["text"].(string)
		lines := strings.Split(text, "\n")
		// Drop a fence that wraps the whole message.
		if len(lines) >= 2 &&
			strings.HasPrefix(strings.TrimSpace(lines[0]), "```") &&
			strings.TrimSpace(lines[len(lines)-1]) == "```" {
			lines = lines[1 : len(lines)-1]
		}
		for _, line := range lines {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				out[trimmed] = true
			}
		}
	}
	return out
}

func sessionIDFromRASP(rasp []RASPEvent) string {
	for _, ev := range rasp {
		if id, ok := ev.Correlation["session_id"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

func findRASPEvent(rasp []RASPEvent, eventType string) *RASPEvent {
	for i := range rasp {
		if rasp[i].Event.Type == eventType {
			return &rasp[i]
		}
	}
	return nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

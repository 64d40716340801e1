package executor

import (
	"strings"

	"github.com/skillrunner/agent-harness/internal/adapters"
	"github.com/skillrunner/agent-harness/internal/protocol"
)

// Transcript system lines for translate level 3.
const (
	transcriptDone    = "System: 任务完成"
	transcriptFailed  = "System: 任务执行失败"
	transcriptWaiting = "System: (请输入下一步指令...)"
)

// RenderTranslateView builds the human-readable rendering for a finished
// attempt at the requested level.
//
// Level 0 returns the raw stdio (callers do not print it); 1 the parse
// summary; 2 the FCMP rows; 3 a Markdown transcript.
func RenderTranslateView(level int, stdout, stderr string, parse adapters.ParseResult, fcmp []protocol.FCMPEvent) any {
	switch level {
	case 1:
		msgs := make([]string, 0, len(parse.AssistantMessages))
		for _, m := range parse.AssistantMessages {
			msgs = append(msgs, m.Text)
		}
		return map[string]any{
			"parser":             parse.Parser,
			"confidence":         parse.Confidence,
			"session_id":         parse.SessionID,
			"assistant_messages": msgs,
			"diagnostics":        parse.Diagnostics,
		}
	case 2:
		return map[string]any{"fcmp_events": fcmp}
	case 3:
		return RenderTranscript(fcmp)
	default:
		return map[string]any{"stdout": stdout, "stderr": stderr}
	}
}

// RenderTranscript turns the FCMP stream into a Markdown bullet transcript.
// The fixed English fallback prompt never appears; the waiting state renders
// as its canonical system line.
func RenderTranscript(fcmp []protocol.FCMPEvent) string {
	var b strings.Builder
	for _, ev := range fcmp {
		switch ev.Type {
		case "assistant.message.final":
			text, _ := ev.Data["text"].(string)
			if text != "" {
				b.WriteString("- Assistant: " + text + "\n")
			}
		case "conversation.completed":
			b.WriteString("- " + transcriptDone + "\n")
		case "conversation.failed":
			b.WriteString("- " + transcriptFailed + "\n")
		case "user.input.required":
			b.WriteString("- " + transcriptWaiting + "\n")
		}
	}
	return b.String()
}

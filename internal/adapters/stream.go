package adapters

import (
	"encoding/json"
	"sort"
	"strings"
)

// Stream names used in raw rows and byte-range references.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamPTY    = "pty"
)

// Diagnostic codes emitted by parsers.
const (
	DiagPTYFallbackUsed        = "PTY_FALLBACK_USED"
	DiagUnparsedContentFellRaw = "UNPARSED_CONTENT_FELL_BACK_TO_RAW"
)

// RawRef is a byte range into one on-disk capture file.
type RawRef struct {
	Stream   string `json:"stream"`
	ByteFrom int64  `json:"byte_from"`
	ByteTo   int64  `json:"byte_to"`
}

// RawRow is one captured line with its provenance range.
type RawRow struct {
	Stream   string `json:"stream"`
	Line     string `json:"line"`
	ByteFrom int64  `json:"byte_from"`
	ByteTo   int64  `json:"byte_to"`
}

// Ref returns the row's byte range as a RawRef.
func (r RawRow) Ref() *RawRef {
	return &RawRef{Stream: r.Stream, ByteFrom: r.ByteFrom, ByteTo: r.ByteTo}
}

// AssistantMessage is one normalized assistant turn.
type AssistantMessage struct {
	Text   string  `json:"text"`
	RawRef *RawRef `json:"raw_ref,omitempty"`
}

// ParseResult is the intermediate result produced by every engine parser.
type ParseResult struct {
	Parser            string             `json:"parser"`
	Confidence        float64            `json:"confidence"`
	SessionID         string             `json:"session_id,omitempty"`
	AssistantMessages []AssistantMessage `json:"assistant_messages"`
	RawRows           []RawRow           `json:"raw_rows"`
	Diagnostics       []string           `json:"diagnostics"`
	StructuredTypes   []string           `json:"structured_types"`
}

func (r *ParseResult) addDiagnostic(code string) {
	for _, d := range r.Diagnostics {
		if d == code {
			return
		}
	}
	r.Diagnostics = append(r.Diagnostics, code)
}

func (r *ParseResult) addStructuredType(name string) {
	if name == "" {
		return
	}
	for _, t := range r.StructuredTypes {
		if t == name {
			return
		}
	}
	r.StructuredTypes = append(r.StructuredTypes, name)
}

// StreamLinesWithOffsets splits raw capture bytes into rows, preserving the
// byte range each line occupies. Both \n and \r\n terminators are handled;
// the terminator is excluded from the line text but included in the range so
// consecutive ranges tile the stream.
func StreamLinesWithOffsets(stream string, raw []byte) []RawRow {
	var rows []RawRow
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\n' {
			continue
		}
		end := i
		if end > start && raw[end-1] == '\r' {
			end--
		}
		rows = append(rows, RawRow{
			Stream:   stream,
			Line:     string(raw[start:end]),
			ByteFrom: int64(start),
			ByteTo:   int64(i + 1),
		})
		start = i + 1
	}
	if start < len(raw) {
		end := len(raw)
		if raw[end-1] == '\r' {
			end--
		}
		rows = append(rows, RawRow{
			Stream:   stream,
			Line:     string(raw[start:end]),
			ByteFrom: int64(start),
			ByteTo:   int64(len(raw)),
		})
	}
	return rows
}

// StripRuntimeScriptEnvelope removes the wrapper markers that the PTY
// multiplexer (util-linux script) writes around a session transcript.
func StripRuntimeScriptEnvelope(rows []RawRow) []RawRow {
	out := rows[:0:0]
	for _, row := range rows {
		line := row.Line
		if strings.HasPrefix(line, "Script started on ") && strings.Contains(line, "[COMMAND=") {
			continue
		}
		if strings.HasPrefix(line, "Script done on ") && strings.Contains(line, "[COMMAND_EXIT_CODE=") {
			continue
		}
		out = append(out, row)
	}
	return out
}

// JSONRow pairs a parsed JSON payload with its source row.
type JSONRow struct {
	Row     RawRow
	Payload map[string]any
}

// CollectJSONParseErrors partitions rows into parsed-JSON rows and leftover
// raw rows. Blank lines are dropped entirely.
func CollectJSONParseErrors(rows []RawRow) (parsed []JSONRow, leftover []RawRow) {
	for _, row := range rows {
		trimmed := strings.TrimSpace(row.Line)
		if trimmed == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
			leftover = append(leftover, row)
			continue
		}
		parsed = append(parsed, JSONRow{Row: row, Payload: payload})
	}
	return parsed, leftover
}

var sessionIDKeys = []string{"thread_id", "session_id", "session-id", "sessionID"}

// FindSessionID searches a decoded JSON payload pre-order for the first
// non-empty value under a recognized session key.
func FindSessionID(payload any) string {
	switch v := payload.(type) {
	case map[string]any:
		for _, key := range sessionIDKeys {
			if raw, ok := v[key]; ok {
				if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
					return s
				}
			}
		}
		// Deterministic pre-order: session keys first, then nested values
		// in sessionIDKeys order, then remaining keys.
		for _, child := range orderedValues(v) {
			if id := FindSessionID(child); id != "" {
				return id
			}
		}
	case []any:
		for _, item := range v {
			if id := FindSessionID(item); id != "" {
				return id
			}
		}
	}
	return ""
}

func orderedValues(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Sort for determinism; Go map iteration order is randomized.
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// DedupAssistantMessages drops exact-text duplicates, preserving first-seen
// order.
func DedupAssistantMessages(msgs []AssistantMessage) []AssistantMessage {
	seen := make(map[string]bool, len(msgs))
	out := msgs[:0:0]
	for _, m := range msgs {
		if seen[m.Text] {
			continue
		}
		seen[m.Text] = true
		out = append(out, m)
	}
	return out
}

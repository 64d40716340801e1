package protocol

import (
	"github.com/skillrunner/agent-harness/internal/adapters"
)

// Protocol versions stamped on every envelope.
const (
	RASPVersion = "rasp/1.0"
	FCMPVersion = "fcmp/1.0"
)

// Session statuses.
const (
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusWaitingUser = "waiting_user"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusCanceled    = "canceled"
)

// TerminalStatus reports membership in the terminal status set.
func TerminalStatus(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCanceled
}

// Completion states.
const (
	CompletionCompleted         = "completed"
	CompletionAwaitingUserInput = "awaiting_user_input"
	CompletionInterrupted       = "interrupted"
)

// Completion reason codes.
const (
	ReasonDoneMarkerFound  = "DONE_MARKER_FOUND"
	ReasonWaitingUserInput = "WAITING_USER_INPUT"
	ReasonNonZeroExit      = "NON_ZERO_EXIT"
	ReasonTimeout          = "TIMEOUT"
)

// Completion classifies how an attempt's child process finished.
type Completion struct {
	State       string   `json:"state"`
	ReasonCode  string   `json:"reason_code"`
	ExitCode    int      `json:"exit_code"`
	Diagnostics []string `json:"diagnostics"`
}

// StatusForCompletion maps a completion state to the session status.
func StatusForCompletion(state string) string {
	switch state {
	case CompletionCompleted:
		return StatusSucceeded
	case CompletionAwaitingUserInput:
		return StatusWaitingUser
	default:
		return StatusFailed
	}
}

// FallbackPrompt is the fixed English prompt used when an interaction has no
// better text. Translate level 3 suppresses it.
const FallbackPrompt = "User input is required to continue."

// DiagLowConfidenceParse is emitted when the parser confidence is below 0.7.
const DiagLowConfidenceParse = "LOW_CONFIDENCE_PARSE"

// DiagRawDuplicateSuppressed marks an echo-suppressed run of raw rows.
const DiagRawDuplicateSuppressed = "RAW_DUPLICATE_SUPPRESSED"

// Source identifies the parser that produced a RASP event.
type Source struct {
	Engine     string  `json:"engine"`
	Parser     string  `json:"parser"`
	Confidence float64 `json:"confidence"`
}

// EventKind is the category/type pair of a RASP event.
type EventKind struct {
	Category string `json:"category"`
	Type     string `json:"type"`
}

// RASPEvent is one row of the raw agent stream protocol.
type RASPEvent struct {
	ProtocolVersion string           `json:"protocol_version"`
	RunID           string           `json:"run_id"`
	Seq             int              `json:"seq"`
	TS              string           `json:"ts"`
	Source          Source           `json:"source"`
	Event           EventKind        `json:"event"`
	Data            map[string]any   `json:"data"`
	Correlation     map[string]any   `json:"correlation,omitempty"`
	AttemptNumber   int              `json:"attempt_number"`
	RawRef          *adapters.RawRef `json:"raw_ref,omitempty"`
}

// FCMPMeta carries attempt provenance on an FCMP event.
type FCMPMeta struct {
	Attempt  int `json:"attempt"`
	LocalSeq int `json:"local_seq,omitempty"`
}

// FCMPEvent is one row of the fine-grained conversation message protocol.
type FCMPEvent struct {
	ProtocolVersion string           `json:"protocol_version"`
	RunID           string           `json:"run_id"`
	Seq             int              `json:"seq"`
	TS              string           `json:"ts"`
	Engine          string           `json:"engine"`
	Type            string           `json:"type"`
	Data            map[string]any   `json:"data"`
	Meta            FCMPMeta         `json:"meta"`
	RawRef          *adapters.RawRef `json:"raw_ref,omitempty"`
}

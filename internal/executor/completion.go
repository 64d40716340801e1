package executor

import (
	"bytes"

	"github.com/skillrunner/agent-harness/internal/protocol"
	"github.com/skillrunner/agent-harness/internal/skillpatch"
)

// DiagDoneMarkerWithNonZeroExit flags the contradictory case of a completion
// marker alongside a failing exit.
const DiagDoneMarkerWithNonZeroExit = "DONE_MARKER_WITH_NON_ZERO_EXIT"

// ClassifyCompletion derives the completion payload from the combined
// captures and the exit code.
func ClassifyCompletion(stdout, stderr, pty []byte, exitCode int, timedOut bool) protocol.Completion {
	marker := []byte(skillpatch.DoneMarker)
	done := bytes.Contains(stdout, marker) || bytes.Contains(stderr, marker) || bytes.Contains(pty, marker)

	if timedOut {
		c := protocol.Completion{
			State:       protocol.CompletionInterrupted,
			ReasonCode:  protocol.ReasonTimeout,
			ExitCode:    exitCode,
			Diagnostics: []string{},
		}
		if done {
			c.Diagnostics = append(c.Diagnostics, DiagDoneMarkerWithNonZeroExit)
		}
		return c
	}

	switch {
	case exitCode == 0 && done:
		return protocol.Completion{
			State:       protocol.CompletionCompleted,
			ReasonCode:  protocol.ReasonDoneMarkerFound,
			ExitCode:    exitCode,
			Diagnostics: []string{},
		}
	case exitCode == 0:
		return protocol.Completion{
			State:       protocol.CompletionAwaitingUserInput,
			ReasonCode:  protocol.ReasonWaitingUserInput,
			ExitCode:    exitCode,
			Diagnostics: []string{},
		}
	default:
		c := protocol.Completion{
			State:       protocol.CompletionInterrupted,
			ReasonCode:  protocol.ReasonNonZeroExit,
			ExitCode:    exitCode,
			Diagnostics: []string{},
		}
		if done {
			c.Diagnostics = append(c.Diagnostics, DiagDoneMarkerWithNonZeroExit)
		}
		return c
	}
}

package harness

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/skillrunner/agent-harness/internal/audit"
	"github.com/skillrunner/agent-harness/internal/runstore"
	"github.com/skillrunner/agent-harness/internal/statechart"
)

// RecoveredSession reports the restart decision for one run.
type RecoveredSession struct {
	RunID  string
	Status string
	Event  statechart.Event
	Result statechart.State
}

// RecoverSessions reconciles persisted runs after a process restart. Runs
// whose last attempt was waiting for user input keep waiting only when both
// the pending interaction and a valid handle survived; every other
// non-terminal run is reconciled to failed.
func (h *Harness) RecoverSessions(ctx context.Context, store runstore.Store) ([]RecoveredSession, error) {
	chart, err := statechart.New()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(h.Profile.RunRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	idx, err := audit.LoadHandleIndex(h.Profile.RunRoot)
	if err != nil {
		return nil, err
	}
	handleByRun := map[string]bool{}
	for _, meta := range idx.Handles {
		handleByRun[meta.RunID] = meta.SessionID != ""
	}

	var out []RecoveredSession
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runDir := filepath.Join(h.Profile.RunRoot, e.Name())
		status := lastAttemptStatus(runDir)
		if status == "" || statechart.Terminal(statechart.State(status)) {
			continue
		}
		runID := e.Name()
		var event statechart.Event
		if status == string(statechart.WaitingUser) {
			hasPending := false
			if store != nil {
				if pending, err := store.GetPendingInteraction(ctx, runID); err == nil && pending != nil {
					hasPending = true
				}
			}
			event = statechart.WaitingRecoveryEvent(hasPending, handleByRun[runID])
		} else {
			event = statechart.RestartReconcileFailed
		}
		t, err := chart.Dispatch(statechart.State(status), event)
		if err != nil {
			continue
		}
		out = append(out, RecoveredSession{RunID: runID, Status: status, Event: event, Result: t.Target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// lastAttemptStatus reads the status of the highest finalized attempt.
func lastAttemptStatus(runDir string) string {
	paths, err := audit.ResolveNextAttemptPaths(runDir)
	if err != nil || paths.Attempt <= 1 {
		return ""
	}
	last := audit.AttemptPathsFor(runDir, paths.Attempt-1)
	b, err := os.ReadFile(last.Meta)
	if err != nil {
		return ""
	}
	var meta struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return ""
	}
	return meta.Status
}

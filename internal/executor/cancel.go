package executor

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
)

// cancelRegistry tracks the live child of each run so external callers can
// terminate an attempt by run id.
type cancelRegistry struct {
	mu   sync.Mutex
	live map[string]*exec.Cmd
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{live: map[string]*exec.Cmd{}}
}

func (r *cancelRegistry) register(runID string, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[runID] = cmd
}

func (r *cancelRegistry) deregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, runID)
}

func (r *cancelRegistry) cancel(runID string) error {
	r.mu.Lock()
	cmd := r.live[runID]
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("no live attempt for run %s", runID)
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// CancelRunProcess terminates the process group of the run's live attempt.
func (e *Executor) CancelRunProcess(runID string) error {
	return e.cancels.cancel(runID)
}

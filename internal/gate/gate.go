// Package gate enforces the single-active-interactive-session invariant: at
// most one auth flow, TUI, or run may hold the process at any instant.
package gate

import (
	"fmt"
	"sync"

	"github.com/skillrunner/agent-harness/internal/errs"
)

// Scope names the kind of interactive holder.
type Scope string

const (
	ScopeAuthFlow Scope = "auth_flow"
	ScopeUITUI    Scope = "ui_tui"
	ScopeRun      Scope = "run"
)

// BusyError reports an acquire attempt while another session holds the gate.
type BusyError struct {
	ActiveScope     Scope
	ActiveSessionID string
	ActiveEngine    string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("another interactive session is active (scope=%s session=%s engine=%s)",
		e.ActiveScope, e.ActiveSessionID, e.ActiveEngine)
}

// HarnessError renders the busy condition as a structured harness error.
func (e *BusyError) HarnessError() *errs.Error {
	return errs.New(errs.CodeInteractionBusy, "%s", e.Error()).WithDetails(map[string]any{
		"active_scope":      string(e.ActiveScope),
		"active_session_id": e.ActiveSessionID,
		"active_engine":     e.ActiveEngine,
	})
}

type holder struct {
	scope     Scope
	sessionID string
	engine    string
}

// Gate is the process-wide interaction mutex.
type Gate struct {
	mu     sync.Mutex
	active *holder
}

// New builds an idle gate.
func New() *Gate { return &Gate{} }

// Acquire records the caller as the active interactive holder, or fails with
// *BusyError when another holder exists.
func (g *Gate) Acquire(scope Scope, sessionID, engine string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil {
		return &BusyError{
			ActiveScope:     g.active.scope,
			ActiveSessionID: g.active.sessionID,
			ActiveEngine:    g.active.engine,
		}
	}
	g.active = &holder{scope: scope, sessionID: sessionID, engine: engine}
	return nil
}

// Release clears the holder when the scope and session id match the active
// one. Mismatched releases are ignored so teardown paths can release
// unconditionally.
func (g *Gate) Release(scope Scope, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil && g.active.scope == scope && g.active.sessionID == sessionID {
		g.active = nil
	}
}

// Active returns the active holder's scope and session id, or ("", "") when
// the gate is idle.
func (g *Gate) Active() (Scope, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return "", ""
	}
	return g.active.scope, g.active.sessionID
}

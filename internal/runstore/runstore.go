// Package runstore declares the read-only contract to the external run
// persistence layer. The harness core never writes through this interface;
// it only consumes interaction history and pending-interaction rows when
// materializing conversation events.
package runstore

import "context"

// PendingInteraction is an unresolved user-input request on a run.
type PendingInteraction struct {
	InteractionID int    `json:"interaction_id"`
	Kind          string `json:"kind"`
	Prompt        string `json:"prompt"`
}

// Resolution modes for interaction history rows.
const (
	ResolutionUserReply   = "user_reply"
	ResolutionAutoTimeout = "auto_timeout"
)

// InteractionHistoryEntry is one resolved interaction on a run.
type InteractionHistoryEntry struct {
	Type           string `json:"type"`
	InteractionID  int    `json:"interaction_id"`
	ResolutionMode string `json:"resolution_mode"`
	Message        string `json:"message,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// OrchestratorEvent is an out-of-band lifecycle event recorded by the
// orchestrator while an attempt ran.
type OrchestratorEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// RunRequest is the stored request that created a run.
type RunRequest struct {
	RunID           string   `json:"run_id"`
	Engine          string   `json:"engine"`
	PassthroughArgs []string `json:"passthrough_args"`
	TranslateLevel  int      `json:"translate_level"`
	ExecutionMode   string   `json:"execution_mode"`
}

// Store is the read-only view of the external run_store.
type Store interface {
	GetRequest(ctx context.Context, runID string) (*RunRequest, error)
	ListInteractionHistory(ctx context.Context, runID string) ([]InteractionHistoryEntry, error)
	GetPendingInteraction(ctx context.Context, runID string) (*PendingInteraction, error)
	GetEffectiveSessionTimeout(ctx context.Context, runID string) (int, error)
}

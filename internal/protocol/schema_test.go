package protocol

import (
	"testing"

	"github.com/skillrunner/agent-harness/internal/errs"
	"github.com/skillrunner/agent-harness/internal/runstore"
)

func TestValidateRASPEnvelope(t *testing.T) {
	ev := RASPEvent{
		ProtocolVersion: RASPVersion,
		RunID:           "20260101T000000-codex-deadbeef",
		Seq:             1,
		TS:              "2026-01-02T03:04:05Z",
		Source:          Source{Engine: "codex", Parser: "codex_ndjson", Confidence: 0.95},
		Event:           EventKind{Category: "lifecycle", Type: "lifecycle.run.status"},
		Data:            map[string]any{"status": "running"},
		AttemptNumber:   1,
	}
	if err := ValidateAgainst(DefRASPEventEnvelope, ev); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}

func TestValidateRejectsMalformedEnvelope(t *testing.T) {
	bad := map[string]any{"protocol_version": "rasp/1.0"}
	err := ValidateAgainst(DefRASPEventEnvelope, bad)
	if err == nil {
		t.Fatal("malformed envelope accepted")
	}
	if errs.CodeOf(err) != errs.CodeProtocolSchemaViolation {
		t.Fatalf("error code = %q, want schema violation", errs.CodeOf(err))
	}
}

func TestValidatePendingInteraction(t *testing.T) {
	good := runstore.PendingInteraction{InteractionID: 1, Kind: "free_text", Prompt: "next?"}
	if err := ValidateAgainst(DefPendingInteraction, good); err != nil {
		t.Fatalf("valid pending interaction rejected: %v", err)
	}
	if err := ValidateAgainst(DefPendingInteraction, map[string]any{"kind": 7}); err == nil {
		t.Fatal("malformed pending interaction accepted")
	}
}

func TestValidateInteractionHistoryEntry(t *testing.T) {
	good := runstore.InteractionHistoryEntry{
		Type:           "reply",
		InteractionID:  1,
		ResolutionMode: runstore.ResolutionUserReply,
		Message:        "carry on",
	}
	if err := ValidateAgainst(DefInteractionHistoryEntry, good); err != nil {
		t.Fatalf("valid history entry rejected: %v", err)
	}
}

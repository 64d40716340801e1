// Package protocol materializes the two canonical event streams of an
// attempt: RASP (raw agent stream protocol, the system of record for raw
// interpretation) and FCMP (the fine-grained conversation message protocol
// presented to observers). Every emitted row is validated against the
// embedded runtime contract schema before it is persisted.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skillrunner/agent-harness/assets"
	"github.com/skillrunner/agent-harness/internal/errs"
)

const schemaURL = "harness:///runtime_contract.schema.json"

// Schema definition names under $defs.
const (
	DefRASPEventEnvelope        = "rasp_event_envelope"
	DefFCMPEventEnvelope        = "fcmp_event_envelope"
	DefOrchestratorEvent        = "orchestrator_event"
	DefPendingInteraction       = "pending_interaction"
	DefInteractionHistoryEntry  = "interaction_history_entry"
	DefInteractiveResumeCommand = "interactive_resume_command"
)

var (
	schemaMu   sync.Mutex
	validators = map[string]*jsonschema.Schema{}
)

func validatorFor(def string) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := validators[def]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(assets.RuntimeContractSchema)); err != nil {
		return nil, fmt.Errorf("load runtime contract schema: %w", err)
	}
	s, err := compiler.Compile(schemaURL + "#/$defs/" + def)
	if err != nil {
		return nil, fmt.Errorf("compile schema def %s: %w", def, err)
	}
	validators[def] = s
	return s, nil
}

// ValidateAgainst checks doc against a named $def. doc may be any
// JSON-marshalable value; it is round-tripped so struct tags apply.
// Violations are fatal protocol errors, never silent drops.
func ValidateAgainst(def string, doc any) error {
	s, err := validatorFor(def)
	if err != nil {
		return errs.Wrap(errs.CodeProtocolSchemaViolation, err, "schema %s unavailable", def)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return errs.Wrap(errs.CodeProtocolSchemaViolation, err, "marshal for %s validation", def)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errs.Wrap(errs.CodeProtocolSchemaViolation, err, "decode for %s validation", def)
	}
	if err := s.Validate(generic); err != nil {
		return errs.Wrap(errs.CodeProtocolSchemaViolation, err, "event violates %s", def)
	}
	return nil
}

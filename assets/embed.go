// Package assets embeds the protocol schema shipped with the binary.
package assets

import _ "embed"

// RuntimeContractSchema is the single source of truth for RASP/FCMP event
// envelopes and the collaborator payload shapes.
//
//go:embed schemas/protocol/runtime_contract.schema.json
var RuntimeContractSchema []byte

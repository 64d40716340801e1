// Package skillpatch is the completion-contract patcher consumed by skill
// injection. The harness treats it as an external collaborator: one marker
// string and one markdown generator.
package skillpatch

// DoneMarker is the literal the agent must print to signal task completion.
const DoneMarker = "__SKILL_DONE__"

// ContractMarker guards idempotent appends: a SKILL.md containing it already
// carries the completion contract.
const ContractMarker = "<!-- skill-runner:completion-contract -->"

// GenerateCompletionContractPatch returns the markdown block appended once to
// every injected SKILL.md.
func GenerateCompletionContractPatch() string {
	return "\n" + ContractMarker + "\n\n" +
		"## Completion contract\n\n" +
		"When the task described above is fully complete, print the exact line\n\n" +
		"```\n" + DoneMarker + "\n```\n\n" +
		"on its own line as the final output. Do not print it before the task\n" +
		"is complete. If you need further input from the user, stop without\n" +
		"printing the marker and describe what you need.\n"
}

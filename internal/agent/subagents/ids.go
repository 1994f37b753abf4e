package subagents

import "github.com/google/uuid"

// NewRunID generates a run identifier for callers that don't already have
// one to correlate against (e.g. a CLI-driven spawn rather than one carrying
// an id from an upstream task system).
func NewRunID() string {
	return "run-" + uuid.NewString()
}

package subagents

import (
	"context"
	"time"
)

// Gateway is the single RPC surface the engine consumes to start, query and
// wait on agent runs (spec.md §6). The engine treats it as a black box.
type Gateway interface {
	// Start asks the gateway to begin a run for childSessionKey with the
	// given prompt, addressed by runID. Per spec.md §6 ("agent.start"),
	// success/failure is signalled solely by a non-nil error.
	Start(ctx context.Context, childSessionKey, prompt, runID string) error

	// Query sends a one-off prompt to an already-running (or still
	// reachable) child session and returns its reply. Used by the
	// built-in agent-backed verification (§4.7).
	Query(ctx context.Context, childSessionKey, prompt string) (reply string, err error)

	// Wait blocks (cooperatively, respecting ctx) until the gateway reports
	// the run as terminal, or ctx/timeout expires. This is the Wait
	// Prober's RPC (§4.4).
	Wait(ctx context.Context, runID string, timeout time.Duration) (WaitResult, error)

	// DeleteSession issues a best-effort session teardown. Used by cleanup
	// (when CleanupDelete applies) and by the sweeper.
	DeleteSession(ctx context.Context, childSessionKey string, deleteTranscript bool) error
}

// WaitResult is the result of an agent.wait RPC.
type WaitResult struct {
	Status    string // "ok", "error", or any other value the gateway returns
	StartedAt *int64
	EndedAt   *int64
	Error     string
}

// EventBus is the subscription surface for the agent-event bus (spec.md §6).
// Events whose Stream is set to anything other than "lifecycle" are ignored;
// an empty Stream is treated as lifecycle. See listener.go.
type EventBus interface {
	// Subscribe arms a handler for lifecycle events targeting runID. The
	// returned cancel function unsubscribes.
	Subscribe(runID string, handler func(LifecycleEvent)) (cancel func())
}

// LifecyclePhase is the phase carried by a lifecycle event.
type LifecyclePhase string

const (
	PhaseStart LifecyclePhase = "start"
	PhaseEnd   LifecyclePhase = "end"
	PhaseError LifecyclePhase = "error"
)

// LifecycleEvent is a single `lifecycle`-stream event for a known runID.
type LifecycleEvent struct {
	Stream    string
	RunID     string
	Phase     LifecyclePhase
	StartedAt *int64
	EndedAt   *int64
	Error     string
}

// AnnouncePayload is the full run summary delivered to the requester session
// on cleanup (spec.md §4.8).
type AnnouncePayload struct {
	RunID                string
	ChildSessionKey      string
	RequesterSessionKey  string
	RequesterOrigin      DeliveryContext
	RequesterDisplayKey  string
	Task                 string
	Label                string
	CreatedAt            int64
	StartedAt            *int64
	EndedAt              *int64
	Outcome              Outcome
	RetryCount           int
	VerificationResult   *VerificationVerdict
}

// Announcer delivers a run summary back to the requester session and
// reports whether delivery succeeded.
type Announcer interface {
	Announce(ctx context.Context, payload AnnouncePayload) (bool, error)
}

// AnnouncerFunc adapts a plain function to the Announcer interface.
type AnnouncerFunc func(ctx context.Context, payload AnnouncePayload) (bool, error)

func (f AnnouncerFunc) Announce(ctx context.Context, payload AnnouncePayload) (bool, error) {
	return f(ctx, payload)
}

// VerificationHookFunc is the capability signature for a registered
// verification hook (spec.md §9 Design Notes: explicit named registry, no
// reflection-based late binding). record is a detached clone (see
// RunRecord.clone) the hook may read freely; it is never the live record, so
// taking it by value would copy RunRecord's embedded mutex — pass the clone
// by pointer instead.
type VerificationHookFunc func(ctx context.Context, runID, task string, outcome Outcome, record *RunRecord) (passed bool, reason string, err error)

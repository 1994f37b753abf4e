package subagents

import (
	"context"
	"fmt"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var registryLog = logging.Tagged("subagents.registry")

// RegisterParams carries the parameters for registering a new run
// (spec.md §4.1).
type RegisterParams struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     DeliveryContext
	RequesterDisplayKey string
	Task                string
	Label               string
	Cleanup             CleanupPolicy

	// Override is the per-call orchestration policy override; nil means
	// "use the process configuration / hard defaults".
	Override *OrchestrationOverride

	// ArchiveAfterMinutes overrides the process default for this run.
	// nil falls through to EngineConfig.ArchiveAfterMinutes.
	ArchiveAfterMinutes *int
}

// Register creates a new RunRecord, persists it, and arms both the
// lifecycle listener and the wait prober for it (spec.md §4.1).
func (e *Engine) Register(ctx context.Context, p RegisterParams) error {
	if p.RunID == "" {
		return fmt.Errorf("subagents: RunID is required")
	}
	if p.Cleanup == "" {
		p.Cleanup = CleanupKeep
	}

	cfg := overlay(p.Override, &e.config.Orchestration)

	archiveMinutes := e.config.ArchiveAfterMinutes
	if p.ArchiveAfterMinutes != nil {
		archiveMinutes = *p.ArchiveAfterMinutes
	}

	var archiveAt *int64
	if archiveMinutes > 0 {
		at := nowMs(e.now) + int64(archiveMinutes)*60*1000
		archiveAt = &at
	}

	rec := &RunRecord{
		RunID:               p.RunID,
		ChildSessionKey:     p.ChildSessionKey,
		RequesterSessionKey: p.RequesterSessionKey,
		RequesterOrigin:     p.RequesterOrigin,
		RequesterDisplayKey: p.RequesterDisplayKey,
		Task:                p.Task,
		Label:               p.Label,
		Cleanup:             p.Cleanup,
		CreatedAt:           nowMs(e.now),
		ArchiveAtMs:         archiveAt,
		CleanupHandled:      false,
		RetryCount:          0,
		MaxRetries:          cfg.MaxRetries,
		OrchestrationConfig: cfg,
	}

	e.mu.Lock()
	e.records[p.RunID] = rec
	e.mu.Unlock()

	e.persist()

	e.armListener(p.RunID)
	e.armProber(p.RunID, cfg.VerificationTimeoutSeconds)

	if archiveAt != nil {
		e.ensureSweeper()
	}

	registryLog.Infof("registered run %s (cleanup=%s maxRetries=%d)", p.RunID, p.Cleanup, cfg.MaxRetries)
	return nil
}

// Release removes a record unconditionally. For test/admin use.
func (e *Engine) Release(runID string) bool {
	e.mu.Lock()
	_, ok := e.records[runID]
	if ok {
		delete(e.records, runID)
	}
	e.mu.Unlock()

	if ok {
		e.cancelSubscription(runID)
		e.cancelProber(runID)
		e.persist()
	}
	return ok
}

// ListForRequester returns a snapshot of all records whose
// RequesterSessionKey matches the given key.
func (e *Engine) ListForRequester(requesterSessionKey string) []*RunRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*RunRecord
	for _, rec := range e.records {
		if rec.RequesterSessionKey == requesterSessionKey {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Stats summarises the registry by lifecycle/outcome state — a
// supplemental accessor (SPEC_FULL.md §11) for host status surfaces that
// should not see the live record map.
type Stats struct {
	Total        int
	Running      int // no endedAt yet
	Succeeded    int
	Failed       int
	Retrying     int // nextRetryAt set, not yet resolved
	CleanupDone  int
}

// Stats returns aggregate counts across all registered runs.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s Stats
	for _, rec := range e.records {
		rec.mu.Lock()
		s.Total++
		switch {
		case rec.CleanupCompletedAt != nil:
			s.CleanupDone++
		case rec.NextRetryAt != nil:
			s.Retrying++
		case rec.EndedAt == nil:
			s.Running++
		case rec.Outcome != nil && rec.Outcome.Status == OutcomeOK:
			s.Succeeded++
		case rec.Outcome != nil && rec.Outcome.Status == OutcomeError:
			s.Failed++
		}
		rec.mu.Unlock()
	}
	return s
}

// RegisterHook adds a named verification hook to the process-global
// registry (spec.md §4.7, §9 Design Notes).
func (e *Engine) RegisterHook(name string, fn VerificationHookFunc) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks[name] = fn
}

// UnregisterHook removes a named verification hook.
func (e *Engine) UnregisterHook(name string) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	delete(e.hooks, name)
}

func (e *Engine) lookupHook(name string) (VerificationHookFunc, bool) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	fn, ok := e.hooks[name]
	return fn, ok
}

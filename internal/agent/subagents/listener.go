package subagents

import (
	"context"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var listenerLog = logging.Tagged("subagents.listener")

// armListener subscribes a handler for lifecycle events targeting runID.
// Events for a record whose cleanup has completed are ignored, so a late
// terminal event cannot resurrect it (spec.md §4.3, §3 invariant 6).
func (e *Engine) armListener(runID string) {
	if e.bus == nil {
		return
	}
	cancel := e.bus.Subscribe(runID, func(evt LifecycleEvent) {
		defer func() {
			if r := recover(); r != nil {
				listenerLog.Warnf("recovered panic handling event for %s: %v", runID, r)
			}
		}()
		if evt.Stream != "" && evt.Stream != "lifecycle" {
			return
		}
		e.handleLifecycleEvent(evt)
	})
	e.subsMu.Lock()
	e.subs[runID] = cancel
	e.subsMu.Unlock()
}

func (e *Engine) cancelSubscription(runID string) {
	e.subsMu.Lock()
	cancel, ok := e.subs[runID]
	if ok {
		delete(e.subs, runID)
	}
	e.subsMu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
}

func (e *Engine) handleLifecycleEvent(evt LifecycleEvent) {
	rec, ok := e.getRecord(evt.RunID)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.CleanupCompletedAt != nil {
		// Invariant 6: a record with cleanupCompletedAt ignores further
		// lifecycle events.
		rec.mu.Unlock()
		return
	}

	switch evt.Phase {
	case PhaseStart:
		if evt.StartedAt != nil {
			rec.StartedAt = evt.StartedAt
		}
		rec.mu.Unlock()
		e.persist()
		return
	case PhaseEnd, PhaseError:
		endedAt := evt.EndedAt
		if endedAt == nil {
			v := nowMs(e.now)
			endedAt = &v
		}
		rec.EndedAt = endedAt
		if evt.Phase == PhaseError || evt.Error != "" {
			rec.Outcome = &Outcome{Status: OutcomeError, Error: evt.Error}
		} else {
			rec.Outcome = &Outcome{Status: OutcomeOK}
		}
		status := rec.Outcome.Status
		rec.mu.Unlock()

		listenerLog.Infof("run %s terminal via listener: status=%s", evt.RunID, status)
		e.persist()
		e.evaluatePostCompletion(context.Background(), evt.RunID)
		return
	default:
		rec.mu.Unlock()
		return
	}
}

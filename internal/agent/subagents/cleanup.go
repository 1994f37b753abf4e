package subagents

import (
	"context"
	"time"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var cleanupLog = logging.Tagged("subagents.cleanup")

const announceTimeout = 30 * time.Second

// beginCleanup is the single entry point into the cleanup/announce flow
// (spec.md §4.8). cleanupHandled is claimed atomically under the record
// lock so the listener, prober, and verification paths racing to finish the
// same run can only trigger cleanup once.
func (e *Engine) beginCleanup(runID string) {
	rec, ok := e.getRecord(runID)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.CleanupCompletedAt != nil || rec.CleanupHandled {
		rec.mu.Unlock()
		return
	}
	rec.CleanupHandled = true
	rec.mu.Unlock()
	e.persist()

	e.cancelSubscription(runID)
	e.cancelProber(runID)

	go e.runCleanup(runID)
}

func (e *Engine) runCleanup(runID string) {
	defer func() {
		if r := recover(); r != nil {
			cleanupLog.Warnf("recovered panic cleaning up %s: %v", runID, r)
		}
	}()

	rec, ok := e.getRecord(runID)
	if !ok {
		return
	}

	snapshot := rec.clone()
	payload := AnnouncePayload{
		RunID:               snapshot.RunID,
		ChildSessionKey:      snapshot.ChildSessionKey,
		RequesterSessionKey:  snapshot.RequesterSessionKey,
		RequesterOrigin:      snapshot.RequesterOrigin,
		RequesterDisplayKey:  snapshot.RequesterDisplayKey,
		Task:                 snapshot.Task,
		Label:                snapshot.Label,
		CreatedAt:            snapshot.CreatedAt,
		StartedAt:            snapshot.StartedAt,
		EndedAt:              snapshot.EndedAt,
		RetryCount:           snapshot.RetryCount,
		VerificationResult:   snapshot.VerificationResult,
	}
	if snapshot.Outcome != nil {
		payload.Outcome = *snapshot.Outcome
	}

	delivered := false
	if e.announcer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		ok, err := e.announcer.Announce(ctx, payload)
		cancel()
		if err != nil {
			cleanupLog.Warnf("announce failed for %s: %v", runID, err)
		}
		delivered = ok && err == nil
	} else {
		delivered = true
	}

	if !delivered {
		rec, ok := e.getRecord(runID)
		if ok {
			rec.mu.Lock()
			rec.CleanupHandled = false
			rec.mu.Unlock()
			e.persist()
		}
		return
	}

	if snapshot.Cleanup == CleanupDelete {
		if e.gateway != nil {
			ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
			if err := e.gateway.DeleteSession(ctx, snapshot.ChildSessionKey, true); err != nil {
				cleanupLog.Warnf("delete session failed for %s: %v", runID, err)
			}
			cancel()
		}
		e.mu.Lock()
		delete(e.records, runID)
		e.mu.Unlock()
		e.persist()
		cleanupLog.Infof("run %s cleaned up and deleted", runID)
		return
	}

	rec, ok = e.getRecord(runID)
	if ok {
		rec.mu.Lock()
		rec.CleanupCompletedAt = ptr(nowMs(e.now))
		rec.mu.Unlock()
		e.persist()
	}
	cleanupLog.Infof("run %s cleaned up, record kept", runID)
}

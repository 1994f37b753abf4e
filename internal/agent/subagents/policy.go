package subagents

import (
	"context"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var policyLog = logging.Tagged("subagents.policy")

// evaluatePostCompletion is the single funnel both the listener and the
// prober call once a run goes terminal (spec.md §4.5). It decides between
// three mutually exclusive paths: retry, verification, or cleanup. The
// pendingRetries/pendingVerifications guards make the funnel idempotent
// when the listener and prober race to report the same terminal event.
func (e *Engine) evaluatePostCompletion(ctx context.Context, runID string) {
	rec, ok := e.getRecord(runID)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.CleanupCompletedAt != nil {
		rec.mu.Unlock()
		return
	}
	if rec.Outcome == nil {
		// Not actually terminal yet (shouldn't happen on this funnel, but
		// guard against a stray call).
		rec.mu.Unlock()
		return
	}
	outcome := *rec.Outcome
	cfg := rec.OrchestrationConfig
	retryCount := rec.RetryCount
	alreadyVerified := rec.VerificationAttempted
	rec.mu.Unlock()

	shouldRetry := cfg.RetryOnFailure && outcome.Status == OutcomeError && retryCount < cfg.MaxRetries
	if shouldRetry {
		if !e.claimPending(e.pendingRetries, runID) {
			return
		}
		policyLog.Infof("run %s scheduling retry %d/%d", runID, retryCount+1, cfg.MaxRetries)
		go e.scheduleRetry(runID)
		return
	}

	if outcome.Status == OutcomeOK && cfg.VerifyCompletion && !alreadyVerified {
		if !e.claimPending(e.pendingVerifications, runID) {
			return
		}
		policyLog.Infof("run %s entering verification", runID)
		go e.runVerification(ctx, runID)
		return
	}

	e.beginCleanup(runID)
}

// claimPending does a test-and-insert against a pending-work set, returning
// false if runID is already claimed (another goroutine is already handling
// this phase for this run).
func (e *Engine) claimPending(set map[string]bool, runID string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if set[runID] {
		return false
	}
	set[runID] = true
	return true
}

func (e *Engine) releasePending(set map[string]bool, runID string) {
	e.pendingMu.Lock()
	delete(set, runID)
	e.pendingMu.Unlock()
}

package subagents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var verifyLog = logging.Tagged("subagents.verify")

type verificationOutcome struct {
	verdict VerificationVerdict
	reason  string
}

// runVerification resolves the run's verification step, in order of
// precedence (spec.md §4.7): a named hook, an agent-backed prompt, or a
// pass-by-default. It always releases the pendingVerifications claim and
// records VerificationAttempted/VerificationResult before handing off to
// cleanup or back to evaluatePostCompletion on a verification-triggered
// retry.
func (e *Engine) runVerification(ctx context.Context, runID string) {
	defer e.releasePending(e.pendingVerifications, runID)
	defer func() {
		if r := recover(); r != nil {
			verifyLog.Warnf("recovered panic verifying %s: %v", runID, r)
		}
	}()

	rec, ok := e.getRecord(runID)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.CleanupCompletedAt != nil {
		rec.mu.Unlock()
		return
	}
	cfg := rec.OrchestrationConfig
	task := rec.Task
	childSessionKey := rec.ChildSessionKey
	var outcome Outcome
	if rec.Outcome != nil {
		outcome = *rec.Outcome
	}
	rec.mu.Unlock()
	recordCopy := rec.clone()

	result := e.resolveVerification(ctx, runID, cfg, task, childSessionKey, outcome, recordCopy)

	rec, ok = e.getRecord(runID)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.VerificationAttempted = true
	verdict := result.verdict
	rec.VerificationResult = &verdict
	retriggerRetry := false
	if result.verdict == VerificationFailed {
		rec.Outcome = &Outcome{Status: OutcomeError, Error: "Verification failed: " + result.reason}
		// verificationAttempted/verificationResult stay set: verification
		// is a one-shot gate per run lifetime and must not re-run once the
		// retry it triggers completes (spec.md §4.6 step 5, §4.7).
		if cfg.RetryOnVerificationFailure && rec.RetryCount < cfg.MaxRetries {
			retriggerRetry = true
		}
	}
	rec.mu.Unlock()
	e.persist()

	verifyLog.Infof("run %s verification verdict=%s reason=%q", runID, result.verdict, result.reason)

	if retriggerRetry {
		e.evaluatePostCompletion(ctx, runID)
		return
	}
	e.beginCleanup(runID)
}

func (e *Engine) resolveVerification(ctx context.Context, runID string, cfg OrchestrationConfig, task, childSessionKey string, outcome Outcome, record *RunRecord) verificationOutcome {
	if cfg.VerificationHook != "" {
		hook, found := e.lookupHook(cfg.VerificationHook)
		if !found {
			verifyLog.Warnf("run %s references unknown verification hook %q, skipping", runID, cfg.VerificationHook)
			return verificationOutcome{verdict: VerificationSkipped}
		}
		return e.runHookWithTimeout(ctx, hook, runID, task, outcome, record, cfg.VerificationTimeoutSeconds)
	}

	if outcome.Status == OutcomeError {
		return verificationOutcome{verdict: VerificationFailed, reason: outcome.Error}
	}

	if strings.TrimSpace(cfg.VerificationPrompt) != "" {
		return e.runAgentVerification(ctx, childSessionKey, cfg.VerificationPrompt, task, cfg.VerificationTimeoutSeconds)
	}

	return verificationOutcome{verdict: VerificationPassed}
}

// runHookWithTimeout races a registered verification hook against its
// configured timeout, the same select-over-channel-vs-deadline shape as
// Orchestrator.waitForAgent.
func (e *Engine) runHookWithTimeout(ctx context.Context, hook VerificationHookFunc, runID, task string, outcome Outcome, record *RunRecord, timeoutSeconds int) verificationOutcome {
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		passed bool
		reason string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("hook panic: %v", r)}
			}
		}()
		passed, reason, err := hook(hookCtx, runID, task, outcome, record)
		done <- result{passed: passed, reason: reason, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return verificationOutcome{verdict: VerificationFailed, reason: res.err.Error()}
		}
		if res.passed {
			return verificationOutcome{verdict: VerificationPassed, reason: res.reason}
		}
		return verificationOutcome{verdict: VerificationFailed, reason: res.reason}
	case <-hookCtx.Done():
		return verificationOutcome{verdict: VerificationFailed, reason: "verification hook timed out"}
	}
}

// runAgentVerification sends the configured verification prompt to the
// child session and classifies the reply (spec.md §4.7): a reply starting
// with "yes" or containing "completed successfully" passes; one starting
// with "no" or containing "failed"/"incomplete" fails; anything else passes
// with an "unclear response" reason.
func (e *Engine) runAgentVerification(ctx context.Context, childSessionKey, prompt, task string, timeoutSeconds int) verificationOutcome {
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullPrompt := prompt + "\n\nOriginal task:\n```\n" + task + "\n```\n\nHas this task been completed successfully? Respond with yes or no and a brief explanation."
	reply, err := e.gateway.Query(queryCtx, childSessionKey, fullPrompt)
	if err != nil {
		return verificationOutcome{verdict: VerificationFailed, reason: fmt.Sprintf("verification query failed: %v", err)}
	}

	trimmed := strings.TrimSpace(reply)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "yes") || strings.Contains(lower, "completed successfully"):
		return verificationOutcome{verdict: VerificationPassed, reason: trimmed}
	case strings.HasPrefix(lower, "no") || strings.Contains(lower, "failed") || strings.Contains(lower, "incomplete"):
		return verificationOutcome{verdict: VerificationFailed, reason: truncate(trimmed, 200)}
	default:
		return verificationOutcome{verdict: VerificationPassed, reason: "unclear response"}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package subagents

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var retryLog = logging.Tagged("subagents.retry")

const retryStartTimeout = 30 * time.Second

// computeBackoffMs implements the delay formula from spec.md §4.6:
// min(initialDelayMs * backoffMultiplier^retryCount, maxDelayMs), where
// retryCount is the number of retries already completed (pre-increment).
// A MaxDelayMs of 0 or less means the delay is not capped.
func computeBackoffMs(cfg OrchestrationConfig, retryCount int) int64 {
	delay := float64(cfg.InitialDelayMs) * math.Pow(cfg.BackoffMultiplier, float64(retryCount))
	if max := float64(cfg.MaxDelayMs); cfg.MaxDelayMs > 0 && delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return int64(delay)
}

// buildRetryPrompt renders the exact retry envelope a retried run is started
// with (spec.md §4.6): an attempt header, the previous error (or a fallback
// string), a fixed directive, and the original task fenced back in.
func buildRetryPrompt(attempt, maxRetries int, previousError, task string) string {
	if strings.TrimSpace(previousError) == "" {
		previousError = "Unknown error"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[RETRY ATTEMPT %d/%d]\n\n", attempt, maxRetries)
	b.WriteString("The previous attempt failed with the following error:\n\n")
	b.WriteString("```\n")
	b.WriteString(previousError)
	b.WriteString("\n```\n\n")
	b.WriteString("Please address this error and complete the original task below.\n\n")
	b.WriteString("```\n")
	b.WriteString(task)
	b.WriteString("\n```\n")
	return b.String()
}

// scheduleRetry waits out the backoff delay, then re-launches the run with a
// rewritten prompt. It is launched as its own goroutine by evaluatePostCompletion
// and always releases the pendingRetries claim on exit (spec.md §4.6).
func (e *Engine) scheduleRetry(runID string) {
	defer e.releasePending(e.pendingRetries, runID)
	defer func() {
		if r := recover(); r != nil {
			retryLog.Warnf("recovered panic scheduling retry for %s: %v", runID, r)
		}
	}()

	rec, ok := e.getRecord(runID)
	if !ok {
		return
	}

	rec.mu.Lock()
	cfg := rec.OrchestrationConfig
	attempt := rec.RetryCount + 1
	var previousError string
	if rec.Outcome != nil {
		previousError = rec.Outcome.Error
	}
	task := rec.Task
	childSessionKey := rec.ChildSessionKey
	nextAt := nowMs(e.now) + computeBackoffMs(cfg, rec.RetryCount)
	rec.RetryCount = attempt
	rec.NextRetryAt = &nextAt
	rec.mu.Unlock()
	e.persist()

	delay := time.Duration(nextAt-nowMs(e.now)) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	select {
	case <-time.After(delay):
	case <-e.shutdownCh:
		return
	}

	rec, ok = e.getRecord(runID)
	if !ok {
		return
	}
	rec.mu.Lock()
	if rec.CleanupCompletedAt != nil {
		rec.mu.Unlock()
		return
	}
	rec.StartedAt = ptr(nowMs(e.now))
	rec.EndedAt = nil
	rec.Outcome = nil
	rec.NextRetryAt = nil
	rec.CleanupHandled = false
	rec.IsRetry = true
	// verificationAttempted/verificationResult are deliberately left as-is:
	// verification is a one-shot gate per run lifetime, not re-entered on
	// a retried attempt (spec.md §4.6 step 5 lists exactly which fields
	// reset, and these aren't among them).
	rec.mu.Unlock()
	e.persist()

	prompt := buildRetryPrompt(attempt, cfg.MaxRetries, previousError, task)
	retryRunID := fmt.Sprintf("%s-retry-%d", runID, attempt)

	startCtx, cancel := context.WithTimeout(context.Background(), retryStartTimeout)
	defer cancel()
	if err := e.gateway.Start(startCtx, childSessionKey, prompt, retryRunID); err != nil {
		retryLog.Warnf("retry start failed for %s: %v", runID, err)
		rec, ok := e.getRecord(runID)
		if ok {
			rec.mu.Lock()
			rec.EndedAt = ptr(nowMs(e.now))
			rec.Outcome = &Outcome{Status: OutcomeError, Error: err.Error()}
			rec.mu.Unlock()
			e.persist()
			e.evaluatePostCompletion(context.Background(), runID)
		}
		return
	}

	retryLog.Infof("run %s started retry attempt %d/%d as %s", runID, attempt, cfg.MaxRetries, retryRunID)
	e.armProber(runID, cfg.VerificationTimeoutSeconds)
}

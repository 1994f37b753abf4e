package subagents

import (
	"context"
	"time"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var proberLog = logging.Tagged("subagents.prober")

// defaultProbeTimeout is used when the run's policy carries no positive
// verificationTimeoutSeconds to derive a wait deadline from. A positive
// value is used whether or not verifyCompletion is enabled.
const defaultProbeTimeout = 10 * time.Minute

// armProber launches a cooperative task that issues one agent.wait RPC to
// cover processes that never receive the in-process lifecycle event
// (spec.md §4.4). The outer deadline is timeout+10s to survive jitter
// (spec.md §5).
func (e *Engine) armProber(runID string, verificationTimeoutSeconds int) {
	if e.gateway == nil {
		return
	}

	timeout := defaultProbeTimeout
	if verificationTimeoutSeconds > 0 {
		timeout = time.Duration(verificationTimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.proberMu.Lock()
	if old, ok := e.probers[runID]; ok {
		old()
	}
	e.probers[runID] = cancel
	e.proberMu.Unlock()

	go e.runProber(ctx, runID, timeout)
}

func (e *Engine) cancelProber(runID string) {
	e.proberMu.Lock()
	cancel, ok := e.probers[runID]
	if ok {
		delete(e.probers, runID)
	}
	e.proberMu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
}

func (e *Engine) runProber(ctx context.Context, runID string, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			proberLog.Warnf("recovered panic in prober for %s: %v", runID, r)
		}
	}()
	defer e.cancelProber(runID)

	outer := timeout + 10*time.Second
	waitCtx, waitCancel := context.WithTimeout(ctx, outer)
	defer waitCancel()

	result, err := e.gateway.Wait(waitCtx, runID, timeout)
	if err != nil {
		proberLog.Warnf("agent.wait for %s failed: %v", runID, err)
		return
	}

	rec, ok := e.getRecord(runID)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.CleanupCompletedAt != nil || rec.CleanupHandled {
		// Another path has already begun/finished cleanup; do not reopen it.
		rec.mu.Unlock()
		return
	}

	switch result.Status {
	case "ok", "error":
		if result.StartedAt != nil {
			rec.StartedAt = result.StartedAt
		}
		endedAt := result.EndedAt
		if endedAt == nil {
			v := nowMs(e.now)
			endedAt = &v
		}
		rec.EndedAt = endedAt
		if result.Status == "error" {
			rec.Outcome = &Outcome{Status: OutcomeError, Error: result.Error}
		} else {
			rec.Outcome = &Outcome{Status: OutcomeOK}
		}
		rec.mu.Unlock()

		proberLog.Infof("run %s terminal via prober: status=%s", runID, result.Status)
		e.persist()
		e.evaluatePostCompletion(context.Background(), runID)
	default:
		rec.mu.Unlock()
	}
}

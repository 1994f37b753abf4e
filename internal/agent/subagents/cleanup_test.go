package subagents

import "testing"

func TestBeginCleanupIsIdempotent(t *testing.T) {
	e, _, _, ann := newTestEngine(t)
	e.Register(testCtx(t), RegisterParams{RunID: "run-1", ChildSessionKey: "child-1", Task: "x", Cleanup: CleanupKeep})
	setOutcome(e, "run-1", &Outcome{Status: OutcomeOK})

	e.beginCleanup("run-1")
	e.beginCleanup("run-1") // second call must be a no-op

	waitForCondition(t, func() bool {
		rec, ok := e.getRecord("run-1")
		return ok && rec.clone().CleanupCompletedAt != nil
	})

	if len(ann.announceCalls()) != 1 {
		t.Fatalf("expected exactly one announce call, got %d", len(ann.announceCalls()))
	}
}

func TestCleanupKeepPolicyRetainsRecord(t *testing.T) {
	e, gw, _, ann := newTestEngine(t)
	e.Register(testCtx(t), RegisterParams{RunID: "run-1", ChildSessionKey: "child-1", Task: "x", Cleanup: CleanupKeep})
	setOutcome(e, "run-1", &Outcome{Status: OutcomeOK})
	_ = ann

	e.beginCleanup("run-1")

	waitForCondition(t, func() bool {
		rec, ok := e.getRecord("run-1")
		return ok && rec.clone().CleanupCompletedAt != nil
	})

	if len(gw.deleteCalls()) != 0 {
		t.Fatalf("expected no DeleteSession call for keep policy, got %v", gw.deleteCalls())
	}
	if _, ok := e.getRecord("run-1"); !ok {
		t.Fatal("expected record to remain after cleanup with keep policy")
	}
}

func TestCleanupDeletePolicyRemovesRecordAndSession(t *testing.T) {
	e, gw, _, _ := newTestEngine(t)
	e.Register(testCtx(t), RegisterParams{RunID: "run-1", ChildSessionKey: "child-1", Task: "x", Cleanup: CleanupDelete})
	setOutcome(e, "run-1", &Outcome{Status: OutcomeOK})

	e.beginCleanup("run-1")

	waitForCondition(t, func() bool {
		_, ok := e.getRecord("run-1")
		return !ok
	})

	if len(gw.deleteCalls()) != 1 || gw.deleteCalls()[0] != "child-1" {
		t.Fatalf("expected DeleteSession(child-1), got %v", gw.deleteCalls())
	}
}

func TestCleanupRevertsCleanupHandledOnAnnounceFailure(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.announcer = newFakeAnnouncer(false, nil)
	e.Register(testCtx(t), RegisterParams{RunID: "run-1", ChildSessionKey: "child-1", Task: "x", Cleanup: CleanupKeep})
	setOutcome(e, "run-1", &Outcome{Status: OutcomeOK})

	e.beginCleanup("run-1")

	waitForCondition(t, func() bool {
		rec, ok := e.getRecord("run-1")
		if !ok {
			return false
		}
		cp := rec.clone()
		return cp.CleanupCompletedAt == nil && !cp.CleanupHandled
	})
}

package subagents

import "testing"

func TestRunSweepRemovesArchivedCompletedRecords(t *testing.T) {
	e, gw, _, _ := newTestEngine(t)
	e.Register(testCtx(t), RegisterParams{RunID: "run-1", ChildSessionKey: "child-1", Task: "x", Cleanup: CleanupKeep})

	rec, _ := e.getRecord("run-1")
	rec.mu.Lock()
	rec.CleanupCompletedAt = ptr(int64(1))
	rec.ArchiveAtMs = ptr(nowMs(e.now) - 1000) // already past due
	rec.mu.Unlock()

	e.runSweep()

	if _, ok := e.getRecord("run-1"); ok {
		t.Fatal("expected archived record to be removed by sweep")
	}
	if len(gw.deleteCalls()) != 1 {
		t.Fatalf("expected best-effort DeleteSession during sweep, got %v", gw.deleteCalls())
	}
}

func TestRunSweepKeepsRecordsNotYetDue(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.Register(testCtx(t), RegisterParams{RunID: "run-1", ChildSessionKey: "child-1", Task: "x"})

	rec, _ := e.getRecord("run-1")
	rec.mu.Lock()
	rec.CleanupCompletedAt = ptr(int64(1))
	rec.ArchiveAtMs = ptr(nowMs(e.now) + 1000*60*60) // an hour from now
	rec.mu.Unlock()

	e.runSweep()

	if _, ok := e.getRecord("run-1"); !ok {
		t.Fatal("expected record not yet due for archival to remain")
	}
}

// Spec.md §8 Scenario E: a run that never fires any lifecycle event is
// still archived once its deadline passes — archival is purely time-gated.
func TestRunSweepRemovesDueRecordRegardlessOfCleanupState(t *testing.T) {
	e, gw, _, _ := newTestEngine(t)
	e.Register(testCtx(t), RegisterParams{RunID: "run-1", ChildSessionKey: "child-1", Task: "x"})

	rec, _ := e.getRecord("run-1")
	rec.mu.Lock()
	rec.ArchiveAtMs = ptr(nowMs(e.now) - 1000) // due; cleanup never ran
	rec.mu.Unlock()

	e.runSweep()

	if _, ok := e.getRecord("run-1"); ok {
		t.Fatal("expected record to be archived once its deadline passed, regardless of cleanup state")
	}
	if len(gw.deleteCalls()) != 1 {
		t.Fatalf("expected best-effort DeleteSession during sweep, got %v", gw.deleteCalls())
	}
}

func TestEnsureSweeperStartsOnlyOnce(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.ensureSweeper()
	first := e.sweeper
	e.ensureSweeper()
	if e.sweeper != first {
		t.Fatal("expected ensureSweeper to be idempotent while running")
	}
	e.sweeper.stop()
}

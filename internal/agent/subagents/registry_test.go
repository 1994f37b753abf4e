package subagents

import (
	"context"
	"testing"
)

func newTestEngine(t *testing.T) (*Engine, *fakeGateway, *fakeEventBus, *fakeAnnouncer) {
	t.Helper()
	gw := newFakeGateway()
	bus := newFakeEventBus()
	ann := newFakeAnnouncer(true, nil)
	cfg := DefaultEngineConfig()
	cfg.StateDir = t.TempDir()
	e := New(cfg, gw, bus, ann)
	return e, gw, bus, ann
}

func TestRegisterRequiresRunID(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	err := e.Register(testCtx(t), RegisterParams{Task: "x"})
	if err == nil {
		t.Fatal("expected error for empty RunID")
	}
}

func TestRegisterDefaultsCleanupToKeep(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	if err := e.Register(testCtx(t), RegisterParams{RunID: "run-1", Task: "x"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec, ok := e.getRecord("run-1")
	if !ok {
		t.Fatal("record not found")
	}
	if rec.Cleanup != CleanupKeep {
		t.Fatalf("expected default cleanup=keep, got %s", rec.Cleanup)
	}
}

func TestRegisterComputesArchiveDeadline(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.config.ArchiveAfterMinutes = 30
	if err := e.Register(testCtx(t), RegisterParams{RunID: "run-1", Task: "x"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec, _ := e.getRecord("run-1")
	if rec.ArchiveAtMs == nil {
		t.Fatal("expected archive deadline to be set")
	}
}

func TestListForRequesterFiltersByKey(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.Register(testCtx(t), RegisterParams{RunID: "run-1", RequesterSessionKey: "a", Task: "x"})
	e.Register(testCtx(t), RegisterParams{RunID: "run-2", RequesterSessionKey: "b", Task: "x"})
	e.Register(testCtx(t), RegisterParams{RunID: "run-3", RequesterSessionKey: "a", Task: "x"})

	got := e.ListForRequester("a")
	if len(got) != 2 {
		t.Fatalf("expected 2 records for requester a, got %d", len(got))
	}
}

func TestStatsCountsByState(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.Register(testCtx(t), RegisterParams{RunID: "running", Task: "x"})
	e.Register(testCtx(t), RegisterParams{RunID: "done-ok", Task: "x"})
	e.Register(testCtx(t), RegisterParams{RunID: "done-err", Task: "x"})

	setOutcome(e, "done-ok", &Outcome{Status: OutcomeOK})
	setOutcome(e, "done-err", &Outcome{Status: OutcomeError})

	s := e.Stats()
	if s.Total != 3 {
		t.Fatalf("expected total 3, got %d", s.Total)
	}
	if s.Running != 1 {
		t.Fatalf("expected running 1, got %d", s.Running)
	}
	if s.Succeeded != 1 || s.Failed != 1 {
		t.Fatalf("expected succeeded=1 failed=1, got %+v", s)
	}
}

func setOutcome(e *Engine, runID string, outcome *Outcome) {
	rec, ok := e.getRecord(runID)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.EndedAt = ptr(int64(1))
	rec.Outcome = outcome
	rec.mu.Unlock()
}

func TestRegisterHookLookup(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	called := false
	e.RegisterHook("noop", func(ctx context.Context, runID, task string, outcome Outcome, record *RunRecord) (bool, string, error) {
		called = true
		return true, "", nil
	})
	fn, ok := e.lookupHook("noop")
	if !ok {
		t.Fatal("expected hook to be registered")
	}
	fn(testCtx(t), "run-1", "task", Outcome{}, &RunRecord{})
	if !called {
		t.Fatal("expected hook to be invoked")
	}

	e.UnregisterHook("noop")
	if _, ok := e.lookupHook("noop"); ok {
		t.Fatal("expected hook to be removed")
	}
}

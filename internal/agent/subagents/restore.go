package subagents

import (
	"context"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var restoreLog = logging.Tagged("subagents.restore")

// InitRegistry loads the persisted run records and resumes in-process
// tracking for every run that has not finished cleanup (spec.md §4.10). It
// is idempotent — a second call is a no-op — and merges without clobbering
// any record already live in memory (e.g. one Register()'d between process
// start and this call winning the race).
func (e *Engine) InitRegistry(ctx context.Context) error {
	e.resumeMu.Lock()
	if e.restored {
		e.resumeMu.Unlock()
		return nil
	}
	e.restored = true
	e.resumeMu.Unlock()

	loaded, err := e.store.Load()
	if err != nil {
		return err
	}

	var toResume []*RunRecord
	e.mu.Lock()
	for id, rec := range loaded {
		if _, exists := e.records[id]; exists {
			continue
		}
		e.records[id] = rec
		toResume = append(toResume, rec)
	}
	e.mu.Unlock()

	restoreLog.Infof("restored %d run record(s), %d newly resumed", len(loaded), len(toResume))

	for _, rec := range toResume {
		e.resumeOne(ctx, rec)
	}
	return nil
}

func (e *Engine) resumeOne(_ context.Context, rec *RunRecord) {
	e.resumeMu.Lock()
	if e.resumedRuns == nil {
		e.resumedRuns = make(map[string]bool)
	}
	if e.resumedRuns[rec.RunID] {
		e.resumeMu.Unlock()
		return
	}
	e.resumedRuns[rec.RunID] = true
	e.resumeMu.Unlock()

	rec.mu.Lock()
	cleanupDone := rec.CleanupCompletedAt != nil
	hasEnded := rec.EndedAt != nil
	timeoutSeconds := rec.OrchestrationConfig.VerificationTimeoutSeconds
	archiveAt := rec.ArchiveAtMs
	rec.mu.Unlock()

	// spec.md §4.9: the sweeper is started on demand whenever any record
	// carries an archive deadline, regardless of which resume path it takes.
	if archiveAt != nil {
		e.ensureSweeper()
	}

	if cleanupDone {
		return
	}

	if hasEnded {
		// spec.md §4.10: a restored record that already ended goes straight
		// to cleanup/announce — it does not re-enter retry or verification
		// policy a second time.
		restoreLog.Infof("run %s ended before restart, resuming cleanup", rec.RunID)
		e.beginCleanup(rec.RunID)
		return
	}

	restoreLog.Infof("run %s still in flight at restart, re-arming listener and prober", rec.RunID)
	e.armListener(rec.RunID)
	e.armProber(rec.RunID, timeoutSeconds)
}

package subagents

import (
	"context"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var sweeperLog = logging.Tagged("subagents.sweeper")

// sweepSchedule runs the archive sweep once a minute. Expressed as a cron
// spec (rather than a bare ticker) so the interval is declarative and can be
// tuned without touching the scheduling code, mirroring the teacher's
// cron-driven background jobs.
const sweepSchedule = "@every 60s"

// sweeper periodically removes archived run records whose retention window
// has elapsed (spec.md §4.9). It is started on demand the first time a
// record with an archive deadline is registered, and stops itself once the
// registry empties.
type sweeper struct {
	cron *cronlib.Cron

	mu      sync.Mutex
	running bool
}

func newSweeper() *sweeper {
	return &sweeper{cron: cronlib.New()}
}

func (s *sweeper) start(run func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.AddFunc(sweepSchedule, run)
	s.cron.Start()
}

func (s *sweeper) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// ensureSweeper lazily starts the sweeper the first time any record carries
// an archive deadline. Safe to call repeatedly; it is a no-op once running.
func (e *Engine) ensureSweeper() {
	e.mu.Lock()
	if e.sweeper == nil {
		e.sweeper = newSweeper()
	}
	sw := e.sweeper
	e.mu.Unlock()

	sw.start(e.runSweep)
}

// runSweep removes every record past its archive deadline regardless of
// cleanup state (spec.md §4.9), best-effort tearing down its child session.
// It stops the sweeper once no records remain.
func (e *Engine) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			sweeperLog.Warnf("recovered panic during sweep: %v", r)
		}
	}()

	now := nowMs(e.now)

	var toRemove []*RunRecord
	e.mu.Lock()
	for id, rec := range e.records {
		rec.mu.Lock()
		due := rec.ArchiveAtMs != nil && *rec.ArchiveAtMs <= now
		rec.mu.Unlock()
		if due {
			toRemove = append(toRemove, rec)
			delete(e.records, id)
		}
	}
	remaining := len(e.records)
	e.mu.Unlock()

	for _, rec := range toRemove {
		if e.gateway != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := e.gateway.DeleteSession(ctx, rec.ChildSessionKey, false); err != nil {
				sweeperLog.Warnf("archive delete-session failed for %s: %v", rec.RunID, err)
			}
			cancel()
		}
		sweeperLog.Infof("archived run %s removed", rec.RunID)
	}

	if len(toRemove) > 0 {
		e.persist()
	}

	if remaining == 0 {
		e.mu.Lock()
		sw := e.sweeper
		e.sweeper = nil
		e.mu.Unlock()
		if sw != nil {
			go sw.stop()
		}
	}
}

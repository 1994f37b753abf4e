package subagents

import (
	"context"
	"sync"
	"time"

	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

var engineLog = logging.Tagged("subagents.engine")

// Engine is the process-wide orchestration engine. Exactly one Engine should
// run against a given state directory at a time (spec.md §5, §9 Design
// Notes) — running two against the same directory races the persisted file.
type Engine struct {
	mu      sync.Mutex
	records map[string]*RunRecord

	store     *Store
	gateway   Gateway
	bus       EventBus
	announcer Announcer
	config    EngineConfig
	now       func() time.Time

	hooksMu sync.Mutex
	hooks   map[string]VerificationHookFunc

	pendingMu             sync.Mutex
	pendingRetries        map[string]bool
	pendingVerifications  map[string]bool

	subsMu sync.Mutex
	subs   map[string]func() // runID -> lifecycle-listener unsubscribe

	proberMu sync.Mutex
	probers  map[string]context.CancelFunc // runID -> cancel for the wait-prober goroutine

	resumeMu    sync.Mutex
	resumedRuns map[string]bool
	restored    bool // guards InitRegistry: second call is a no-op

	sweeper *sweeper

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates an Engine. gateway, bus and announcer are the external
// collaborators (spec.md §6); cfg is the effective process configuration.
func New(cfg EngineConfig, gateway Gateway, bus EventBus, announcer Announcer) *Engine {
	if cfg.Orchestration == (OrchestrationConfig{}) {
		cfg.Orchestration = hardDefaults()
	}
	e := &Engine{
		records:              make(map[string]*RunRecord),
		store:                NewStore(cfg.StateDir),
		gateway:              gateway,
		bus:                  bus,
		announcer:            announcer,
		config:               cfg,
		now:                  time.Now,
		hooks:                make(map[string]VerificationHookFunc),
		pendingRetries:       make(map[string]bool),
		pendingVerifications: make(map[string]bool),
		subs:                 make(map[string]func()),
		probers:              make(map[string]context.CancelFunc),
		resumedRuns:          make(map[string]bool),
		shutdownCh:           make(chan struct{}),
	}
	return e
}

// Reset tears down all process-wide state: records, hooks, pending sets,
// resumed-run guards, listener subscriptions, and the sweeper. For
// test/admin use only (spec.md §4.1, §9 Design Notes).
func (e *Engine) Reset() {
	e.mu.Lock()
	for runID, cancel := range e.subs {
		cancel()
		delete(e.subs, runID)
	}
	for runID, cancel := range e.probers {
		cancel()
		delete(e.probers, runID)
	}
	e.records = make(map[string]*RunRecord)
	e.mu.Unlock()

	e.hooksMu.Lock()
	e.hooks = make(map[string]VerificationHookFunc)
	e.hooksMu.Unlock()

	e.pendingMu.Lock()
	e.pendingRetries = make(map[string]bool)
	e.pendingVerifications = make(map[string]bool)
	e.pendingMu.Unlock()

	e.resumeMu.Lock()
	e.resumedRuns = make(map[string]bool)
	e.restored = false
	e.resumeMu.Unlock()

	if e.sweeper != nil {
		e.sweeper.stop()
		e.sweeper = nil
	}
}

// Shutdown cancels all in-flight retry waits and wait probers, stops the
// sweeper, and unsubscribes every lifecycle listener. Verification hook
// calls already in flight are not cancelled; they run until they return or
// hit their own timeout. It does not touch cleanupHandled semantics — it
// only stops scheduling new work.
func (e *Engine) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		close(e.shutdownCh)
	})

	e.mu.Lock()
	for runID, cancel := range e.subs {
		cancel()
		delete(e.subs, runID)
	}
	for runID, cancel := range e.probers {
		cancel()
		delete(e.probers, runID)
	}
	e.mu.Unlock()

	if e.sweeper != nil {
		e.sweeper.stop()
	}
	engineLog.Info("shutdown complete")
}

func (e *Engine) getRecord(runID string) (*RunRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[runID]
	return rec, ok
}

func (e *Engine) persist() {
	e.mu.Lock()
	snapshot := make(map[string]*RunRecord, len(e.records))
	for id, rec := range e.records {
		snapshot[id] = rec
	}
	e.mu.Unlock()
	e.store.Save(snapshot)
}

package subagents

import (
	"context"
	"sync"
	"time"
)

// fakeGateway is a hand-written Gateway fake driven by test code pushing
// WaitResults onto a per-run channel rather than a mock recording calls.
type fakeGateway struct {
	mu        sync.Mutex
	started   []startCall
	queries   []queryCall
	deletes   []string
	waitChans map[string]chan WaitResult
	waitErr   map[string]error
	startErr  error
	queryReply string
	queryErr   error
}

type startCall struct {
	childSessionKey, prompt, runID string
}

type queryCall struct {
	childSessionKey, prompt string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{waitChans: make(map[string]chan WaitResult), waitErr: make(map[string]error)}
}

func (g *fakeGateway) Start(ctx context.Context, childSessionKey, prompt, runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = append(g.started, startCall{childSessionKey, prompt, runID})
	return g.startErr
}

func (g *fakeGateway) Query(ctx context.Context, childSessionKey, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, queryCall{childSessionKey, prompt})
	return g.queryReply, g.queryErr
}

// withQueryReply lets tests script the agent-backed verification query.
func (g *fakeGateway) withQueryReply(reply string, err error) *fakeGateway {
	g.queryReply = reply
	g.queryErr = err
	return g
}

func (g *fakeGateway) Wait(ctx context.Context, runID string, timeout time.Duration) (WaitResult, error) {
	g.mu.Lock()
	ch, ok := g.waitChans[runID]
	if !ok {
		ch = make(chan WaitResult, 1)
		g.waitChans[runID] = ch
	}
	err := g.waitErr[runID]
	g.mu.Unlock()

	if err != nil {
		return WaitResult{}, err
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

func (g *fakeGateway) resolveWait(runID string, result WaitResult) {
	g.mu.Lock()
	ch, ok := g.waitChans[runID]
	if !ok {
		ch = make(chan WaitResult, 1)
		g.waitChans[runID] = ch
	}
	g.mu.Unlock()
	ch <- result
}

func (g *fakeGateway) DeleteSession(ctx context.Context, childSessionKey string, deleteTranscript bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes = append(g.deletes, childSessionKey)
	return nil
}

func (g *fakeGateway) startCalls() []startCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]startCall, len(g.started))
	copy(out, g.started)
	return out
}

func (g *fakeGateway) deleteCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.deletes))
	copy(out, g.deletes)
	return out
}

// fakeEventBus is an in-memory EventBus: Emit delivers synchronously to
// whichever handlers are currently subscribed for the topic.
type fakeEventBus struct {
	mu   sync.Mutex
	subs map[string][]func(LifecycleEvent)
}

func newFakeEventBus() *fakeEventBus {
	return &fakeEventBus{subs: make(map[string][]func(LifecycleEvent))}
}

func (b *fakeEventBus) Subscribe(runID string, handler func(LifecycleEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[runID] = append(b.subs[runID], handler)
	idx := len(b.subs[runID]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subs[runID]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

func (b *fakeEventBus) Emit(evt LifecycleEvent) {
	b.mu.Lock()
	handlers := append([]func(LifecycleEvent){}, b.subs[evt.RunID]...)
	b.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(evt)
		}
	}
}

// fakeAnnouncer records every announce call and returns a scripted result.
type fakeAnnouncer struct {
	mu        sync.Mutex
	calls     []AnnouncePayload
	delivered bool
	err       error
}

func newFakeAnnouncer(delivered bool, err error) *fakeAnnouncer {
	return &fakeAnnouncer{delivered: delivered, err: err}
}

func (a *fakeAnnouncer) Announce(ctx context.Context, payload AnnouncePayload) (bool, error) {
	a.mu.Lock()
	a.calls = append(a.calls, payload)
	a.mu.Unlock()
	return a.delivered, a.err
}

func (a *fakeAnnouncer) announceCalls() []AnnouncePayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AnnouncePayload, len(a.calls))
	copy(out, a.calls)
	return out
}

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

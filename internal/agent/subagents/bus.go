package subagents

import (
	"context"
	"log/slog"

	"github.com/fieldstone-labs/subagent-engine/internal/events"
)

// LifecycleBus adapts the generic typed pub/sub Subject to the engine's
// EventBus contract: one topic per runID, so each run's listener only ever
// sees its own events. Hosts that already run a Subject for other concerns
// can share it via NewLifecycleBusFrom instead of NewLifecycleBus.
type LifecycleBus struct {
	subject *events.Subject
}

// NewLifecycleBus creates a dedicated Subject for lifecycle events.
func NewLifecycleBus(logger *slog.Logger) *LifecycleBus {
	return &LifecycleBus{subject: events.NewSubject(events.WithLogger(logger))}
}

// NewLifecycleBusFrom wraps an existing Subject, letting a host multiplex
// lifecycle events alongside its other event traffic on one dispatcher.
func NewLifecycleBusFrom(subject *events.Subject) *LifecycleBus {
	return &LifecycleBus{subject: subject}
}

// Emit publishes a lifecycle event on the given run's topic.
func (b *LifecycleBus) Emit(evt LifecycleEvent) error {
	return events.Emit(b.subject, evt.RunID, evt)
}

// Subscribe implements the EventBus interface the engine consumes.
func (b *LifecycleBus) Subscribe(runID string, handler func(LifecycleEvent)) func() {
	sub := events.Subscribe(b.subject, runID, func(_ context.Context, evt LifecycleEvent) error {
		handler(evt)
		return nil
	})
	return sub.Unsubscribe
}

// Close shuts down the underlying Subject. Only call this if the bus was
// created via NewLifecycleBus (owns the Subject) rather than shared in via
// NewLifecycleBusFrom.
func (b *LifecycleBus) Close() {
	events.Complete(b.subject)
}

// Package feed fans match and agent events out to spectators.
package feed

import (
	"context"
	"log"

	"agent-arena/server/model"
)

// Publisher delivers an event. Implementations must not block the caller
// for long and must not fail the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, e model.FeedEvent)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, model.FeedEvent) {}

// Multi publishes to each publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e model.FeedEvent) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// EventLog persists events for the history endpoint.
type EventLog interface {
	RecordEvent(ctx context.Context, e model.FeedEvent) error
}

// Recorder writes events to the event log and logs failures.
type Recorder struct{ Log EventLog }

func (r Recorder) Publish(ctx context.Context, e model.FeedEvent) {
	if err := r.Log.RecordEvent(ctx, e); err != nil {
		log.Printf("[feed] record %s: %v", e.Type, err)
	}
}

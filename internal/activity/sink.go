// Package activity publishes best-effort orchestration events.
//
// The sink is a side telemetry channel, never a correctness signal: its
// unavailability must never block the scheduling loop, so every publish is
// fire-and-forget.
package activity

import (
	"time"
)

// Event is one orchestration observation.
type Event struct {
	ProjectID string         `json:"project_id"`
	UnitID    string         `json:"unit_id"`
	Kind      string         `json:"event_kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event kinds emitted by the orchestrator.
const (
	EventUnitClaimed      = "unit_claimed"
	EventUnitCompleted    = "unit_completed"
	EventUnitFailed       = "unit_failed"
	EventUnitRetrying     = "unit_retrying"
	EventUnitStalled      = "unit_stalled"
	EventValidationFailed = "validation_failed"
	EventReviewRequested  = "review_changes_requested"
	EventMergeConflict    = "merge_conflict"
	EventMergeEscalated   = "merge_escalated"
	EventCheckpoint       = "checkpoint"
)

// Sink accepts events without ever blocking the caller.
type Sink interface {
	Publish(event Event)
}

// NopSink drops every event.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) {}

// Fanout delivers each event to every sink in order.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type fanout []Sink

func (f fanout) Publish(event Event) {
	for _, s := range f {
		s.Publish(event)
	}
}

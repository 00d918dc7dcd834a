// Package realtime publishes process lifecycle events for dashboards and
// other observers. The engine never depends on delivery.
package realtime

import (
	"context"
	"time"
)

type EventKind string

const (
	EventProcessStarted   EventKind = "process_started"
	EventTaskCompleted    EventKind = "task_completed"
	EventTaskRetried      EventKind = "task_retried"
	EventProcessCompleted EventKind = "process_completed"
	EventProcessFailed    EventKind = "process_failed"
	EventProcessStopped   EventKind = "process_stopped"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	RecordID  string    `json:"record_id"`
	ProcessID string    `json:"process_id,omitempty"`
	TaskName  string    `json:"task_name,omitempty"`
	TaskIndex int       `json:"task_index,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// ProcessNotifier is a fire-and-forget side channel. Implementations must
// never block the calling handler for long or propagate errors into it.
type ProcessNotifier interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

type nopNotifier struct{}

func NewNopNotifier() ProcessNotifier { return nopNotifier{} }

func (nopNotifier) Publish(context.Context, Event) {}
func (nopNotifier) Close() error                   { return nil }

package pulltask

import (
	"context"

	"go_rex/internal/event"
)

// ChangeKind names what happened to a task
type ChangeKind string

const (
	ChangeStarted      ChangeKind = "started"
	ChangeNotifyFailed ChangeKind = "notify_failed"
	ChangeEvent        ChangeKind = "event"
	ChangeFinalized    ChangeKind = "finalized"
	ChangeStopped      ChangeKind = "stopped"
)

// Change describes one transition of a task
type Change struct {
	Kind  ChangeKind
	State State
	// Chunks holds the output appended by an event
	Chunks []event.Chunk
	// Err is the failure of a finalize or notification, if any
	Err error
}

// Observer receives task transitions. Calls happen while the task lock is held and must not block.
type Observer interface {
	TaskUpdated(ctx context.Context, change Change)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, change Change)

func (f ObserverFunc) TaskUpdated(ctx context.Context, change Change) {
	f(ctx, change)
}

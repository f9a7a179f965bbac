package ws

import (
	"context"

	"go_rex/internal/event"
	"go_rex/internal/pulltask"
)

// OutputMessage carries new output of a task
type OutputMessage struct {
	TaskID string        `json:"taskId"`
	Chunks []event.Chunk `json:"chunks"`
}

// PhaseMessage announces a phase change
type PhaseMessage struct {
	TaskID     string         `json:"taskId"`
	Phase      pulltask.Phase `json:"phase"`
	ExitStatus *int           `json:"exitStatus,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// TaskUpdated broadcasts a task change to the room of the task
func (h *Hub) TaskUpdated(_ context.Context, change pulltask.Change) {
	room := Room(change.State.TaskID)

	switch change.Kind {
	case pulltask.ChangeEvent:
		if len(change.Chunks) > 0 {
			h.rooms.BroadcastToRoom(namespace, room, EventOutput, OutputMessage{
				TaskID: change.State.TaskID,
				Chunks: change.Chunks,
			})
		}
		if change.State.Phase == pulltask.PhaseTerminated {
			h.broadcastPhase(room, change)
		}
	case pulltask.ChangeStarted, pulltask.ChangeFinalized, pulltask.ChangeStopped:
		h.broadcastPhase(room, change)
	}
}

func (h *Hub) broadcastPhase(room string, change pulltask.Change) {
	msg := PhaseMessage{
		TaskID:     change.State.TaskID,
		Phase:      change.State.Phase,
		ExitStatus: change.State.ExitStatus,
	}
	if change.Err != nil {
		msg.Error = change.Err.Error()
	}
	h.rooms.BroadcastToRoom(namespace, room, EventPhase, msg)
}

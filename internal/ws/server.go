// Package ws streams task output to operators over Socket.IO.
package ws

import (
	"context"
	"net/http"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"

	"go_rex/internal/pulltask"
)

const namespace = "/"

// Events emitted to clients
const (
	EventConnected = "connected"
	EventSnapshot  = "task:snapshot"
	EventOutput    = "task:output"
	EventPhase     = "task:phase"
	EventError     = "error"
)

// StateReader loads the current state of a task
type StateReader interface {
	Get(ctx context.Context, taskID string) (pulltask.State, error)
}

type broadcaster interface {
	BroadcastToRoom(namespace, room, event string, args ...interface{}) bool
}

// Hub owns the Socket.IO server. Clients join the room of a task with "subscribe:task"
// and receive its output as it arrives.
type Hub struct {
	server *socketio.Server
	rooms  broadcaster
	states StateReader
	logger *logrus.Entry
}

// NewHub creates the Socket.IO server and registers its handlers
func NewHub(states StateReader, logger *logrus.Entry) *Hub {
	allowAll := func(r *http.Request) bool { return true }
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{CheckOrigin: allowAll},
			&websocket.Transport{CheckOrigin: allowAll},
		},
	})

	h := &Hub{
		server: server,
		rooms:  server,
		states: states,
		logger: logger.WithField("component", "ws"),
	}

	server.OnConnect(namespace, func(s socketio.Conn) error {
		h.logger.WithField("conn", s.ID()).Debug("Client connected")
		s.Emit(EventConnected, map[string]interface{}{"ok": true})
		return nil
	})
	server.OnDisconnect(namespace, func(s socketio.Conn, reason string) {
		h.logger.WithFields(logrus.Fields{"conn": s.ID(), "reason": reason}).Debug("Client disconnected")
	})
	server.OnError(namespace, func(s socketio.Conn, e error) {
		h.logger.WithError(e).Warn("Socket.IO error")
	})
	server.OnEvent(namespace, "subscribe:task", h.handleSubscribe)
	server.OnEvent(namespace, "unsubscribe:task", h.handleUnsubscribe)

	return h
}

// Run serves Socket.IO sessions until Close is called
func (h *Hub) Run() {
	go func() {
		if err := h.server.Serve(); err != nil {
			h.logger.WithError(err).Error("Socket.IO server stopped")
		}
	}()
	h.logger.Info("Socket.IO server started")
}

// Close stops the server
func (h *Hub) Close() error {
	return h.server.Close()
}

// Handler returns the HTTP handler of the Socket.IO endpoint
func (h *Hub) Handler() http.Handler {
	return h.server
}

// Room is the room clients watching taskID join
func Room(taskID string) string {
	return "task:" + taskID
}

func (h *Hub) handleSubscribe(s socketio.Conn, taskID string) {
	if taskID == "" {
		s.Emit(EventError, map[string]interface{}{"message": "task id is required"})
		return
	}

	state, err := h.states.Get(context.Background(), taskID)
	if err != nil {
		s.Emit(EventError, map[string]interface{}{"taskId": taskID, "message": "task not found"})
		return
	}

	s.Join(Room(taskID))
	s.Emit(EventSnapshot, state)
	h.logger.WithFields(logrus.Fields{"conn": s.ID(), "task_id": taskID}).Debug("Client subscribed")
}

func (h *Hub) handleUnsubscribe(s socketio.Conn, taskID string) {
	s.Leave(Room(taskID))
}

package storage

import (
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// MessageSender delivers a single directive to a worker socket.
type MessageSender interface {
	Send(socketID string, message *types.Message, timeout time.Duration) bool
}

// Hub is an in-process socket registry. Each connected worker owns one
// channel keyed by socket id; Send blocks until the worker receives the
// message or the timeout elapses.
type Hub struct {
	mu      sync.RWMutex
	sockets map[string]chan *types.Message
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{sockets: make(map[string]chan *types.Message)}
}

// Register creates a socket and returns its receive channel. The one-slot
// buffer lets a dispatch land between checkins; a second message must wait
// for the worker to drain the first.
func (h *Hub) Register(socketID string) <-chan *types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan *types.Message, 1)
	h.sockets[socketID] = ch
	return ch
}

// Deregister removes a socket. In-flight Sends to it report failure.
func (h *Hub) Deregister(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sockets, socketID)
}

// Send delivers message to the socket, reporting whether the worker accepted
// it within timeout.
func (h *Hub) Send(socketID string, message *types.Message, timeout time.Duration) bool {
	h.mu.RLock()
	ch, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- message:
		return true
	case <-timer.C:
		return false
	}
}

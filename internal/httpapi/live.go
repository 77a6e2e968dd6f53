package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/tasksync/internal/logging"
	"github.com/agentworkforce/tasksync/internal/tasksync"
)

const liveBufferSize = 64

type liveMessage struct {
	Type      string           `json:"type"`
	Change    *tasksync.Change `json:"change,omitempty"`
	TaskID    string           `json:"task_id,omitempty"`
	Pending   bool             `json:"pending,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type liveClient struct {
	send   chan []byte
	closed bool
}

// liveHub fans store and ledger changes out to websocket clients. A client
// that falls liveBufferSize messages behind is disconnected.
type liveHub struct {
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*liveClient]struct{}
}

func newLiveHub(logger *logging.Logger) *liveHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &liveHub{logger: logger, ctx: ctx, cancel: cancel, clients: map[*liveClient]struct{}{}}
}

func (h *liveHub) publish(msg liveMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("live message marshal failed", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("live client too slow; disconnecting")
			h.dropLocked(client)
		}
	}
}

func (h *liveHub) add() *liveClient {
	client := &liveClient{send: make(chan []byte, liveBufferSize)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *liveHub) remove(client *liveClient) {
	h.mu.Lock()
	h.dropLocked(client)
	h.mu.Unlock()
}

func (h *liveHub) dropLocked(client *liveClient) {
	delete(h.clients, client)
	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

func (h *liveHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *liveHub) close() {
	h.cancel()
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.LiveOriginPatterns})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := s.live.add()
	defer s.live.remove(client)

	ctx := conn.CloseRead(r.Context())
	if err := writeLive(ctx, conn, liveMessage{Type: "hello", Timestamp: s.now().UTC()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.live.ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data, ok := <-client.send:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeLive(ctx context.Context, conn *websocket.Conn, msg liveMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

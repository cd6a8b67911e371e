package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"dip-bot/internal/engine"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

type wsClient struct {
	send chan []byte
}

// Hub pushes each finished cycle to connected websocket clients. Slow
// clients miss messages rather than blocking the engine.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, clients: make(map[*wsClient]struct{})}
}

func (h *Hub) ObserveCycle(result engine.CycleResult) {
	data, err := json.Marshal(wsMessage{Type: "cycle", Cycle: result})
	if err != nil {
		h.log.Warn("ws encode failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type wsMessage struct {
	Type  string             `json:"type"`
	Cycle engine.CycleResult `json:"cycle"`
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn("ws accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	client := &wsClient{send: make(chan []byte, clientBuffer)}
	h.register(client)
	defer h.unregister(client)

	// Inbound frames are ignored; CloseRead cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-client.send:
			if err := write(ctx, conn, msg); err != nil {
				h.log.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("ws client connected", zap.Int("total", total))
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deepscribe/internal/track"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

// wsClient serializes writes; gorilla allows one concurrent writer per conn.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub fans execution updates out to websocket subscribers, grouped by
// project.
type Hub struct {
	mu       sync.Mutex
	conns    map[string]map[*wsClient]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns: map[string]map[*wsClient]bool{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Hub) add(projectID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[projectID] == nil {
		h.conns[projectID] = map[*wsClient]bool{}
	}
	h.conns[projectID][c] = true
}

func (h *Hub) remove(projectID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[projectID], c)
	if len(h.conns[projectID]) == 0 {
		delete(h.conns, projectID)
	}
}

// Broadcast pushes the current execution state to every subscriber of the
// project. Dead connections are dropped.
func (h *Hub) Broadcast(projectID string, state track.State) {
	payload, err := json.Marshal(map[string]any{
		"type":  "status",
		"state": state,
	})
	if err != nil {
		return
	}
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.conns[projectID]))
	for c := range h.conns[projectID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		if err := c.write(websocket.TextMessage, payload); err != nil {
			h.remove(projectID, c)
			c.conn.Close()
		}
	}
}

// Serve upgrades the request and keeps the connection alive until the client
// goes away. Clients may send {"type":"ping"} and get {"type":"pong"} back.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, projectID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "project_id", projectID, "error", err)
		return
	}
	client := &wsClient{conn: conn}
	h.add(projectID, client)
	defer func() {
		h.remove(projectID, client)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	go h.heartbeat(client, done)
	defer close(done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var in struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &in) == nil && in.Type == "ping" {
			client.write(websocket.TextMessage, []byte(`{"type":"pong"}`))
		}
	}
}

func (h *Hub) heartbeat(c *wsClient, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

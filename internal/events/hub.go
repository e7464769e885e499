package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ljquan/aitu/services/workflow-go/internal/metrics"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// Hub serves workflow events to WebSocket clients.
type Hub struct {
	source         *Broadcaster
	logger         *slog.Logger
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// HubConfig holds Hub configuration.
type HubConfig struct {
	Source         *Broadcaster
	Logger         *slog.Logger
	AllowedOrigins []string // empty allows all
}

// NewHub creates a hub reading from cfg.Source.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}

	h := &Hub{
		source:         cfg.Source,
		logger:         logger,
		allowedOrigins: allowed,
		clients:        make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	if h.allowedOrigins["*"] || h.allowedOrigins[origin] {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

type wsClient struct {
	hub        *Hub
	conn       *websocket.Conn
	workflowID string
	events     <-chan *types.Event
	cleanup    func()
	done       chan struct{}
}

// ServeWs upgrades the request and streams events for workflowID (all
// workflows when empty). Events recorded after lastEventID are replayed
// first.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, workflowID, lastEventID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	events, cleanup := h.source.Subscribe(workflowID)
	client := &wsClient{
		hub:        h,
		conn:       conn,
		workflowID: workflowID,
		events:     events,
		cleanup:    cleanup,
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	metrics.StreamConnections.WithLabelValues("websocket").Inc()
	h.logger.Info("websocket client connected", "workflow_id", workflowID)

	var backlog []*types.Event
	if workflowID != "" {
		backlog = h.source.Since(workflowID, lastEventID)
	}

	go client.writePump(backlog)
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.cleanup()
		metrics.StreamConnections.WithLabelValues("websocket").Dec()
		h.logger.Info("websocket client disconnected", "workflow_id", c.workflowID)
	}
}

// readPump drains client messages so control frames are processed, and
// detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		close(c.done)
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump(backlog []*types.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, evt := range backlog {
		if err := c.write(evt); err != nil {
			return
		}
	}

	for {
		select {
		case evt, ok := <-c.events:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(evt); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) write(evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ai-group-chat-demo/engine/conversation/service"
	"ai-group-chat-demo/engine/internal/models"
	"ai-group-chat-demo/engine/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// How many tail messages each state frame carries
	frameTail = 50
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

// StateFrame is the reactive view pushed to UI clients: the message tail,
// per-character status, the typing-id set and the user's nickname.
type StateFrame struct {
	Type      string            `json:"type"`
	Messages  []models.Message  `json:"messages"`
	TypingIDs []string          `json:"typingIds"`
	Statuses  map[string]string `json:"statuses"`
	Nickname  string            `json:"nickname,omitempty"`
}

// inbound is a client command over the socket
type inbound struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Client is one connected UI peer
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans session state out to connected UI clients and feeds their
// commands back into the session.
type Hub struct {
	session *service.SessionService
	log     *logger.Logger

	mu      sync.Mutex
	clients map[*Client]bool
}

// NewHub creates a hub bound to one session. It subscribes to store and
// simulator changes and rebroadcasts a state frame on every commit.
func NewHub(session *service.SessionService, log *logger.Logger) *Hub {
	h := &Hub{
		session: session,
		log:     log,
		clients: make(map[*Client]bool),
	}
	session.Store.Subscribe(h.broadcastState)
	session.Sim.Subscribe(h.broadcastState)
	session.OnNotification(func(n service.Notification) {
		h.broadcast(map[string]any{"type": "toast", "kind": n.Kind, "text": n.Text})
	})
	return h
}

func (h *Hub) broadcastState() {
	msgs := h.session.Store.Snapshot()
	if len(msgs) > frameTail {
		msgs = msgs[len(msgs)-frameTail:]
	}
	h.broadcast(StateFrame{
		Type:      "state",
		Messages:  msgs,
		TypingIDs: h.session.Sim.TypingIDs(),
		Statuses:  h.session.Sim.Statuses(),
		Nickname:  h.session.Store.Nickname(),
	})
}

func (h *Hub) broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.LogError(err, "failed to marshal ws frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
			h.log.Warn("ws client dropped, send buffer full")
		}
	}
}

// ServeWs upgrades an HTTP request to a session websocket
func (h *Hub) ServeWs(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.LogError(err, "ws upgrade failed")
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, 64), hub: h}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()

	// Push the current state so the client doesn't wait for the next change.
	h.broadcastState()
	h.session.Focus()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.mu.Lock()
		if _, ok := c.hub.clients[c]; ok {
			delete(c.hub.clients, c)
			close(c.send)
		}
		c.hub.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws read error", "error", err.Error())
			}
			return
		}

		var cmd inbound
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.hub.log.Warn("unreadable ws command", "error", err.Error())
			continue
		}
		c.handle(cmd)
	}
}

func (c *Client) handle(cmd inbound) {
	ctx := context.Background()

	switch cmd.Type {
	case "chat":
		if cmd.Content != "" {
			c.hub.session.SendMessage(ctx, cmd.Content)
		}
	case "retry":
		c.hub.session.RetryMessage(ctx, cmd.MessageID)
	case "low_cost":
		c.hub.session.SetLowCostMode(cmd.Content == "on")
	case "load_older":
		c.hub.session.LoadOlderMessages(ctx)
	case "focus":
		c.hub.session.Focus()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

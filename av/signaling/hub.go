package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/callsession/limits"
	"github.com/sirupsen/logrus"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Authorizer authenticates an upgrade request and returns the caller's
// participant id. An empty id accepts any From value.
type Authorizer func(r *http.Request) (string, error)

// Hub is the server side of WSRelay. It keeps channel subscriptions per
// connection and forwards published envelopes to every other subscriber.
type Hub struct {
	authorize Authorizer
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*hubClient]struct{}
	channels map[string]map[*hubClient]struct{}
}

type hubClient struct {
	hub      *Hub
	conn     *websocket.Conn
	identity string
	send     chan []byte
	once     sync.Once
}

// NewHub creates a hub. A nil authorize accepts every connection.
func NewHub(authorize Authorizer, checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		authorize: authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients:  make(map[*hubClient]struct{}),
		channels: make(map[string]map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity string
	if h.authorize != nil {
		id, err := h.authorize(r)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Hub.ServeHTTP",
				"remote":   r.RemoteAddr,
				"error":    err.Error(),
			}).Warn("Rejected signaling connection")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.ServeHTTP",
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	c := &hubClient{
		hub:      h,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendBufferSize),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Hub.ServeHTTP",
		"identity": identity,
	}).Info("Signaling client connected")

	go c.writePump()
	c.readPump()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the number of clients subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) subscribe(c *hubClient, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*hubClient]struct{})
	}
	h.channels[channel][c] = struct{}{}
}

func (h *Hub) unsubscribe(c *hubClient, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels[channel], c)
	if len(h.channels[channel]) == 0 {
		delete(h.channels, channel)
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	for channel, subs := range h.channels {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) publish(from *hubClient, channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Hub.publish",
				"channel":  channel,
				"identity": c.identity,
			}).Warn("Client send buffer full, dropping envelope")
		}
	}
}

func (c *hubClient) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		close(c.send)
	})
}

func (c *hubClient) readPump() {
	defer func() {
		c.close()
		_ = c.conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "hubClient.readPump",
			"identity": c.identity,
		}).Info("Signaling client disconnected")
	}()

	c.conn.SetReadLimit(limits.MaxRelayFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Channel == "" {
			continue
		}

		switch f.Op {
		case opSubscribe:
			c.hub.subscribe(c, f.Channel)
		case opUnsubscribe:
			c.hub.unsubscribe(c, f.Channel)
		case opPublish:
			if f.Envelope == nil || f.Envelope.Validate() != nil {
				continue
			}
			if c.identity != "" && f.Envelope.From != c.identity {
				logrus.WithFields(logrus.Fields{
					"function": "hubClient.readPump",
					"identity": c.identity,
					"from":     f.Envelope.From,
				}).Warn("Dropping envelope with spoofed sender")
				continue
			}
			c.hub.publish(c, f.Channel, data)
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

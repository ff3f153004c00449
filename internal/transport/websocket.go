package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/models"
)

// PageHub is the server side of the page message channel. Pages connect
// over WebSocket, post NETWORK_STATUS / SKIP_WAITING and receive every
// broadcast message.
type PageHub struct {
	upgrader websocket.Upgrader
	logger   *events.Logger
	inbound  *events.Bus[models.Message]

	mu      sync.Mutex
	clients map[*pageConn]struct{}
	closed  bool

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

type pageConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *pageConn) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// NewPageHub creates a hub.
func NewPageHub(logger *events.Logger) *PageHub {
	logger = logger.WithField("component", "page_hub")
	return &PageHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Pages are served through the local proxy, which is the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:       logger,
		inbound:      events.NewBus[models.Message]("page_inbound", logger),
		clients:      make(map[*pageConn]struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
		writeTimeout: 5 * time.Second,
	}
}

// OnMessage registers a handler for messages posted by pages.
func (h *PageHub) OnMessage(fn func(models.Message)) func() {
	return h.inbound.Subscribe(fn)
}

// Clients returns the number of connected pages.
func (h *PageHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves one page connection.
func (h *PageHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	pc := &pageConn{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[pc] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.WithFields(map[string]interface{}{
		"remote":  r.RemoteAddr,
		"clients": count,
	}).Debug("Page connected")

	go h.writeLoop(pc)
	h.readLoop(pc)
}

// Broadcast sends msg to every connected page. Slow pages whose buffer is
// full are disconnected.
func (h *PageHub) Broadcast(msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for pc := range h.clients {
		select {
		case pc.send <- data:
		default:
			h.logger.WithField("type", string(msg.Type)).Warn("Dropping slow page connection")
			delete(h.clients, pc)
			pc.close()
		}
	}

	return nil
}

// Close disconnects every page and refuses new connections.
func (h *PageHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	for pc := range h.clients {
		_ = pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		pc.close()
		delete(h.clients, pc)
	}
	h.inbound.Clear()

	return nil
}

func (h *PageHub) unregister(pc *pageConn) {
	h.mu.Lock()
	delete(h.clients, pc)
	h.mu.Unlock()
	pc.close()
}

// readLoop reads page messages until the connection drops.
func (h *PageHub) readLoop(pc *pageConn) {
	defer h.unregister(pc)

	pc.conn.SetReadLimit(64 << 10)
	_ = pc.conn.SetReadDeadline(time.Now().Add(h.pongTimeout + h.pingInterval))
	pc.conn.SetPongHandler(func(string) error {
		_ = pc.conn.SetReadDeadline(time.Now().Add(h.pongTimeout + h.pingInterval))
		return nil
	})

	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("Page read error")
			}
			return
		}

		msg, err := models.ParseMessage(data)
		if err != nil {
			h.logger.WithError(err).Warn("Ignoring malformed page message")
			continue
		}

		h.logger.WithField("type", string(msg.Type)).Debug("Page message received")
		h.inbound.Publish(*msg)
	}
}

// writeLoop sends queued broadcasts and periodic pings.
func (h *PageHub) writeLoop(pc *pageConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-pc.send:
			_ = pc.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := pc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.WithError(err).Debug("Page write failed")
				h.unregister(pc)
				return
			}

		case <-ticker.C:
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.unregister(pc)
				return
			}

		case <-pc.done:
			return
		}
	}
}

// WSClient connects to a running agent's page channel. The CLI uses it to
// follow connectivity and sync events.
type WSClient struct {
	url    string
	logger *events.Logger

	// Connection state
	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	// Channels
	messages chan models.Message
	errors   chan error
	done     chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSClient creates a WebSocket client.
func NewWSClient(wsURL string, logger *events.Logger) *WSClient {
	// If it's not already a WebSocket URL, convert http(s) to ws(s)
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}

	return &WSClient{
		url:          wsURL,
		logger:       logger.WithField("component", "ws_client"),
		messages:     make(chan models.Message, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect establishes WebSocket connection.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	c.logger.WithField("url", c.url).Debug("Connecting to WebSocket")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w", err)
	}

	c.conn = conn
	c.closed = false

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Send posts a message to the agent.
func (c *WSClient) Send(msg models.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}

	return nil
}

// Messages returns the message channel. It is closed when the connection ends.
func (c *WSClient) Messages() <-chan models.Message {
	return c.messages
}

// Errors returns the error channel.
func (c *WSClient) Errors() <-chan error {
	return c.errors
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

// readLoop reads messages from WebSocket.
func (c *WSClient) readLoop() {
	defer func() {
		c.Close()
		close(c.messages)
		close(c.errors)
	}()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
		return nil
	})
	// Server pings also prove liveness.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}

		msg, err := models.ParseMessage(data)
		if err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed message")
			continue
		}

		select {
		case c.messages <- *msg:
		case <-c.done:
			return
		}
	}
}

// pingLoop sends periodic pings.
func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}

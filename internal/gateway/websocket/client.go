package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Read deadline; refreshed by any inbound frame, pong included
	readWait = 60 * time.Second

	// JSON ping cadence (must be less than readWait)
	pingPeriod = 45 * time.Second

	// Maximum frame size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Per-client send buffer; overflow disconnects the client
	sendBufferSize = 256
)

// pingFrame is the JSON keep-alive probe. Plain WebSocket ping frames don't
// reach browser JavaScript, so the probe is an application-level frame.
var pingFrame = []byte(`{"type":"ping"}`)

// FrameHandler processes one raw inbound frame.
type FrameHandler func(data []byte)

// Client is one WebSocket connection on a plane.
type Client struct {
	ID    string
	topic string

	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	onFrame FrameHandler
	logger  *logger.Logger

	// done signals both pumps to stop. The send channel itself is never
	// closed: Send may run on the read-pump goroutine while the hub is
	// disconnecting this client, and a close would turn that race into a
	// process-wide panic.
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. topic is the session id on the
// session plane and empty on the UI plane; onFrame receives every inbound
// frame except pongs.
func NewClient(id, topic string, conn *websocket.Conn, hub *Hub, onFrame FrameHandler, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		topic:   topic,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, sendBufferSize),
		onFrame: onFrame,
		logger:  log.WithFields(zap.String("client_id", id)),
		done:    make(chan struct{}),
	}
}

// Send queues a frame for this client only. Overflow drops the frame; the
// hub-level overflow handling disconnects on broadcast paths. After the hub
// has disconnected the client the frame is dropped silently.
func (c *Client) Send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

// shutdown signals both pumps to stop. Safe to call more than once and
// concurrently with Send.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump reads inbound frames until the connection dies or the read
// deadline expires. Every inbound frame refreshes the deadline; a peer that
// answers pings stays connected indefinitely.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		if isPong(data) {
			continue
		}
		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}

// WritePump drains the send channel to the connection and emits the periodic
// JSON ping. Returns when the hub shuts the client down or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				return
			}
		}
	}
}

func isPong(data []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == "pong"
}

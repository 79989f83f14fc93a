package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendBufferSize is the per-device outbound message buffer size.
const sendBufferSize = 64

// Conn is one device's live channel. It owns the WebSocket connection and
// runs a read pump (acks in) and a write pump (commands out, pings).
type Conn struct {
	hub      *Hub
	deviceID string
	ws       *websocket.Conn
	send     chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Attach registers an upgraded WebSocket connection for a device and
// starts its pumps. The caller must have authenticated the device already.
func (h *Hub) Attach(ws *websocket.Conn, deviceID string) *Conn {
	c := &Conn{
		hub:      h,
		deviceID: deviceID,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
	}

	h.register(c)

	go c.writePump()
	go c.readPump()

	return c
}

// trySend queues data for the write pump. Returns false when the channel
// is gone or the buffer is full (slow device).
func (c *Conn) trySend(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.hub.logger.Warn("send buffer full, dropping message", "device_id", c.deviceID)
		return false
	}
}

// shutdown closes the connection exactly once. Safe to call from any
// goroutine; the pumps exit on their own once the socket closes.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		//nolint:errcheck // Best-effort close message
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
	})
}

// readPump reads device acks until the connection drops.
func (c *Conn) readPump() {
	defer c.hub.unregister(c)

	cfg := c.hub.cfg
	c.ws.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("live channel read error", "device_id", c.deviceID, "error", err)
			} else {
				c.hub.logger.Debug("live channel closed", "device_id", c.deviceID, "error", err)
			}
			return
		}
		// Any device message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes queued messages and protocol pings.
func (c *Conn) writePump() {
	pingInterval := time.Duration(c.hub.cfg.PingInterval) * time.Second
	writeWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one inbound device message. Only acks are
// meaningful; anything else is logged and dropped.
func (c *Conn) handleMessage(data []byte) {
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil || ack.CorrelationID == "" {
		c.hub.logger.Debug("ignoring non-ack message", "device_id", c.deviceID)
		return
	}
	c.hub.resolveAck(ack)
}

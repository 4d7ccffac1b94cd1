package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"codecanvas/internal/metrics"
	"codecanvas/internal/models"
	"codecanvas/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 256

	// a client that keeps flooding past its limiter is disconnected
	maxRateViolations = 1000
)

// Client is one WebSocket connection. Outbound frames are queued on a buffered
// channel drained by WritePump, so Send never blocks the caller.
type Client struct {
	ID   string
	Conn *websocket.Conn

	mu      sync.Mutex
	hook    func(models.WSFrame)
	send    chan models.WSFrame
	closed  bool
	limiter *rate.Limiter
}

func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{ID: id, Conn: conn, send: make(chan models.WSFrame, sendBuffer)}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// SetRateLimit throttles inbound frames read by ReadPump.
func (c *Client) SetRateLimit(perSecond float64, burst int) {
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Send queues a frame. A full buffer means the peer stopped reading; the
// client is closed so its read side unwinds through the disconnect path.
func (c *Client) Send(frame models.WSFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(frame)
		return true
	}
	if c.closed {
		metrics.DroppedFrames.Inc()
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.DroppedFrames.Inc()
		c.closed = true
		close(c.send)
		return false
	}
}

// Close stops WritePump. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump drains queued frames to the socket and keeps the peer alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump decodes inbound frames and hands them to handle until the socket
// fails or the client floods past its limiter.
func (c *Client) ReadPump(log *utils.Logger, handle func(models.WSFrame)) {
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	violations := 0
	for {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read failed", "connectionId", c.ID, "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				log.Warn("rate limit exceeded", "connectionId", c.ID, "violations", violations)
			}
			if violations > maxRateViolations {
				log.Warn("disconnecting client for excessive rate limit violations", "connectionId", c.ID)
				return
			}
			continue
		}

		var frame models.WSFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type == "" {
			c.Send(models.WSFrame{Type: models.EventError, Data: "invalid_frame"})
			continue
		}
		handle(frame)
	}
}

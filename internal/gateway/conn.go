package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

// conn wraps a websocket with a bounded outbound queue and a single write
// pump. All writes funnel through the queue; a full queue drops the frame
// rather than blocking the sender.
type conn struct {
	ws           *websocket.Conn
	sendCh       chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
}

func newConn(ws *websocket.Conn, queueDepth int, pingInterval time.Duration) *conn {
	c := &conn{
		ws:           ws,
		sendCh:       make(chan []byte, queueDepth),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
	go c.writePump()
	return c
}

// Send marshals v (raw bytes pass through untouched) and enqueues it.
// Reports false when the connection is closed or the queue is full.
func (c *conn) Send(v any) bool {
	var payload []byte
	switch m := v.(type) {
	case []byte:
		payload = m
	case json.RawMessage:
		payload = m
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return false
		}
		payload = b
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.sendCh <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close shuts the connection down. Safe to call from any goroutine, any
// number of times.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case payload := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btouchard/courier/internal/event"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateRegistered
	StateDisconnected
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// controlFrame is a transport-level message that is not a domain event.
type controlFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// clientFrame is anything a client may send.
type clientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// conn is one authenticated WebSocket session. It implements hub.Subscriber.
type conn struct {
	gw   *Gateway
	ws   *websocket.Conn
	id   string
	user event.UserID
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	closeOnce sync.Once
}

func (c *conn) ID() string { return c.id }

// Send queues msg without blocking. A full buffer drops the message.
func (c *conn) Send(msg []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		slog.Warn("send buffer full, dropping message",
			"conn_id", c.id,
			"user_id", c.user)
		return false
	}
}

func (c *conn) State() State {
	return State(c.state.Load())
}

func (c *conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *conn) sendControl(typ string, payload any) {
	data, err := json.Marshal(controlFrame{Type: typ, Payload: payload})
	if err != nil {
		slog.Error("encoding control frame", "type", typ, "error", err)
		return
	}
	c.Send(data)
}

func (c *conn) readLoop() {
	opts := c.gw.opts
	c.ws.SetReadLimit(opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("connection read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendControl("error", map[string]string{"message": "invalid frame"})
			continue
		}

		switch f.Type {
		case "ping":
			c.sendControl("pong", map[string]int64{"timestamp": time.Now().UnixMilli()})
		default:
			c.sendControl("error", map[string]string{"message": "unsupported frame type"})
		}
	}
}

func (c *conn) writeLoop() {
	opts := c.gw.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("connection write failed", "conn_id", c.id, "error", err)
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

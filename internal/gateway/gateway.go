package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/btouchard/courier/internal/config"
	"github.com/btouchard/courier/internal/event"
	"github.com/btouchard/courier/internal/hub"
	"github.com/btouchard/courier/internal/metrics"
)

const authFailedMessage = "authentication failed"

// Authenticator resolves a credential to a user identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (event.UserID, error)
}

// Presence tracks which users hold open connections.
type Presence interface {
	Register(id event.UserID, connID string) bool
	Deregister(id event.UserID, connID string) (bool, error)
	IsOnline(id event.UserID) bool
	Len() int
}

// Topics attaches connections to personal topics.
type Topics interface {
	Subscribe(topic string, sub hub.Subscriber)
	Unsubscribe(topic string, sub hub.Subscriber)
}

// PresenceNotifier announces users going online or offline.
type PresenceNotifier interface {
	BroadcastPresence(id event.UserID, online bool)
}

// Options tunes the WebSocket transport.
type Options struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	SendBuffer       int
	MaxMessageBytes  int64
	AllowedOrigins   []string
}

// OptionsFromConfig builds Options from the realtime and auth settings.
func OptionsFromConfig(rt config.RealtimeConfig, handshake time.Duration) Options {
	return Options{
		HandshakeTimeout: handshake,
		WriteWait:        rt.WriteWait,
		PongWait:         rt.PongWait,
		PingInterval:     rt.PingInterval,
		SendBuffer:       rt.SendBuffer,
		MaxMessageBytes:  rt.MaxMessageBytes,
		AllowedOrigins:   rt.AllowedOrigins,
	}
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 45 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 3
	}
	if o.SendBuffer < 1 {
		o.SendBuffer = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 16
	}
}

// Gateway accepts WebSocket connections and ties each one to its user's
// presence entry and personal topic for as long as it stays open.
type Gateway struct {
	auth     Authenticator
	presence Presence
	topics   Topics
	notifier PresenceNotifier
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool

	// announced holds users last broadcast as online. Guarded by announceMu,
	// which also orders the broadcasts themselves.
	announceMu sync.Mutex
	announced  map[event.UserID]struct{}
}

// New creates a Gateway. m may be nil.
func New(auth Authenticator, presence Presence, topics Topics, notifier PresenceNotifier, opts Options, m *metrics.Metrics) *Gateway {
	opts.applyDefaults()
	g := &Gateway{
		auth:     auth,
		presence: presence,
		topics:   topics,
		notifier: notifier,
		metrics:  m,
		opts:     opts,
		conns:    make(map[*conn]struct{}),

		announced: make(map[event.UserID]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(g.opts.AllowedOrigins, origin)
}

// ServeHTTP runs one connection from handshake to disconnect.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := credentialFromRequest(r)

	var user event.UserID
	if credential != "" {
		id, err := g.authenticate(r.Context(), credential)
		if err != nil {
			g.metrics.RecordAuthFailure()
			http.Error(w, authFailedMessage, http.StatusUnauthorized)
			return
		}
		user = id
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	if user == "" {
		id, err := g.handshake(r.Context(), ws)
		if err != nil {
			g.reject(ws)
			return
		}
		user = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		gw:     g,
		ws:     ws,
		id:     uuid.NewString(),
		user:   user,
		send:   make(chan []byte, g.opts.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	c.setState(StateAuthenticated)

	if !g.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(g.opts.WriteWait))
		_ = ws.Close()
		cancel()
		return
	}

	g.register(c)
	defer g.unregister(c)

	go c.writeLoop()
	c.readLoop()
}

func (g *Gateway) authenticate(ctx context.Context, credential string) (event.UserID, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.HandshakeTimeout)
	defer cancel()
	return g.auth.Authenticate(ctx, credential)
}

// handshake waits for the first frame, which must carry the credential.
func (g *Gateway) handshake(ctx context.Context, ws *websocket.Conn) (event.UserID, error) {
	deadline := time.Now().Add(g.opts.HandshakeTimeout)
	ws.SetReadLimit(g.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(deadline) //nolint:errcheck

	_, data, err := ws.ReadMessage()
	if err != nil {
		slog.Debug("handshake read failed", "error", err)
		return "", err
	}

	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != "auth" {
		slog.Debug("handshake rejected", "reason", "first frame is not auth")
		return "", errors.New("expected auth frame")
	}

	return g.authenticate(ctx, f.Token)
}

// reject tells the client authentication failed and closes the socket.
// Nothing was registered, so there is nothing to undo.
func (g *Gateway) reject(ws *websocket.Conn) {
	g.metrics.RecordAuthFailure()
	slog.Debug("connection closed", "remote", ws.RemoteAddr().String(), "state", StateRejected)

	deadline := time.Now().Add(g.opts.WriteWait)
	_ = ws.SetWriteDeadline(deadline) //nolint:errcheck
	if data, err := json.Marshal(controlFrame{Type: "error", Payload: map[string]string{"message": authFailedMessage}}); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, data) //nolint:errcheck
	}
	_ = ws.WriteControl(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, authFailedMessage), deadline)
	_ = ws.Close()
}

// register subscribes c to its topic before marking the user online so an
// "online" answer always has a route.
func (g *Gateway) register(c *conn) {
	g.topics.Subscribe(hub.Topic(c.user), c)
	g.presence.Register(c.user, c.id)
	c.setState(StateRegistered)

	g.metrics.ConnectionOpened()
	g.metrics.SetUsersOnline(g.presence.Len())

	slog.Info("client connected", "user_id", c.user, "conn_id", c.id)

	c.sendControl("connected", map[string]string{"user_id": string(c.user), "conn_id": c.id})

	g.announce(c.user)
}

// unregister reverses register. It runs once, as soon as the read loop ends.
func (g *Gateway) unregister(c *conn) {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		c.cancel()

		g.topics.Unsubscribe(hub.Topic(c.user), c)
		wentOffline, err := g.presence.Deregister(c.user, c.id)
		if err != nil {
			slog.Error("presence deregistration failed",
				"user_id", c.user,
				"conn_id", c.id,
				"error", err)
		}
		_ = c.ws.Close()

		g.metrics.ConnectionClosed()
		g.metrics.SetUsersOnline(g.presence.Len())

		slog.Info("client disconnected", "user_id", c.user, "conn_id", c.id, "offline", wentOffline)

		g.announce(c.user)
		g.untrack(c)
	})
}

// announce broadcasts the user's current presence if it differs from the
// last one announced. The registry is read under announceMu, so a teardown
// that raced a reconnect cannot publish a stale offline after the online.
func (g *Gateway) announce(id event.UserID) {
	g.announceMu.Lock()
	defer g.announceMu.Unlock()

	online := g.presence.IsOnline(id)
	_, was := g.announced[id]
	if online == was {
		return
	}
	if online {
		g.announced[id] = struct{}{}
	} else {
		delete(g.announced, id)
	}
	g.notifier.BroadcastPresence(id, online)
}

func (g *Gateway) track(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// Close sends a going-away close frame to every open connection and refuses
// new ones. Each connection then tears down through its normal path.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	open := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	deadline := time.Now().Add(g.opts.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range open {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
		_ = c.ws.Close()
	}
	slog.Info("gateway closed", "connections", len(open))
}

// Len returns the number of open connections.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// credentialFromRequest reads a bearer token from the Authorization header
// or the token query parameter.
func credentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return strings.TrimSpace(header)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

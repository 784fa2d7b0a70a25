package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/porthole-live/porthole/internal/auth"
	"github.com/porthole-live/porthole/internal/broker"
	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/metrics"
	"github.com/porthole-live/porthole/internal/wire"
)

// Options carries the timing knobs and collaborators a hub needs.
type Options struct {
	Auth             *auth.Service
	Broker           *broker.Broker
	Metrics          *metrics.Metrics
	Version          string
	AuthDeadline     time.Duration
	PingInterval     time.Duration
	IdleCutoff       time.Duration
	SlowClientCutoff time.Duration
	MailboxSize      int
}

// Hub tracks every live connection and runs their lifecycle: greeting,
// authentication deadline, broadcasts, revocation evictions and the
// shutdown drain.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client

	auth    *auth.Service
	broker  *broker.Broker
	metrics *metrics.Metrics

	version          string
	authDeadline     time.Duration
	pingInterval     time.Duration
	idleCutoff       time.Duration
	slowClientCutoff time.Duration
	mailboxSize      int

	log *logger.Logger
}

// New creates a hub. The broker delivers through clients registered here;
// the auth service is consulted for in-band authenticate messages.
func New(opts Options, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[string]*Client),
		auth:             opts.Auth,
		broker:           opts.Broker,
		metrics:          opts.Metrics,
		version:          opts.Version,
		authDeadline:     opts.AuthDeadline,
		pingInterval:     opts.PingInterval,
		idleCutoff:       opts.IdleCutoff,
		slowClientCutoff: opts.SlowClientCutoff,
		mailboxSize:      opts.MailboxSize,
		log:              log.WithComponent("hub"),
	}
}

// HandleConn adopts an upgraded connection and runs it until it closes.
// When cred is non-nil the connection was pre-authenticated during the
// HTTP upgrade (bearer header or key query parameter) and skips the
// in-band handshake.
func (h *Hub) HandleConn(conn *websocket.Conn, cred *auth.DeviceCredential, key string) {
	c := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan outbound, h.mailboxSize),
		done: make(chan struct{}),
		log:  h.log,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.ClientsConnected.Inc()

	h.log.Debug("client connected", slog.String("client_id", c.id))

	c.Deliver(wire.New(wire.TypeConnected, wire.ConnectedPayload{
		ClientID:      c.id,
		ServerTime:    time.Now().UTC(),
		ServerVersion: h.version,
	}))

	if cred != nil {
		c.markAuthenticated(key, cred.DeviceID)
		c.Deliver(wire.New(wire.TypeAuthenticated, wire.AuthenticatedPayload{
			Success:  true,
			DeviceID: cred.DeviceID,
		}))
	} else {
		c.mu.Lock()
		c.authTimer = time.AfterFunc(h.authDeadline, func() {
			c.CloseWithCode(wire.CloseUnauthorized, wire.CodeTimeout)
		})
		c.mu.Unlock()
	}

	go c.writePump()
	c.readPump()
}

// RejectUnauthorized tells a freshly upgraded connection its query-string
// key was bad and closes it. The connection never joins the hub.
func (h *Hub) RejectUnauthorized(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(wire.New(wire.TypeAuthenticationFailed, wire.AuthenticationFailedPayload{
		Reason: "invalid or expired credential",
	}))
	msg := websocket.FormatCloseMessage(wire.CloseUnauthorized, wire.CodeUnauthorized)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// removeClient detaches a closed client from the hub and broker.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.ClientsConnected.Dec()
	h.broker.DropClient(c.id)

	h.log.Debug("client disconnected", slog.String("client_id", c.id))
}

// BroadcastAll fans an envelope out to every connected client, regardless
// of subscription.
func (h *Hub) BroadcastAll(env *wire.Envelope) {
	for _, c := range h.snapshot() {
		c.Deliver(env)
	}
}

// EvictKey disconnects every client authenticated with the given
// credential key. Called when a credential is revoked.
func (h *Hub) EvictKey(key string) {
	for _, c := range h.snapshot() {
		c.mu.Lock()
		match := c.credKey != "" && c.credKey == key
		c.mu.Unlock()
		if !match {
			continue
		}
		c.Deliver(wire.New(wire.TypeDisconnecting, wire.DisconnectingPayload{
			Reason: "credential_revoked",
		}))
		c.CloseWithCode(wire.CloseUnauthorized, "credential_revoked")
	}
}

// Shutdown notifies every client and closes their connections. Blocks
// until all clients have torn down or the grace period lapses.
func (h *Hub) Shutdown(grace time.Duration) {
	clients := h.snapshot()
	for _, c := range clients {
		c.Deliver(wire.New(wire.TypeDisconnecting, wire.DisconnectingPayload{
			Reason: "shutdown",
		}))
		c.CloseWithCode(websocket.CloseNormalClosure, "shutdown")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	expired := false
	for _, c := range clients {
		if expired {
			c.teardown(0, "")
			continue
		}
		select {
		case <-c.done:
		case <-timer.C:
			expired = true
			c.teardown(0, "")
		}
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

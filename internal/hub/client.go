package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/porthole-live/porthole/internal/broker"
	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/wire"
)

const (
	// maxFrameBytes is the inbound frame size limit.
	maxFrameBytes = 1 << 20 // 1 MiB

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// offenseWindow and maxOffenses govern when repeated malformed
	// envelopes escalate from an error reply to a close.
	offenseWindow = 10 * time.Second
	maxOffenses   = 3
)

type clientState int

const (
	stateAccepted clientState = iota
	stateAuthenticated
	stateStreaming
	stateClosed
)

// outbound is one item on the client mailbox: either an envelope to write
// or a request to flush and close.
type outbound struct {
	env         *wire.Envelope
	closeCode   int
	closeReason string
}

// Client is one accepted connection. A reader and a writer goroutine
// cooperate over the mailbox; all protocol state lives behind mu and is
// only transitioned by the reader.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan outbound
	done chan struct{}

	closeOnce sync.Once

	mu        sync.Mutex
	state     clientState
	deviceID  string
	credKey   string
	sessionID string
	offenses  []time.Time

	authTimer *time.Timer

	log *logger.Logger
}

// ID implements broker.Subscriber.
func (c *Client) ID() string { return c.id }

// DeviceID implements broker.Subscriber.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Deliver enqueues an envelope in order. When the mailbox stays full past
// the slow-client cutoff the client is closed as a slow consumer; ordering
// is never sacrificed by dropping.
func (c *Client) Deliver(env *wire.Envelope) bool {
	select {
	case c.send <- outbound{env: env}:
		return true
	case <-c.done:
		return false
	default:
	}

	timer := time.NewTimer(c.hub.slowClientCutoff)
	defer timer.Stop()

	select {
	case c.send <- outbound{env: env}:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.hub.metrics.SlowConsumers.Inc()
		c.log.Warn("closing slow consumer", slog.String("client_id", c.id))
		// Deliver is called from under broker locks that teardown needs
		// to re-acquire, so the close has to happen off this goroutine.
		go c.teardown(wire.ClosePolicyViolated, wire.CodeSlowConsumer)
		return false
	}
}

// CloseWithCode asks the writer to flush queued envelopes, send a close
// frame and shut the connection down.
func (c *Client) CloseWithCode(code int, reason string) {
	select {
	case c.send <- outbound{closeCode: code, closeReason: reason}:
	case <-c.done:
	default:
		// Mailbox jammed; no flush to wait for. Off-goroutine for the
		// same lock-ordering reason as the slow-consumer close.
		go c.teardown(code, reason)
	}
}

// teardown closes the connection exactly once and detaches the client
// from the hub and broker. Safe from any goroutine.
func (c *Client) teardown(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		_ = c.conn.Close()

		c.mu.Lock()
		c.state = stateClosed
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.mu.Unlock()

		c.hub.removeClient(c)

		// done closes last: anyone waiting on it (including Shutdown)
		// can rely on the client being fully detached.
		close(c.done)
	})
}

// readPump consumes inbound frames until the connection dies. Any traffic
// refreshes the idle deadline; protocol pongs count as traffic.
func (c *Client) readPump() {
	defer c.teardown(0, "")

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.idleCutoff))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.idleCutoff))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.idleCutoff))

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if !c.offense(wire.CodeInvalidPayload, "envelope is not valid JSON") {
				return
			}
			continue
		}

		if !c.dispatch(&env) {
			return
		}
	}
}

// dispatch routes one inbound envelope. Returns false when the connection
// should stop reading.
func (c *Client) dispatch(env *wire.Envelope) bool {
	switch env.Type {
	case wire.TypePing:
		c.Deliver(wire.New(wire.TypePong, nil))
		return true
	case wire.TypeAuthenticate:
		return c.handleAuthenticate(env)
	case wire.TypeSubscribe:
		return c.handleSubscribe(env)
	case wire.TypeUnsubscribe:
		return c.handleUnsubscribe(env)
	default:
		return c.offense(wire.CodeUnknownType, "unknown message type "+env.Type)
	}
}

func (c *Client) handleAuthenticate(env *wire.Envelope) bool {
	var payload wire.AuthenticatePayload
	if err := env.Decode(&payload); err != nil || payload.Key == "" {
		return c.offense(wire.CodeInvalidPayload, "authenticate requires a key")
	}

	c.mu.Lock()
	if c.state != stateAccepted {
		c.mu.Unlock()
		return c.offense(wire.CodeInvalidPayload, "already authenticated")
	}
	c.mu.Unlock()

	cred, err := c.hub.auth.Validate(payload.Key)
	if err != nil {
		c.Deliver(wire.New(wire.TypeAuthenticationFailed, wire.AuthenticationFailedPayload{
			Reason: "invalid or expired credential",
		}))
		c.CloseWithCode(wire.CloseUnauthorized, wire.CodeUnauthorized)
		return false
	}

	c.markAuthenticated(payload.Key, cred.DeviceID)
	c.Deliver(wire.New(wire.TypeAuthenticated, wire.AuthenticatedPayload{
		Success:  true,
		DeviceID: cred.DeviceID,
	}))
	return true
}

// markAuthenticated flips the one-shot authenticated transition and
// cancels the auth deadline.
func (c *Client) markAuthenticated(key, deviceID string) {
	c.mu.Lock()
	c.state = stateAuthenticated
	c.credKey = key
	c.deviceID = deviceID
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()
}

func (c *Client) handleSubscribe(env *wire.Envelope) bool {
	var payload wire.SubscribePayload
	if err := env.Decode(&payload); err != nil || payload.SessionID == "" {
		return c.offense(wire.CodeInvalidPayload, "subscribe requires a session_id")
	}

	c.mu.Lock()
	switch c.state {
	case stateAccepted:
		c.mu.Unlock()
		c.Deliver(errorEnvelope(wire.CodeNotAuthenticated, "authenticate first"))
		return true
	case stateStreaming:
		c.mu.Unlock()
		c.Deliver(errorEnvelope(wire.CodeAlreadySubscribed, "unsubscribe before subscribing again"))
		return true
	}
	c.mu.Unlock()

	outcome := c.hub.broker.Subscribe(c, payload.SessionID, payload.Force)
	switch outcome.Result {
	case broker.Subscribed:
		c.mu.Lock()
		c.state = stateStreaming
		c.sessionID = payload.SessionID
		c.mu.Unlock()
	case broker.Occupied:
		c.Deliver(wire.New(wire.TypeSessionOccupied, wire.SessionOccupiedPayload{
			SessionID:      payload.SessionID,
			ExistingDevice: outcome.ExistingDevice,
			CanTakeOver:    true,
		}))
	case broker.NoSuchSession:
		c.Deliver(errorEnvelope(wire.CodeUnknownSession, "unknown session "+payload.SessionID))
	}
	return true
}

func (c *Client) handleUnsubscribe(env *wire.Envelope) bool {
	var payload wire.UnsubscribePayload
	_ = env.Decode(&payload)

	c.mu.Lock()
	sessionID := c.sessionID
	streaming := c.state == stateStreaming
	c.mu.Unlock()

	if !streaming {
		c.Deliver(errorEnvelope(wire.CodeInvalidPayload, "no active subscription"))
		return true
	}
	if payload.SessionID != "" && payload.SessionID != sessionID {
		c.Deliver(errorEnvelope(wire.CodeUnknownSession, "not subscribed to "+payload.SessionID))
		return true
	}

	c.hub.broker.Unsubscribe(c.id, sessionID)
	c.mu.Lock()
	c.state = stateAuthenticated
	c.sessionID = ""
	c.mu.Unlock()

	c.Deliver(wire.New(wire.TypeUnsubscribed, wire.UnsubscribedPayload{SessionID: sessionID}))
	return true
}

// offense registers a protocol violation. Returns false once the client
// has exceeded the allowance and must be closed.
func (c *Client) offense(code, message string) bool {
	now := time.Now()

	c.mu.Lock()
	kept := c.offenses[:0]
	for _, t := range c.offenses {
		if now.Sub(t) <= offenseWindow {
			kept = append(kept, t)
		}
	}
	c.offenses = append(kept, now)
	over := len(c.offenses) > maxOffenses
	c.mu.Unlock()

	if over {
		c.CloseWithCode(wire.CloseProtocolError, "protocol_error")
		return false
	}
	c.Deliver(errorEnvelope(code, message))
	return true
}

// writePump owns all frame writes: queued envelopes, protocol pings and
// the closing handshake.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.teardown(0, "")
	}()

	for {
		select {
		case out := <-c.send:
			if out.closeCode != 0 {
				c.teardown(out.closeCode, out.closeReason)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(out.env); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func errorEnvelope(code, message string) *wire.Envelope {
	return wire.New(wire.TypeError, wire.ErrorPayload{Code: code, Message: message})
}

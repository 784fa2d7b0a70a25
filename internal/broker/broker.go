package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/metrics"
	"github.com/porthole-live/porthole/internal/record"
	"github.com/porthole-live/porthole/internal/registry"
	"github.com/porthole-live/porthole/internal/wire"
)

// Subscriber is the broker's view of a connected client. Implemented by
// hub clients; faked in tests.
type Subscriber interface {
	ID() string
	DeviceID() string
	// Deliver enqueues an envelope on the client's mailbox in order.
	// Returns false if the client is gone; the broker drops the
	// subscription when that happens.
	Deliver(env *wire.Envelope) bool
	// CloseWithCode asks the client to flush its mailbox and close.
	CloseWithCode(code int, reason string)
}

// Result of a subscribe attempt.
type Result int

const (
	Subscribed Result = iota
	Occupied
	NoSuchSession
)

// Outcome carries the subscribe result plus the occupying device when the
// session is already taken.
type Outcome struct {
	Result         Result
	ExistingDevice string
}

// Broker owns the per-session subscriber slot and fans session events out
// to it. At most one subscriber exists per session; takeover is the only
// replacement path and is atomic with respect to publishes: every event
// goes to exactly one of the outgoing or incoming subscriber, never both.
type Broker struct {
	mu      sync.Mutex
	subs    map[string]Subscriber
	history map[string]*ring

	// historySize bounds the per-session recent-record ring that feeds
	// the history prelude. Zero disables buffering: events with no
	// subscriber are discarded and subscriptions start live-only.
	historySize int

	reg     *registry.Registry
	metrics *metrics.Metrics
	log     *logger.Logger
}

// New creates a broker backed by the given registry.
func New(reg *registry.Registry, historySize int, m *metrics.Metrics, log *logger.Logger) *Broker {
	return &Broker{
		subs:        make(map[string]Subscriber),
		history:     make(map[string]*ring),
		historySize: historySize,
		reg:         reg,
		metrics:     m,
		log:         log.WithComponent("broker"),
	}
}

// Subscribe attaches sub to sessionID. If the slot is taken and force is
// false the caller gets Occupied with the existing device ID. With force,
// the existing subscriber is notified, evicted and closed before sub is
// installed. On success the history prelude is enqueued before returning,
// so no live event can interleave with it.
func (b *Broker) Subscribe(sub Subscriber, sessionID string, force bool) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The liveness check happens under b.mu so it is ordered against
	// SessionTerminated: either the subscription lands first and gets the
	// termination event, or it is refused. A check outside the lock could
	// install a subscriber just after the termination fan-out, leaving it
	// attached to a dead session with no notice.
	desc, ok := b.reg.Get(sessionID)
	if !ok || desc.Status == registry.StatusTerminated {
		return Outcome{Result: NoSuchSession}
	}

	if existing, taken := b.subs[sessionID]; taken && existing.ID() != sub.ID() {
		if !force {
			return Outcome{Result: Occupied, ExistingDevice: existing.DeviceID()}
		}

		existing.Deliver(wire.New(wire.TypeSessionTakenOver, wire.SessionTakenOverPayload{
			SessionID: sessionID,
			NewDevice: sub.DeviceID(),
		}))
		existing.CloseWithCode(wire.CloseTakeover, "takeover")
		b.metrics.Takeovers.Inc()

		b.log.Info("subscription taken over",
			slog.String("session_id", sessionID),
			slog.String("old_device", existing.DeviceID()),
			slog.String("new_device", sub.DeviceID()))
	}

	b.subs[sessionID] = sub
	b.metrics.Subscriptions.Inc()

	// Ack and history prelude, enqueued under the lock so publishes queue
	// behind HistoryEnd and ordering holds.
	sub.Deliver(wire.New(wire.TypeSubscribed, wire.SubscribedPayload{SessionID: sessionID}))
	sub.Deliver(wire.New(wire.TypeHistoryStart, wire.HistoryMarkerPayload{SessionID: sessionID}))
	if r := b.history[sessionID]; r != nil {
		for _, rec := range r.items() {
			sub.Deliver(recordEnvelope(sessionID, rec, true))
		}
	}
	sub.Deliver(wire.New(wire.TypeHistoryEnd, wire.HistoryMarkerPayload{SessionID: sessionID}))

	return Outcome{Result: Subscribed}
}

// Unsubscribe detaches the client from sessionID if it is the current
// subscriber. Returns whether a subscription was removed.
func (b *Broker) Unsubscribe(clientID, sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[sessionID]
	if !ok || sub.ID() != clientID {
		return false
	}
	delete(b.subs, sessionID)
	return true
}

// DropClient releases any subscription held by a disconnecting client.
func (b *Broker) DropClient(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, sub := range b.subs {
		if sub.ID() == clientID {
			delete(b.subs, sessionID)
		}
	}
}

// PublishRecord fans one record out to the session's subscriber and
// appends it to the history ring. With no subscriber the event is
// discarded (counted), matching the configured buffering policy.
func (b *Broker) PublishRecord(sessionID string, rec *record.Record, historical bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.historySize > 0 {
		r := b.history[sessionID]
		if r == nil {
			r = newRing(b.historySize)
			b.history[sessionID] = r
		}
		r.push(rec)
	}

	sub, ok := b.subs[sessionID]
	if !ok {
		b.metrics.EventsDiscarded.Inc()
		return
	}
	if !sub.Deliver(recordEnvelope(sessionID, rec, historical)) {
		delete(b.subs, sessionID)
	}
}

// PublishState sends a state transition to the session's subscriber.
func (b *Broker) PublishState(sessionID, state string, lastActivity time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[sessionID]
	if !ok {
		return
	}
	if !sub.Deliver(wire.New(wire.TypeSessionState, wire.SessionStatePayload{
		SessionID:    sessionID,
		State:        state,
		LastActivity: lastActivity,
	})) {
		delete(b.subs, sessionID)
	}
}

// SessionRotated resets the history ring after a detected truncation; the
// buffered tail no longer reflects the file.
func (b *Broker) SessionRotated(sessionID string) {
	b.mu.Lock()
	delete(b.history, sessionID)
	b.mu.Unlock()
}

// SessionTerminated notifies the subscriber (if any), releases the slot
// and drops the session's history.
func (b *Broker) SessionTerminated(sessionID, reason string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	delete(b.subs, sessionID)
	delete(b.history, sessionID)
	b.mu.Unlock()

	if ok {
		sub.Deliver(wire.New(wire.TypeSessionTerminated, wire.SessionTerminatedPayload{
			SessionID: sessionID,
			Reason:    reason,
		}))
	}
}

// SubscriberOf returns the current subscriber's client ID, for diagnostics.
func (b *Broker) SubscriberOf(sessionID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[sessionID]
	if !ok {
		return "", false
	}
	return sub.ID(), true
}

func recordEnvelope(sessionID string, rec *record.Record, historical bool) *wire.Envelope {
	return wire.New(wire.TypeSessionMessage, wire.SessionMessagePayload{
		SessionID:  sessionID,
		Role:       string(rec.Role),
		Content:    rec.Content,
		ParentID:   rec.ParentID,
		CreatedAt:  rec.CreatedAt,
		Historical: historical,
	})
}

// ring is a fixed-capacity record buffer that keeps the most recent pushes.
type ring struct {
	buf  []*record.Record
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*record.Record, capacity)}
}

func (r *ring) push(rec *record.Record) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the buffered records oldest-first.
func (r *ring) items() []*record.Record {
	if !r.full {
		return r.buf[:r.next]
	}
	out := make([]*record.Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

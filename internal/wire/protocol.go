package wire

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Client -> server message types.
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
)

// Server -> client message types.
const (
	TypeConnected            = "connected"
	TypeAuthenticated        = "authenticated"
	TypeAuthenticationFailed = "authentication_failed"
	TypeSubscribed           = "subscribed"
	TypeSessionOccupied      = "session_occupied"
	TypeSessionTakenOver     = "session_taken_over"
	TypeUnsubscribed         = "unsubscribed"
	TypeSessionMessage       = "session_message"
	TypeSessionState         = "session_state"
	TypeSessionStatus        = "session_status"
	TypeHistoryStart         = "session_history_start"
	TypeHistoryEnd           = "session_history_end"
	TypeSessionTerminated    = "session_terminated"
	TypeSessionNotification  = "session_notification"
	TypePong                 = "pong"
	TypeError                = "error"
	TypeDisconnecting        = "disconnecting"
)

// Close codes. The 44xx range is application-defined; the rest are the
// standard WebSocket codes.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseProtocolError  = websocket.CloseProtocolError
	ClosePolicyViolated = websocket.ClosePolicyViolation
	CloseServerFault    = websocket.CloseInternalServerErr
	CloseUnauthorized   = 4401
	CloseUnknownSession = 4404
	CloseOccupied       = 4409
	CloseTakeover       = 4429
	CloseServerError    = 4500
)

// Error codes carried in error payloads and HTTP bodies.
const (
	CodeUnknownType       = "unknown_type"
	CodeInvalidPayload    = "invalid_payload"
	CodeNotAuthenticated  = "not_authenticated"
	CodeAlreadySubscribed = "already_subscribed"
	CodeUnknownSession    = "unknown_session"
	CodeSlowConsumer      = "slow_consumer"
	CodeTimeout           = "timeout"
	CodeUnauthorized      = "unauthorized"
	CodeServerError       = "server_error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an envelope around the given payload. Payloads are always
// structs under our control, so a marshal failure is a programming error
// and yields an empty payload rather than a panic.
func New(typ string, payload any) *Envelope {
	env := &Envelope{Type: typ, Timestamp: time.Now().UTC()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			env.Payload = data
		}
	}
	return env
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Client -> server payloads.

type AuthenticatePayload struct {
	Key      string `json:"key"`
	DeviceID string `json:"device_id,omitempty"`
}

type SubscribePayload struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

type UnsubscribePayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// Server -> client payloads.

type ConnectedPayload struct {
	ClientID      string    `json:"client_id"`
	ServerTime    time.Time `json:"server_time"`
	ServerVersion string    `json:"server_version,omitempty"`
}

type AuthenticatedPayload struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"device_id,omitempty"`
}

type AuthenticationFailedPayload struct {
	Reason string `json:"reason"`
}

type SubscribedPayload struct {
	SessionID string `json:"session_id"`
}

type SessionOccupiedPayload struct {
	SessionID      string `json:"session_id"`
	ExistingDevice string `json:"existing_device"`
	CanTakeOver    bool   `json:"can_take_over"`
}

type SessionTakenOverPayload struct {
	SessionID string `json:"session_id"`
	NewDevice string `json:"new_device"`
}

type UnsubscribedPayload struct {
	SessionID string `json:"session_id"`
}

type SessionMessagePayload struct {
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ParentID   string    `json:"parent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Historical bool      `json:"historical,omitempty"`
}

type SessionStatePayload struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"last_activity"`
}

type SessionStatusPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type HistoryMarkerPayload struct {
	SessionID string `json:"session_id"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// NotificationDiscovered is the session_notification kind announcing a
// newly discovered session.
const NotificationDiscovered = "discovered"

type SessionNotificationPayload struct {
	Kind         string `json:"kind"`
	SessionID    string `json:"session_id"`
	ProjectLabel string `json:"project_label,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type DisconnectingPayload struct {
	Reason string `json:"reason"`
}

package classifier

import (
	"log/slog"
	"sync"
	"time"

	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/record"
)

// State is the derived three-valued session state.
type State string

const (
	// StateWorking means the latest record came from the user: the agent
	// is expected to be producing output.
	StateWorking State = "working"
	// StateWaiting means the latest record came from the assistant: the
	// agent has yielded for input.
	StateWaiting State = "waiting"
	// StateIdle means nothing has arrived within the idle threshold.
	StateIdle State = "idle"
)

type entry struct {
	lastRole record.Role
	lastAt   time.Time
	state    State
}

// Classifier derives working/waiting/idle per session from the record flow
// and wall clock. Record-driven evaluation is immediate; the idle
// transition is driven by the periodic Sweep.
type Classifier struct {
	mu       sync.Mutex
	sessions map[string]*entry

	idleThreshold time.Duration

	// onChange fires on state transitions only, outside the lock.
	onChange func(sessionID string, state State, lastActivity time.Time)

	// now is injectable for tests.
	now func() time.Time

	log *logger.Logger
}

// New creates a classifier with the given idle threshold.
func New(idleThreshold time.Duration, log *logger.Logger) *Classifier {
	return &Classifier{
		sessions:      make(map[string]*entry),
		idleThreshold: idleThreshold,
		now:           time.Now,
		log:           log.WithComponent("classifier"),
	}
}

// OnChange registers the transition listener. Set once before use.
func (c *Classifier) OnChange(fn func(sessionID string, state State, lastActivity time.Time)) {
	c.onChange = fn
}

// OnRecord re-evaluates a session's state for a newly arrived record.
func (c *Classifier) OnRecord(sessionID string, rec *record.Record) {
	var next State
	if rec.Role == record.RoleUser {
		next = StateWorking
	} else {
		next = StateWaiting
	}

	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok {
		e = &entry{}
		c.sessions[sessionID] = e
	}
	e.lastRole = rec.Role
	if rec.CreatedAt.After(e.lastAt) {
		e.lastAt = rec.CreatedAt
	}
	changed := e.state != next
	e.state = next
	lastAt := e.lastAt
	c.mu.Unlock()

	if changed {
		c.emit(sessionID, next, lastAt)
	}
}

// Sweep transitions sessions past the idle threshold to idle. Runs on a
// fixed schedule from the composition root.
func (c *Classifier) Sweep() {
	type transition struct {
		sessionID string
		lastAt    time.Time
	}
	var idle []transition

	now := c.now()
	c.mu.Lock()
	for id, e := range c.sessions {
		if e.state == StateIdle {
			continue
		}
		if e.lastAt.IsZero() || now.Sub(e.lastAt) >= c.idleThreshold {
			e.state = StateIdle
			idle = append(idle, transition{sessionID: id, lastAt: e.lastAt})
		}
	}
	c.mu.Unlock()

	for _, t := range idle {
		c.emit(t.sessionID, StateIdle, t.lastAt)
	}
}

// Current returns the session's current state, defaulting to idle for
// sessions with no records yet.
func (c *Classifier) Current(sessionID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.sessions[sessionID]; ok && e.state != "" {
		return e.state
	}
	return StateIdle
}

// Remove forgets a terminated session.
func (c *Classifier) Remove(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *Classifier) emit(sessionID string, state State, lastAt time.Time) {
	c.log.Debug("session state changed",
		slog.String("session_id", sessionID),
		slog.String("state", string(state)))

	if c.onChange != nil {
		c.onChange(sessionID, state, lastAt)
	}
}

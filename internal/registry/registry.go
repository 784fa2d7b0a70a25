package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/record"
)

// Status is the lifecycle state of a discovered session.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
)

// Descriptor is the authoritative metadata for one session.
type Descriptor struct {
	SessionID    string    `json:"session_id"`
	ProjectLabel string    `json:"project_label"`
	LogPath      string    `json:"log_path"`
	FirstSeen    time.Time `json:"first_seen"`
	LastActivity time.Time `json:"last_activity"`
	RecordCount  int64     `json:"record_count"`
	Status       Status    `json:"status"`
}

// Registry is the authoritative map of sessions. Reads take a shared lock;
// every mutation is serialized through the write lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Descriptor

	// Discovery/termination listeners, set once before use.
	onDiscovered func(Descriptor)
	onTerminated func(sessionID string)

	log *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Descriptor),
		log:      log.WithComponent("registry"),
	}
}

// OnDiscovered registers the listener invoked when a new session appears.
func (r *Registry) OnDiscovered(fn func(Descriptor)) {
	r.onDiscovered = fn
}

// OnTerminated registers the listener invoked when a session is terminated.
func (r *Registry) OnTerminated(fn func(sessionID string)) {
	r.onTerminated = fn
}

// Upsert installs or refreshes a descriptor. A first sighting fires the
// discovery notification.
func (r *Registry) Upsert(desc Descriptor) {
	r.mu.Lock()
	existing, ok := r.sessions[desc.SessionID]
	if ok {
		// Re-discovery of a known session keeps its history.
		existing.LogPath = desc.LogPath
		existing.ProjectLabel = desc.ProjectLabel
		if existing.Status == StatusTerminated {
			existing.Status = StatusDiscovered
		}
		r.mu.Unlock()
		return
	}
	d := desc
	r.sessions[d.SessionID] = &d
	r.mu.Unlock()

	r.log.Info("session discovered",
		slog.String("session_id", desc.SessionID),
		slog.String("project", desc.ProjectLabel))

	if r.onDiscovered != nil {
		r.onDiscovered(desc)
	}
}

// MarkRecord updates activity metadata for every record a tailer emits.
func (r *Registry) MarkRecord(sessionID string, rec *record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	desc.RecordCount++
	if rec.CreatedAt.After(desc.LastActivity) {
		desc.LastActivity = rec.CreatedAt
	}
	if desc.Status == StatusDiscovered || desc.Status == StatusIdle {
		desc.Status = StatusActive
	}
}

// SetStatus transitions a session's status (used by the classifier for the
// idle transition). Terminated sessions stay terminated.
func (r *Registry) SetStatus(sessionID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.sessions[sessionID]
	if !ok || desc.Status == StatusTerminated {
		return
	}
	desc.Status = status
}

// MarkTerminated transitions a session to terminated and fires the
// termination notification. Idempotent.
func (r *Registry) MarkTerminated(sessionID string) {
	r.mu.Lock()
	desc, ok := r.sessions[sessionID]
	if !ok || desc.Status == StatusTerminated {
		r.mu.Unlock()
		return
	}
	desc.Status = StatusTerminated
	r.mu.Unlock()

	r.log.Info("session terminated", slog.String("session_id", sessionID))

	if r.onTerminated != nil {
		r.onTerminated(sessionID)
	}
}

// Get returns a copy of one descriptor.
func (r *Registry) Get(sessionID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.sessions[sessionID]
	if !ok {
		return Descriptor{}, false
	}
	return *desc, true
}

// List returns copies of all descriptors, newest activity first.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.sessions))
	for _, desc := range r.sessions {
		out = append(out, *desc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Counts returns the total and non-terminated session counts.
func (r *Registry) Counts() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total = len(r.sessions)
	for _, desc := range r.sessions {
		if desc.Status != StatusTerminated {
			active++
		}
	}
	return total, active
}

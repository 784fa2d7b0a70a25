package tailer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/record"
)

const (
	// retryBase and retryCap bound the backoff applied after I/O errors.
	retryBase = 100 * time.Millisecond
	retryCap  = 5 * time.Second
)

// EventType discriminates tail events.
type EventType int

const (
	// EventRecord carries one parsed record in file byte order.
	EventRecord EventType = iota
	// EventParseError reports a line that failed to parse. The offset still
	// advances past the bad line.
	EventParseError
	// EventRotation marks a detected truncation. The offset has been reset
	// to zero and the file is re-read from the start.
	EventRotation
	// EventIOError reports a transient read failure. The tailer retries
	// with backoff.
	EventIOError
	// EventTerminated means the file is gone. No further events follow.
	EventTerminated
)

// Event is what a Tailer emits. Exactly one of Record/Err is set depending
// on Type.
type Event struct {
	Type       EventType
	SessionID  string
	Record     *record.Record
	Historical bool
	Err        error
}

// Tailer follows a single session log file by byte offset. It emits records
// in file byte order, never delivers a byte twice within an epoch, and
// resets to offset zero when the file is truncated.
//
// The events channel is bounded; when the consumer falls behind, the tailer
// blocks rather than drop, preserving ordering.
type Tailer struct {
	path      string
	sessionID string

	events chan Event
	notify chan struct{}

	offset       int64
	caughtUp     bool
	pollInterval time.Duration

	log *logger.Logger
}

// New creates a tailer for the given log file. mailbox bounds the events
// channel; poll is the fallback re-check interval used alongside change
// notifications.
func New(path, sessionID string, mailbox int, poll time.Duration, log *logger.Logger) *Tailer {
	if mailbox <= 0 {
		mailbox = 1024
	}
	return &Tailer{
		path:         path,
		sessionID:    sessionID,
		events:       make(chan Event, mailbox),
		notify:       make(chan struct{}, 1),
		pollInterval: poll,
		log:          log.WithComponent("tailer"),
	}
}

// Events returns the event stream. It is closed when the tailer stops.
func (t *Tailer) Events() <-chan Event {
	return t.events
}

// Poke nudges the tailer to re-read the file. Non-blocking; coalesces with
// any pending nudge.
func (t *Tailer) Poke() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// errFileGone stops the run loop after a terminated event.
var errFileGone = errors.New("log file removed")

// Run tails the file until ctx is cancelled or the file disappears.
// The first pass reads everything already on disk and tags those records
// historical; everything after is live.
func (t *Tailer) Run(ctx context.Context) {
	defer close(t.events)

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	retry := retryBase

	read := func() bool {
		err := t.readNew(ctx)
		switch {
		case err == nil:
			retry = retryBase
			return true
		case errors.Is(err, errFileGone) || errors.Is(err, ctx.Err()):
			return false
		default:
			t.log.Warn("tail read failed",
				slog.String("path", t.path),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", retry))
			if !t.send(ctx, Event{Type: EventIOError, SessionID: t.sessionID, Err: err}) {
				return false
			}
			if !sleep(ctx, jitter(retry)) {
				return false
			}
			retry = min(retry*2, retryCap)
			return true
		}
	}

	// Initial catch-up over existing content.
	if !read() {
		return
	}
	t.caughtUp = true

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.notify:
			if !read() {
				return
			}
		case <-ticker.C:
			if !read() {
				return
			}
		}
	}
}

// readNew stats the file and consumes any bytes past the committed offset.
// The offset only advances past complete lines; a trailing partial line is
// left on disk and re-read on the next wake, so a line split across writes
// is never emitted truncated.
func (t *Tailer) readNew(ctx context.Context) error {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		t.send(ctx, Event{Type: EventTerminated, SessionID: t.sessionID})
		return errFileGone
	}
	if err != nil {
		return err
	}

	size := info.Size()
	if size < t.offset {
		// Truncation: new epoch from byte zero.
		t.log.Info("log truncated, restarting from zero",
			slog.String("path", t.path),
			slog.Int64("old_offset", t.offset),
			slog.Int64("size", size))
		if !t.send(ctx, Event{Type: EventRotation, SessionID: t.sessionID}) {
			return ctx.Err()
		}
		t.offset = 0
	}
	if size == t.offset {
		return nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.send(ctx, Event{Type: EventTerminated, SessionID: t.sessionID})
			return errFileGone
		}
		return err
	}
	defer f.Close()

	if t.offset > 0 {
		if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
			return err
		}
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		if line[len(line)-1] != '\n' {
			// Incomplete trailing line: leave it uncommitted.
			return nil
		}

		rec, perr := record.Parse(line)
		t.offset += int64(len(line))

		switch {
		case perr != nil:
			if !t.send(ctx, Event{Type: EventParseError, SessionID: t.sessionID, Err: perr}) {
				return ctx.Err()
			}
		case rec != nil:
			if !t.send(ctx, Event{
				Type:       EventRecord,
				SessionID:  t.sessionID,
				Record:     rec,
				Historical: !t.caughtUp,
			}) {
				return ctx.Err()
			}
		}

		if err == io.EOF {
			return nil
		}
	}
}

// send delivers an event, blocking until the consumer takes it or ctx ends.
func (t *Tailer) send(ctx context.Context, ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// jitter spreads retries over [d/2, d) so tailers hitting the same fault
// don't stampede in lockstep.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/porthole-live/porthole/internal/broker"
	"github.com/porthole-live/porthole/internal/classifier"
	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/metrics"
	"github.com/porthole-live/porthole/internal/registry"
	"github.com/porthole-live/porthole/internal/tailer"
)

// Options configures a Watcher.
type Options struct {
	// Root is the directory tree holding project subdirectories of
	// session log files.
	Root string
	// ForcePolling disables filesystem notifications and relies on the
	// rescan ticker alone.
	ForcePolling bool
	// PollInterval is the rescan cadence; it also backs the per-file
	// tailer poll.
	PollInterval time.Duration
	// MailboxSize bounds each tailer's event channel.
	MailboxSize int
}

// session is one tracked log file and its running tailer.
type session struct {
	tailer *tailer.Tailer
	cancel context.CancelFunc
	path   string
}

// Watcher discovers session log files under a root directory and runs one
// tailer per file, pumping tail events into the registry, classifier and
// broker. Notification-driven when the platform supports it, with a
// periodic rescan as the safety net (and as the only mechanism when
// polling is forced).
type Watcher struct {
	opts Options

	reg     *registry.Registry
	cls     *classifier.Classifier
	brk     *broker.Broker
	metrics *metrics.Metrics
	log     *logger.Logger
	baseLog *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// New creates a watcher over opts.Root.
func New(opts Options, reg *registry.Registry, cls *classifier.Classifier, brk *broker.Broker, m *metrics.Metrics, log *logger.Logger) *Watcher {
	return &Watcher{
		opts:     opts,
		reg:      reg,
		cls:      cls,
		brk:      brk,
		metrics:  m,
		log:      log.WithComponent("watcher"),
		baseLog:  log,
		sessions: make(map[string]*session),
	}
}

// Healthy reports whether the watch root still exists.
func (w *Watcher) Healthy() bool {
	info, err := os.Stat(w.opts.Root)
	return err == nil && info.IsDir()
}

// Run watches until ctx is cancelled, then stops every tailer and waits
// for their pumps to drain.
func (w *Watcher) Run(ctx context.Context) {
	w.scan(ctx)

	if w.opts.ForcePolling {
		w.log.Info("filesystem notifications disabled, polling only",
			slog.Duration("interval", w.opts.PollInterval))
		w.runPolling(ctx)
	} else {
		w.runNotify(ctx)
	}

	w.mu.Lock()
	for _, s := range w.sessions {
		s.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// runPolling rescans the tree on a fixed cadence.
func (w *Watcher) runPolling(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// runNotify consumes fsnotify events, falling back to polling when the
// notifier cannot be set up. A slow rescan ticker backstops missed events.
func (w *Watcher) runNotify(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("filesystem notifications unavailable, falling back to polling",
			slog.String("error", err.Error()))
		w.runPolling(ctx)
		return
	}
	defer fsw.Close()

	w.addWatches(fsw)

	rescan := time.NewTicker(10 * w.opts.PollInterval)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rescan.C:
			w.scan(ctx)
			w.addWatches(fsw)
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem notification error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			_ = fsw.Add(ev.Name)
			w.scanDir(ctx, ev.Name)
			return
		}
		if isSessionLog(ev.Name) {
			w.addSession(ctx, ev.Name)
		}
	case ev.Has(fsnotify.Write):
		if isSessionLog(ev.Name) {
			w.poke(ev.Name)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if isSessionLog(ev.Name) {
			// The tailer discovers the missing file on its next stat.
			w.poke(ev.Name)
		}
	}
}

// addWatches registers every directory under the root with the notifier.
// Re-adding an already watched directory is a no-op.
func (w *Watcher) addWatches(fsw *fsnotify.Watcher) {
	_ = filepath.WalkDir(w.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.opts.Root {
				return filepath.SkipDir
			}
			_ = fsw.Add(path)
		}
		return nil
	})
}

// scan walks the whole tree and starts tailers for any log file not yet
// tracked.
func (w *Watcher) scan(ctx context.Context) {
	_ = filepath.WalkDir(w.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.opts.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !isSessionLog(path) {
			return nil
		}
		w.addSession(ctx, path)
		return nil
	})
}

func (w *Watcher) scanDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if isSessionLog(path) {
			w.addSession(ctx, path)
		}
	}
}

// addSession starts tracking one log file. Idempotent per session ID.
func (w *Watcher) addSession(ctx context.Context, path string) {
	sessionID := sessionIDFrom(path)
	if sessionID == "" {
		return
	}

	w.mu.Lock()
	if _, ok := w.sessions[sessionID]; ok {
		w.mu.Unlock()
		return
	}
	t := tailer.New(path, sessionID, w.opts.MailboxSize, w.opts.PollInterval, w.baseLog)
	tctx, cancel := context.WithCancel(ctx)
	w.sessions[sessionID] = &session{tailer: t, cancel: cancel, path: path}
	w.mu.Unlock()

	w.reg.Upsert(registry.Descriptor{
		SessionID:    sessionID,
		ProjectLabel: w.projectLabel(path),
		LogPath:      path,
		FirstSeen:    time.Now().UTC(),
		Status:       registry.StatusDiscovered,
	})
	w.metrics.SessionsActive.Inc()

	w.log.Info("tailing session log",
		slog.String("session_id", sessionID),
		slog.String("path", path))

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		t.Run(tctx)
	}()
	go func() {
		defer w.wg.Done()
		w.pump(sessionID, t)
	}()
}

// pump drains one tailer's events into the registry, classifier and
// broker until the tailer stops.
func (w *Watcher) pump(sessionID string, t *tailer.Tailer) {
	for ev := range t.Events() {
		switch ev.Type {
		case tailer.EventRecord:
			w.metrics.RecordsParsed.Inc()
			w.reg.MarkRecord(sessionID, ev.Record)
			// The record goes out before the classifier runs: its state
			// change publishes synchronously, and subscribers must see
			// the message before the transition it caused.
			w.brk.PublishRecord(sessionID, ev.Record, ev.Historical)
			w.cls.OnRecord(sessionID, ev.Record)
		case tailer.EventParseError:
			w.metrics.ParseErrors.Inc()
			w.log.Warn("dropping malformed log line",
				slog.String("session_id", sessionID),
				slog.String("error", ev.Err.Error()))
		case tailer.EventRotation:
			w.metrics.Rotations.Inc()
			w.brk.SessionRotated(sessionID)
		case tailer.EventIOError:
			w.metrics.TailerIOErrors.Inc()
		case tailer.EventTerminated:
			w.reg.MarkTerminated(sessionID)
		}
	}

	w.mu.Lock()
	if s, ok := w.sessions[sessionID]; ok {
		s.cancel()
		delete(w.sessions, sessionID)
	}
	w.mu.Unlock()
	w.metrics.SessionsActive.Dec()
}

// poke nudges the tailer tracking path, if any.
func (w *Watcher) poke(path string) {
	sessionID := sessionIDFrom(path)

	w.mu.Lock()
	s, ok := w.sessions[sessionID]
	w.mu.Unlock()

	if ok {
		s.tailer.Poke()
	}
}

// projectLabel derives the human-facing project name from the first path
// segment under the root.
func (w *Watcher) projectLabel(path string) string {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func isSessionLog(path string) bool {
	return filepath.Ext(path) == ".jsonl"
}

// sessionIDFrom is the file stem: the log name minus its extension.
func sessionIDFrom(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Package fswatch publishes filesystem change events for the active
// workspace directory, thinly wrapping fsnotify. It deliberately does not
// try to classify or debounce events beyond basic coalescing: its consumer
// (the gateway's WS push) decides what a change means.
package fswatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent is one observed filesystem mutation under a watched root.
type ChangeEvent struct {
	Path string
	Op   string
	At   time.Time
}

// Watcher observes a single root directory (non-recursive subtrees are
// added explicitly, matching fsnotify's own model) and publishes
// coalesced change events.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *slog.Logger

	debounce time.Duration
}

// New creates a Watcher. Call Add for each directory to observe, then Run.
func New(debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Watcher{fsw: fsw, log: log, debounce: debounce}, nil
}

// Add registers a directory for watching.
func (w *Watcher) Add(dir string) error {
	return w.fsw.Add(dir)
}

// Run consumes fsnotify events until ctx is canceled, coalescing bursts of
// events on the same path within the debounce window before invoking onChange.
func (w *Watcher) Run(ctx context.Context, onChange func(ChangeEvent)) {
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
		w.fsw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fswatch: watcher error", "err", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if t, exists := pending[ev.Name]; exists {
				t.Stop()
			}
			path, op := ev.Name, ev.Op.String()
			pending[ev.Name] = time.AfterFunc(w.debounce, func() {
				onChange(ChangeEvent{Path: path, Op: op, At: time.Now()})
			})
		}
	}
}

// Close releases the underlying fsnotify watcher without waiting for Run's
// context to cancel.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Package watch notifies observers when session metadata changes on disk.
//
// The watcher monitors a sessions directory with fsnotify and reports
// create/update/remove transitions for *.meta.json snapshots. Snapshot saves
// go through a temp file and rename, so one save surfaces as a single create
// event for the final name; the watcher tracks which sessions it has already
// seen to tell genuine creations from updates. Bursts of events for the same
// session within the debounce window coalesce into one notification.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tillerhq/tiller/internal/logging"
)

const metaSuffix = ".meta.json"

// Op classifies what happened to a session's metadata file.
type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpRemoved Op = "removed"
)

// Notification reports one session's metadata change.
type Notification struct {
	SessionID string `json:"sessionId"`
	Op        Op     `json:"op"`
	Path      string `json:"path"`
}

// Listener receives notifications on the watcher goroutine; it must not
// block.
type Listener func(Notification)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Watcher monitors one sessions directory for metadata changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	debounce time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	subs    []listenerEntry
	nextID  uint64
	started bool

	// known is touched only by the run goroutine after Start.
	known map[string]bool
}

// New creates a watcher over dir, creating the directory if needed so the
// underlying watch can attach. Sessions already on disk count as seen: their
// next change reports as an update, not a creation. A debounce of zero
// delivers every filesystem event immediately.
func New(dir string, debounce time.Duration) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	known := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), metaSuffix) {
				known[strings.TrimSuffix(entry.Name(), metaSuffix)] = true
			}
		}
	}

	return &Watcher{
		watcher:  fsw,
		dir:      dir,
		debounce: debounce,
		logger:   logging.Component("watch"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		known:    known,
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Subscribe registers a listener and returns its unsubscribe closure.
func (w *Watcher) Subscribe(fn Listener) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	w.subs = append(w.subs, listenerEntry{id: id, fn: fn})

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, e := range w.subs {
			if e.id == id {
				w.subs = append(w.subs[:i], w.subs[i+1:]...)
				break
			}
		}
	}
}

// Start begins delivering notifications.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var (
		pending = make(map[string]Notification)
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	flush := func() {
		for _, n := range pending {
			w.notify(n)
		}
		pending = make(map[string]Notification)
	}

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			n, ok := w.classify(ev)
			if !ok {
				continue
			}
			// A create followed by writes inside one window is still a
			// create to observers.
			if prev, dup := pending[n.SessionID]; dup && prev.Op == OpCreated && n.Op == OpUpdated {
				n.Op = OpCreated
			}
			pending[n.SessionID] = n
			if w.debounce <= 0 {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			flush()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("sessions watcher error")
		}
	}
}

// classify maps a raw filesystem event to a notification, filtering out temp
// files and anything that is not a metadata snapshot.
func (w *Watcher) classify(ev fsnotify.Event) (Notification, bool) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, metaSuffix) {
		return Notification{}, false
	}
	id := strings.TrimSuffix(name, metaSuffix)

	n := Notification{SessionID: id, Path: ev.Name}
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if !w.known[id] {
			return Notification{}, false
		}
		delete(w.known, id)
		n.Op = OpRemoved
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if w.known[id] {
			n.Op = OpUpdated
		} else {
			n.Op = OpCreated
			w.known[id] = true
		}
	default:
		return Notification{}, false
	}
	return n, true
}

func (w *Watcher) notify(n Notification) {
	w.mu.Lock()
	subs := make([]Listener, 0, len(w.subs))
	for _, e := range w.subs {
		subs = append(subs, e.fn)
	}
	w.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}

// Stop halts delivery and releases the underlying watch.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
		// Already stopped
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}

package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeEvent is delivered to subscribers after the configuration file was
// rewritten and parsed successfully.
type ChangeEvent struct {
	Path      string
	Config    *Config
	Timestamp time.Time
}

// Subscriber receives configuration changes.
// Implementations must be safe for concurrent use.
type Subscriber interface {
	OnConfigChanged(event ChangeEvent)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ChangeEvent)

// OnConfigChanged calls f(event).
func (f SubscriberFunc) OnConfigChanged(event ChangeEvent) { f(event) }

// Watcher monitors the configuration file and notifies subscribers with the
// reloaded configuration. The parent directory is watched so that editors
// that replace the file by renaming are handled, and a file that does not
// exist yet is picked up when created.
//
// A rewrite that fails to parse is logged and the last good configuration
// is kept.
type Watcher struct {
	mu sync.RWMutex

	path    string
	watcher *fsnotify.Watcher
	current *Config

	subscribers   map[int]Subscriber
	nextID        int
	debounceDelay time.Duration

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	logger *slog.Logger

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the configuration file at path. current is
// the configuration already loaded from it, returned by Current until the
// first reload. Call Start to begin watching and Close when done.
func NewWatcher(path string, current *Config, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:          abs,
		watcher:       fw,
		current:       current,
		subscribers:   make(map[int]Subscriber),
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDelay = d
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. After Close returns no more events are delivered.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()
	return err
}

// Subscribe registers sub and returns a function that unregisters it.
func (w *Watcher) Subscribe(sub Subscriber) (unsubscribe func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.subscribers[id] = sub
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subscribers, id)
	}
}

// Current returns the last configuration that parsed successfully.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Path returns the absolute path of the watched file.
func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	w.logger.Debug("Config file changed", "path", event.Name, "op", event.Op.String())

	w.mu.RLock()
	delay := w.debounceDelay
	w.mu.RUnlock()

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(delay, w.reload)
	w.debounceMu.Unlock()
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	w.debounceMu.Lock()
	w.debounceTimer = nil
	w.debounceMu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring config change", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := make([]Subscriber, 0, len(w.subscribers))
	for _, s := range w.subscribers {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	w.logger.Info("Config reloaded", "path", w.path, "subscribers", len(subs))

	event := ChangeEvent{Path: w.path, Config: cfg, Timestamp: time.Now()}
	for _, s := range subs {
		s.OnConfigChanged(event)
	}
}

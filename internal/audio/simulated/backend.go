// Package simulated provides a silent, clock-driven audio backend. Resources
// "play" for the media's known duration and report the same lifecycle
// events a real player would, which makes the playback engine usable from a
// terminal and in tests.
package simulated

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/inercia/marketchat/internal/voice"
)

// DefaultDuration is used for media whose length cannot be looked up.
const DefaultDuration = 3.0

// ErrReleased is returned by Play on a released resource.
var ErrReleased = errors.New("audio resource released")

// Option configures a Backend.
type Option func(*Backend)

// WithDurationFunc sets the lookup used to find a URL's media length in
// seconds. Returning false falls back to the default duration.
func WithDurationFunc(fn func(url string) (float64, bool)) Option {
	return func(b *Backend) { b.durationOf = fn }
}

// WithDefaultDuration sets the length of media with no known duration.
func WithDefaultDuration(seconds float64) Option {
	return func(b *Backend) {
		if seconds > 0 && !math.IsInf(seconds, 0) {
			b.defaultDuration = seconds
		}
	}
}

// WithLoadDelay delays the loaded and started events after Play.
func WithLoadDelay(d time.Duration) Option {
	return func(b *Backend) { b.loadDelay = d }
}

// WithSpeed plays media faster (> 1) or slower (< 1) than real time.
func WithSpeed(factor float64) Option {
	return func(b *Backend) {
		if factor > 0 && !math.IsInf(factor, 0) {
			b.speed = factor
		}
	}
}

// WithFailure makes every resource opened for url fail with err once it
// starts loading.
func WithFailure(url string, err error) Option {
	return func(b *Backend) { b.failures[url] = err }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// Backend is a voice.Backend whose resources play silently.
type Backend struct {
	durationOf      func(string) (float64, bool)
	defaultDuration float64
	loadDelay       time.Duration
	speed           float64
	failures        map[string]error
	logger          *slog.Logger

	mu   sync.Mutex
	open int
}

// New creates a simulated backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		defaultDuration: DefaultDuration,
		speed:           1,
		failures:        make(map[string]error),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open implements voice.Backend.
func (b *Backend) Open(url string, sink voice.EventSink) (voice.Resource, error) {
	if url == "" {
		return nil, errors.New("empty media url")
	}
	duration := b.defaultDuration
	if b.durationOf != nil {
		if d, ok := b.durationOf(url); ok && d > 0 && !math.IsInf(d, 0) && !math.IsNaN(d) {
			duration = d
		}
	}

	b.mu.Lock()
	b.open++
	b.mu.Unlock()

	b.logger.Debug("simulated audio opened", "url", url, "duration", duration)
	return &resource{
		backend:  b,
		url:      url,
		sink:     sink,
		duration: duration,
		failure:  b.failures[url],
		volume:   1,
	}, nil
}

// OpenResources returns the number of resources opened and not yet released.
func (b *Backend) OpenResources() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *Backend) released() {
	b.mu.Lock()
	b.open--
	b.mu.Unlock()
}

// resource is one simulated playback. Media time advances at the backend's
// speed while playing; an end timer fires when it reaches the duration.
type resource struct {
	backend  *Backend
	url      string
	sink     voice.EventSink
	duration float64
	failure  error

	mu        sync.Mutex
	released  bool
	loaded    bool
	playing   bool
	offset    float64
	startedAt time.Time
	volume    float64
	timer     *time.Timer
	// epoch invalidates pending timers and deliveries on every transition.
	epoch uint64
}

func (r *resource) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	if r.playing {
		return nil
	}
	r.epoch++
	epoch := r.epoch

	if r.failure != nil {
		err := r.failure
		go r.deliver(epoch, func() { r.sink.Failed(err) })
		return nil
	}

	if r.offset >= r.duration {
		r.offset = 0
	}
	delay := r.backend.loadDelay

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		r.mu.Lock()
		if r.released || r.epoch != epoch {
			r.mu.Unlock()
			return
		}
		firstLoad := !r.loaded
		r.loaded = true
		r.playing = true
		r.startedAt = time.Now()
		r.armLocked(epoch)
		r.mu.Unlock()

		if firstLoad {
			r.sink.Loaded(r.duration)
		}
		r.sink.Started()
	}()
	return nil
}

func (r *resource) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.epoch++
	if r.playing {
		r.offset = r.positionLocked()
		r.playing = false
	}
	r.disarmLocked()
}

func (r *resource) Seek(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || math.IsNaN(seconds) {
		return
	}
	r.offset = math.Min(math.Max(seconds, 0), r.duration)
	if r.playing {
		r.epoch++
		r.startedAt = time.Now()
		r.armLocked(r.epoch)
	}
}

func (r *resource) Position() (float64, float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded || r.released {
		return 0, 0, false
	}
	return r.positionLocked(), r.duration, true
}

func (r *resource) SetVolume(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = math.Min(math.Max(v, 0), 1)
}

func (r *resource) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.playing = false
	r.epoch++
	r.disarmLocked()
	r.mu.Unlock()

	r.backend.released()
	r.backend.logger.Debug("simulated audio released", "url", r.url)
}

func (r *resource) positionLocked() float64 {
	if !r.playing {
		return r.offset
	}
	elapsed := time.Since(r.startedAt).Seconds() * r.backend.speed
	return math.Min(r.offset+elapsed, r.duration)
}

// armLocked (re)starts the end timer for the remaining media time.
func (r *resource) armLocked(epoch uint64) {
	r.disarmLocked()
	remaining := (r.duration - r.offset) / r.backend.speed
	if remaining < 0 {
		remaining = 0
	}
	r.timer = time.AfterFunc(time.Duration(remaining*float64(time.Second)), func() {
		r.mu.Lock()
		if r.released || r.epoch != epoch || !r.playing {
			r.mu.Unlock()
			return
		}
		r.playing = false
		r.offset = r.duration
		r.mu.Unlock()
		r.sink.Ended()
	})
}

func (r *resource) disarmLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// deliver runs fn unless the resource moved on since epoch.
func (r *resource) deliver(epoch uint64, fn func()) {
	r.mu.Lock()
	stale := r.released || r.epoch != epoch
	r.mu.Unlock()
	if !stale {
		fn()
	}
}

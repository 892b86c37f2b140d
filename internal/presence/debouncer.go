// Package presence turns local input activity into typing and recording
// signals, and keeps track of the signals received from other participants.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/marketchat/internal/logging"
)

const (
	// DefaultTypingTimeout is how long typing stays on after the last keystroke.
	DefaultTypingTimeout = 400 * time.Millisecond
	// DefaultRecordingTick is the interval between recording updates.
	DefaultRecordingTick = time.Second
)

// Emitter delivers presence signals, typically over the realtime connection.
// Delivery is fire-and-forget.
type Emitter interface {
	SendTyping(threadID string, typing bool)
	SendRecording(threadID string, recording bool, seconds int)
}

// DebouncerConfig configures a Debouncer.
type DebouncerConfig struct {
	TypingTimeout time.Duration
	RecordingTick time.Duration
	Logger        *slog.Logger
}

// Debouncer emits the local user's presence for one thread. Typing is
// debounced with a trailing timer; recording is forwarded as is.
//
// Signals are emitted while the debouncer's lock is held, so they reach the
// emitter in order. The emitter must not call back into the debouncer.
type Debouncer struct {
	threadID      string
	emit          Emitter
	typingTimeout time.Duration
	recordingTick time.Duration
	logger        *slog.Logger

	mu          sync.Mutex
	closed      bool
	typing      bool
	typingTimer *time.Timer
	// typingEpoch invalidates timer callbacks that lost the race with a reset.
	typingEpoch uint64

	recording     bool
	recordSeconds int
	recordStop    chan struct{}
}

// NewDebouncer creates a debouncer for threadID.
func NewDebouncer(threadID string, emit Emitter, cfg DebouncerConfig) *Debouncer {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.RecordingTick <= 0 {
		cfg.RecordingTick = DefaultRecordingTick
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Presence()
	}
	return &Debouncer{
		threadID:      threadID,
		emit:          emit,
		typingTimeout: cfg.TypingTimeout,
		recordingTick: cfg.RecordingTick,
		logger:        logging.WithThread(logger, threadID),
	}
}

// ThreadID returns the thread the debouncer reports for.
func (d *Debouncer) ThreadID() string {
	return d.threadID
}

// NotifyTyping reports whether the draft currently has content.
func (d *Debouncer) NotifyTyping(hasContent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if !hasContent {
		d.stopTypingLocked()
		return
	}

	if !d.typing {
		d.typing = true
		d.logger.Debug("typing started")
		d.emit.SendTyping(d.threadID, true)
	}

	// Restart the trailing timer.
	if d.typingTimer != nil {
		d.typingTimer.Stop()
	}
	d.typingEpoch++
	epoch := d.typingEpoch
	d.typingTimer = time.AfterFunc(d.typingTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed || epoch != d.typingEpoch {
			return
		}
		d.typingTimer = nil
		d.stopTypingLocked()
	})
}

// NotifyRecording forwards a recording update immediately.
func (d *Debouncer) NotifyRecording(isRecording bool, seconds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.emit.SendRecording(d.threadID, isRecording, seconds)
}

// StartRecording emits recording=true and then, once per tick, the elapsed
// recording time in seconds. It does nothing if a recording is running.
func (d *Debouncer) StartRecording() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.recording {
		return
	}
	d.recording = true
	d.recordSeconds = 0
	stop := make(chan struct{})
	d.recordStop = stop
	d.logger.Debug("recording started")
	d.emit.SendRecording(d.threadID, true, 0)

	go func() {
		ticker := time.NewTicker(d.recordingTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.mu.Lock()
				select {
				case <-stop:
					d.mu.Unlock()
					return
				default:
				}
				d.recordSeconds++
				d.emit.SendRecording(d.threadID, true, d.recordSeconds)
				d.mu.Unlock()
			}
		}
	}()
}

// StopRecording emits recording=false and returns the elapsed seconds.
func (d *Debouncer) StopRecording() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recording {
		return 0
	}
	return d.stopRecordingLocked()
}

// IsTyping reports whether typing=true is the last signal sent.
func (d *Debouncer) IsTyping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

// IsRecording reports whether a recording tick is running.
func (d *Debouncer) IsRecording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

// Close clears any active signal and stops all timers. Later calls are
// ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.stopTypingLocked()
	if d.recording {
		d.stopRecordingLocked()
	}
	d.closed = true
}

func (d *Debouncer) stopTypingLocked() {
	if d.typingTimer != nil {
		d.typingTimer.Stop()
		d.typingTimer = nil
	}
	d.typingEpoch++
	if !d.typing {
		return
	}
	d.typing = false
	d.logger.Debug("typing stopped")
	d.emit.SendTyping(d.threadID, false)
}

func (d *Debouncer) stopRecordingLocked() int {
	close(d.recordStop)
	d.recordStop = nil
	d.recording = false
	seconds := d.recordSeconds
	d.logger.Debug("recording stopped", "seconds", seconds)
	d.emit.SendRecording(d.threadID, false, seconds)
	return seconds
}

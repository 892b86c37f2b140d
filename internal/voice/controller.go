package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/inercia/marketchat/internal/logging"
)

// DefaultTickInterval is how often the playing position is refreshed.
const DefaultTickInterval = 100 * time.Millisecond

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("playback controller closed")

// State is the controller's playback state.
type State int

const (
	// StateIdle means no resource is open.
	StateIdle State = iota
	// StateLoading means a resource was opened and playback was requested,
	// but audio has not started yet.
	StateLoading
	// StatePlaying means audio is playing.
	StatePlaying
	// StatePaused means playback was paused mid-track.
	StatePaused
	// StateEnded means a track ended and the transition cue is playing
	// before the next note starts.
	StateEnded
	// StateFailed means the last track failed to load or play.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PlayingState describes the active track while audio plays or is paused.
type PlayingState struct {
	MessageID       string
	AttachmentIndex int
	CurrentTime     float64
	Duration        float64
}

// Track returns the track the state refers to.
func (p PlayingState) Track() Track {
	return Track{MessageID: p.MessageID, AttachmentIndex: p.AttachmentIndex}
}

// Config configures a Controller.
type Config struct {
	// Backend opens audio resources. Required.
	Backend Backend
	// Messages provides the active thread's messages. Required.
	Messages MessageSource
	// Resolver turns attachment paths into URLs. Optional.
	Resolver Resolver
	// Cue plays the sound between chained notes. Optional.
	Cue *CuePlayer
	// TickInterval defaults to DefaultTickInterval.
	TickInterval time.Duration

	// OnScroll is called with the message ID when a track starts playing.
	OnScroll func(messageID string)
	// OnError reports failures that no caller can receive: resource errors
	// and failed starts issued by autoplay.
	OnError func(err error)
	// OnChange is called after every state change and position tick.
	OnChange func()

	Logger *slog.Logger
}

// Controller plays voice notes, owning at most one audio resource at a
// time. When a note ends naturally it plays a transition cue and continues
// with the next note of the sequence, unless the user paused, sought or
// stopped in the meantime.
//
// All fields below mu are guarded by it. Resource events carry the
// generation of the resource that produced them; events from an older
// generation are ignored.
type Controller struct {
	backend      Backend
	messages     MessageSource
	resolver     Resolver
	cue          *CuePlayer
	tickInterval time.Duration
	onScroll     func(string)
	onError      func(error)
	onChange     func()
	logger       *slog.Logger

	mu     sync.Mutex
	closed bool
	state  State

	resource Resource
	gen      uint64
	track    Track
	duration float64
	playing  *PlayingState
	tickStop chan struct{}

	sequence      []VoiceNote
	cursor        int
	autoAdvance   bool
	manualPause   bool
	userSought    bool
	cancelAdvance context.CancelFunc
}

// NewController creates a playback controller.
func NewController(cfg Config) *Controller {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Playback()
	}
	return &Controller{
		backend:      cfg.Backend,
		messages:     cfg.Messages,
		resolver:     cfg.Resolver,
		cue:          cfg.Cue,
		tickInterval: interval,
		onScroll:     cfg.OnScroll,
		onError:      cfg.OnError,
		onChange:     cfg.OnChange,
		logger:       logger,
	}
}

// Play starts the voice attachment at attachmentIndex of message messageID,
// computing the sequence of following notes from the same sender. With
// autoAdvance the rest of the sequence plays automatically.
//
// A missing message or a non-voice attachment is logged and ignored. Any
// open resource is released before the new one is created. An error is
// returned when the resource cannot be opened or refuses to start; all
// playback state is cleared in that case and nothing is retried.
//
// Writes: sequence, cursor, autoAdvance, manualPause, userSought, and the
// resource fields through openLocked.
func (c *Controller) Play(messageID string, attachmentIndex int, autoAdvance bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	msgs := c.messages.Messages()
	pos := -1
	for i := range msgs {
		if msgs[i].ID == messageID {
			pos = i
			break
		}
	}
	if pos < 0 {
		c.mu.Unlock()
		c.logger.Warn("voice note not found", "message_id", messageID)
		return nil
	}
	msg := msgs[pos]
	if attachmentIndex < 0 || attachmentIndex >= len(msg.Attachments) || !msg.Attachments[attachmentIndex].IsVoice() {
		c.mu.Unlock()
		c.logger.Warn("attachment is not a voice note",
			"message_id", messageID, "attachment_index", attachmentIndex)
		return nil
	}

	track := Track{MessageID: messageID, AttachmentIndex: attachmentIndex}
	seq := FindSequence(msgs, pos, msg.Sender(), c.resolver)
	cursor := indexOf(seq, track)
	if cursor < 0 {
		c.mu.Unlock()
		return nil
	}

	c.cancelAdvanceLocked()
	c.sequence = seq
	c.cursor = cursor
	c.autoAdvance = autoAdvance
	c.manualPause = false
	c.userSought = false

	res, gen, err := c.openLocked(seq[cursor])
	if err != nil {
		c.failLocked()
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("open voice note %s: %w", messageID, err)
	}
	c.mu.Unlock()

	c.logger.Debug("voice note requested",
		"message_id", messageID,
		"attachment_index", attachmentIndex,
		"sequence_len", len(seq),
		"auto_advance", autoAdvance)
	c.notify()

	return c.begin(res, gen)
}

// Pause pauses the active track without releasing it and disables
// auto-advance. A pending advance to the next note is cancelled.
//
// Writes: autoAdvance, manualPause, state, tickStop.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelAdvanceLocked()
	c.autoAdvance = false
	if c.resource == nil {
		c.mu.Unlock()
		return
	}
	c.resource.Pause()
	c.manualPause = true
	c.stopTickLocked()
	c.state = StatePaused
	c.mu.Unlock()
	c.notify()
}

// Resume resumes a manually paused track. Auto-advance stays disabled.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.closed || c.resource == nil || !c.manualPause {
		c.mu.Unlock()
		return nil
	}
	res, gen := c.resource, c.gen
	c.mu.Unlock()
	return c.begin(res, gen)
}

// Stop stops playback, releases the resource and forgets the sequence.
//
// Writes: every playback field.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelAdvanceLocked()
	c.stopTickLocked()
	if c.resource != nil {
		c.resource.Pause()
		c.resource.Seek(0)
	}
	c.releaseLocked()
	c.resetSequenceLocked()
	c.state = StateIdle
	c.mu.Unlock()
	c.notify()
}

// Seek moves the active track to seconds. Without an open resource it does
// nothing. Negative or non-finite values are rejected. The time is clamped
// to the track duration when known. Seeking disables auto-advance for the
// rest of the sequence.
//
// Writes: playing.CurrentTime, userSought, autoAdvance.
func (c *Controller) Seek(seconds float64) {
	c.mu.Lock()
	if c.closed || c.resource == nil {
		c.mu.Unlock()
		return
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		c.mu.Unlock()
		c.logger.Warn("invalid seek time ignored", "seconds", seconds)
		return
	}

	if d := c.knownDurationLocked(); d > 0 && seconds > d {
		seconds = d
	}
	c.resource.Seek(seconds)
	if c.playing != nil {
		c.playing.CurrentTime = seconds
	}
	c.userSought = true
	c.autoAdvance = false
	c.cancelAdvanceLocked()
	c.mu.Unlock()
	c.notify()
}

// IsPlaying reports whether track is the active track and is not paused.
func (c *Controller) IsPlaying(track Track) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing != nil && c.playing.Track() == track && !c.manualPause
}

// IsInSequence reports whether track belongs to the current sequence,
// whatever the playback state.
func (c *Controller) IsInSequence(track Track) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return indexOf(c.sequence, track) >= 0
}

// PlayingState returns a copy of the playing state, if any.
func (c *Controller) PlayingState() (PlayingState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing == nil {
		return PlayingState{}, false
	}
	return *c.playing, true
}

// IsPaused reports whether a track is paused mid-way.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resource != nil && c.manualPause
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sequence returns a copy of the current sequence and the cursor position.
func (c *Controller) Sequence() ([]VoiceNote, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := make([]VoiceNote, len(c.sequence))
	copy(seq, c.sequence)
	return seq, c.cursor
}

// Close tears everything down: the resource, the tick, any pending cue and
// the sequence. No callback has any effect after Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelAdvanceLocked()
	c.stopTickLocked()
	if c.resource != nil {
		c.resource.Pause()
	}
	c.releaseLocked()
	c.resetSequenceLocked()
	c.state = StateIdle
	c.mu.Unlock()

	if c.cue != nil {
		c.cue.Stop()
	}
}

// begin asks res to start playing. A refusal fails the track if res is
// still the live resource.
func (c *Controller) begin(res Resource, gen uint64) error {
	if err := res.Play(); err != nil {
		c.mu.Lock()
		live := !c.closed && c.gen == gen
		if live {
			c.failLocked()
		}
		c.mu.Unlock()
		if live {
			c.notify()
		}
		c.logger.Warn("voice note failed to start", "error", err)
		return fmt.Errorf("start voice note: %w", err)
	}
	return nil
}

// openLocked releases any open resource and opens one for note.
//
// Writes: resource, gen, track, duration, playing, state.
func (c *Controller) openLocked(note VoiceNote) (Resource, uint64, error) {
	c.stopTickLocked()
	c.releaseLocked()

	gen := c.gen
	res, err := c.backend.Open(note.AudioURL, &resourceSink{c: c, gen: gen})
	if err != nil {
		return nil, 0, err
	}
	c.resource = res
	c.track = note.Track()
	c.duration = note.Duration
	c.state = StateLoading
	return res, gen, nil
}

// releaseLocked releases the open resource and invalidates its events.
//
// Writes: resource, gen, playing, duration.
func (c *Controller) releaseLocked() {
	if c.resource != nil {
		c.resource.Release()
		c.resource = nil
	}
	c.gen++
	c.playing = nil
	c.duration = 0
}

// resetSequenceLocked forgets the sequence and every playback flag.
func (c *Controller) resetSequenceLocked() {
	c.sequence = nil
	c.cursor = 0
	c.autoAdvance = false
	c.manualPause = false
	c.userSought = false
}

// failLocked clears all playback state after an error.
func (c *Controller) failLocked() {
	c.cancelAdvanceLocked()
	c.stopTickLocked()
	c.releaseLocked()
	c.resetSequenceLocked()
	c.state = StateFailed
}

// finishLocked ends the sequence after the last track, or when advancing
// is not allowed.
func (c *Controller) finishLocked() {
	c.stopTickLocked()
	c.releaseLocked()
	c.resetSequenceLocked()
	c.state = StateIdle
}

func (c *Controller) cancelAdvanceLocked() {
	if c.cancelAdvance != nil {
		c.cancelAdvance()
		c.cancelAdvance = nil
	}
}

// knownDurationLocked returns the track duration, or 0 when unknown.
func (c *Controller) knownDurationLocked() float64 {
	if c.resource != nil {
		if _, d, ready := c.resource.Position(); ready && finite(d) && d > 0 {
			return d
		}
	}
	if finite(c.duration) && c.duration > 0 {
		return c.duration
	}
	return 0
}

func (c *Controller) startTickLocked(gen uint64, track Track) {
	c.stopTickLocked()
	stop := make(chan struct{})
	c.tickStop = stop
	interval := c.tickInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.tick(gen, track)
			}
		}
	}()
}

func (c *Controller) stopTickLocked() {
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

// tick refreshes the playing position from the resource. It does nothing
// unless the resource, the track and the playing state are all still the
// ones the tick was started for.
func (c *Controller) tick(gen uint64, track Track) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != StatePlaying ||
		c.resource == nil || c.playing == nil || c.playing.Track() != track {
		c.mu.Unlock()
		return
	}
	cur, dur, ready := c.resource.Position()
	if !ready || !finite(cur) {
		c.mu.Unlock()
		return
	}
	c.playing.CurrentTime = cur
	if finite(dur) && dur > 0 {
		c.playing.Duration = dur
		c.duration = dur
	}
	c.mu.Unlock()
	c.notify()
}

// live reports whether an event from generation gen is still relevant.
// Must be called with mu held.
func (c *Controller) live(gen uint64) bool {
	return !c.closed && gen == c.gen && c.resource != nil
}

func (c *Controller) handleLoaded(gen uint64, duration float64) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	if finite(duration) && duration > 0 {
		c.duration = duration
		if c.playing != nil {
			c.playing.Duration = duration
		}
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleStarted(gen uint64) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	first := c.playing == nil
	if first {
		c.playing = &PlayingState{
			MessageID:       c.track.MessageID,
			AttachmentIndex: c.track.AttachmentIndex,
			Duration:        c.duration,
		}
	}
	c.manualPause = false
	c.state = StatePlaying
	track := c.track
	c.startTickLocked(gen, track)
	c.mu.Unlock()

	if first {
		c.logger.Debug("voice note playing",
			"message_id", track.MessageID, "attachment_index", track.AttachmentIndex)
		if c.onScroll != nil {
			c.onScroll(track.MessageID)
		}
	}
	c.notify()
}

func (c *Controller) handlePaused(gen uint64) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	c.cancelAdvanceLocked()
	c.manualPause = true
	c.autoAdvance = false
	c.stopTickLocked()
	c.state = StatePaused
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleFailed(gen uint64, err error) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	track := c.track
	c.failLocked()
	c.mu.Unlock()

	c.logger.Warn("voice note playback failed",
		"message_id", track.MessageID,
		"attachment_index", track.AttachmentIndex,
		"error", err)
	c.report(fmt.Errorf("play voice note %s: %w", track.MessageID, err))
	c.notify()
}

// handleEnded runs the advancement procedure: play the cue, then the next
// note of the sequence, unless auto-advance is off, the user paused or
// sought, or the sequence is exhausted.
func (c *Controller) handleEnded(gen uint64) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	c.stopTickLocked()

	if !c.autoAdvance || c.manualPause || c.userSought || c.cursor+1 >= len(c.sequence) {
		c.finishLocked()
		c.mu.Unlock()
		c.logger.Debug("voice sequence finished")
		c.notify()
		return
	}

	c.cursor++
	next := c.sequence[c.cursor]
	c.releaseLocked()
	c.state = StateEnded
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelAdvance = cancel
	advanceGen := c.gen
	c.mu.Unlock()
	c.notify()

	c.advance(ctx, cancel, advanceGen, next)
}

// advance plays the transition cue and then starts next, provided nothing
// happened to the controller in the meantime.
func (c *Controller) advance(ctx context.Context, cancel context.CancelFunc, gen uint64, next VoiceNote) {
	defer cancel()

	if c.cue != nil {
		c.cue.Play(ctx)
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if ctx.Err() != nil || !c.autoAdvance || c.userSought {
		// Interrupted during the cue with no new track opened.
		c.finishLocked()
		c.mu.Unlock()
		c.notify()
		return
	}
	c.cancelAdvance = nil

	res, resGen, err := c.openLocked(next)
	if err != nil {
		c.failLocked()
		c.mu.Unlock()
		c.report(fmt.Errorf("open voice note %s: %w", next.MessageID, err))
		c.notify()
		return
	}
	c.mu.Unlock()

	c.logger.Debug("advancing voice sequence",
		"message_id", next.MessageID, "attachment_index", next.AttachmentIndex)
	c.notify()

	if err := c.begin(res, resGen); err != nil {
		c.report(err)
	}
}

func (c *Controller) report(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// resourceSink routes one resource's events to the controller, tagged with
// the resource's generation.
type resourceSink struct {
	c   *Controller
	gen uint64
}

func (s *resourceSink) Loaded(duration float64) { s.c.handleLoaded(s.gen, duration) }
func (s *resourceSink) Started()                { s.c.handleStarted(s.gen) }
func (s *resourceSink) Paused()                 { s.c.handlePaused(s.gen) }
func (s *resourceSink) Ended()                  { s.c.handleEnded(s.gen) }
func (s *resourceSink) Failed(err error)        { s.c.handleFailed(s.gen, err) }

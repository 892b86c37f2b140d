// Package inbox is the buyer's view of one open thread plus the thread list.
// It owns the message reconciler, the voice playback controller and the
// presence signals, and feeds them from the REST API, the realtime push
// connection and the local cache.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/inercia/marketchat/internal/attachment"
	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/client"
	"github.com/inercia/marketchat/internal/logging"
	"github.com/inercia/marketchat/internal/presence"
	"github.com/inercia/marketchat/internal/reconcile"
	"github.com/inercia/marketchat/internal/voice"
)

// Send limits.
const (
	MaxContentLength = 5000
	MaxAttachments   = 10
)

var (
	// ErrClosed is returned by operations on a closed inbox.
	ErrClosed = errors.New("inbox closed")
	// ErrNoThread is returned when an operation needs an open thread.
	ErrNoThread = errors.New("no thread open")
	// ErrSendFailed wraps the network cause of a failed send.
	ErrSendFailed = errors.New("send failed")
)

// ValidationError reports a message that cannot be sent as composed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// API is the subset of the REST client the inbox uses.
type API interface {
	ListThreads(ctx context.Context) ([]chat.Thread, error)
	GetThread(ctx context.Context, threadID string) (*client.ThreadDetail, error)
	SendMessage(ctx context.Context, threadID string, req client.SendMessageRequest) (*chat.Message, error)
	UploadFiles(ctx context.Context, files []client.UploadFile, duration float64, onProgress client.ProgressFunc) ([]chat.Attachment, error)
	MarkRead(ctx context.Context, threadID string) error
}

// Transport sends presence signals to the other participants.
type Transport interface {
	SendTyping(threadID string, isTyping bool)
	SendRecording(threadID string, isRecording bool, seconds int)
}

// threadJoiner is implemented by transports that need to subscribe to a
// thread's pushed events.
type threadJoiner interface {
	JoinThread(threadID string) error
	LeaveThread(threadID string) error
}

// Cache persists threads and messages between runs.
type Cache interface {
	LoadThreads() ([]chat.Thread, error)
	SaveThreads(threads []chat.Thread) error
	LoadThread(threadID string) (chat.Thread, []chat.Message, error)
	SaveThread(thread chat.Thread, messages []chat.Message) error
}

// Config configures an Inbox.
type Config struct {
	// API is required.
	API API
	// Backend plays voice notes. Required.
	Backend voice.Backend
	// PCM plays the synthesized transition cue. Optional.
	PCM voice.PCMSink
	// Cache is optional.
	Cache Cache

	LocalUser chat.SenderIdentity
	// BaseURL resolves relative attachment paths.
	BaseURL string

	Cue           voice.CueConfig
	TickInterval  time.Duration
	TypingTimeout time.Duration
	RecordingTick time.Duration
	RemoteExpiry  time.Duration

	// OnEvent receives notifications for the rendering layer. It is called
	// synchronously from the component that changed and must not block.
	OnEvent func(Event)

	Logger *slog.Logger
}

// Inbox is safe for concurrent use.
type Inbox struct {
	api       API
	cache     Cache
	local     chat.SenderIdentity
	cfg       Config
	logger    *slog.Logger
	onEvent   func(Event)
	reconcile *reconcile.Reconciler
	player    *voice.Controller
	cue       *voice.CuePlayer
	tracker   *presence.Tracker
	reloads   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	transport Transport
	typing    *presence.Debouncer
}

// New creates an inbox. The thread list is seeded from the cache, if any.
func New(cfg Config) (*Inbox, error) {
	if cfg.API == nil {
		return nil, errors.New("inbox: API is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("inbox: audio backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Inbox()
	}
	remoteExpiry := cfg.RemoteExpiry
	if remoteExpiry <= 0 {
		remoteExpiry = presence.DefaultRemoteExpiry
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Inbox{
		api:     cfg.API,
		cache:   cfg.Cache,
		local:   cfg.LocalUser,
		cfg:     cfg,
		logger:  logger,
		onEvent: cfg.OnEvent,
		ctx:     ctx,
		cancel:  cancel,
	}

	i.reconcile = reconcile.New(reconcile.Config{
		LocalUser:         cfg.LocalUser,
		OnScroll:          func(threadID string) { i.emit(Event{Kind: EventScroll, ThreadID: threadID}) },
		OnMessagesChanged: func(threadID string) { i.emit(Event{Kind: EventMessagesChanged, ThreadID: threadID}) },
		OnThreadsChanged:  func() { i.emit(Event{Kind: EventThreadsChanged}) },
		Logger:            logger,
	})

	i.cue = voice.NewCuePlayer(cfg.Backend, cfg.PCM, cfg.Cue, logging.Playback())
	i.player = voice.NewController(voice.Config{
		Backend:      cfg.Backend,
		Messages:     voice.MessageSourceFunc(i.reconcile.Messages),
		Resolver:     attachment.NewResolver(cfg.BaseURL),
		Cue:          i.cue,
		TickInterval: cfg.TickInterval,
		OnScroll: func(messageID string) {
			i.emit(Event{Kind: EventScroll, ThreadID: i.reconcile.ActiveThread(), MessageID: messageID})
		},
		OnError:  func(err error) { i.emit(Event{Kind: EventError, Err: err}) },
		OnChange: func() { i.emit(Event{Kind: EventPlaybackChanged}) },
	})

	i.tracker = presence.NewTracker(remoteExpiry, func(threadID string) {
		i.emit(Event{Kind: EventPresenceChanged, ThreadID: threadID})
	})

	if cfg.Cache != nil {
		threads, err := cfg.Cache.LoadThreads()
		if err != nil {
			logger.Warn("ignoring unreadable thread cache", "error", err)
		} else if len(threads) > 0 {
			i.reconcile.MergeThreads(threads)
		}
	}
	return i, nil
}

func (i *Inbox) emit(ev Event) {
	if i.onEvent != nil {
		i.onEvent(ev)
	}
}

// SetTransport sets the presence transport, typically the realtime
// connection once it is established. nil disables outgoing presence. If the
// transport can join threads, the open thread is joined.
func (i *Inbox) SetTransport(t Transport) {
	i.mu.Lock()
	old := i.transport
	i.transport = t
	i.mu.Unlock()

	threadID := i.reconcile.ActiveThread()
	if threadID == "" {
		return
	}
	if j, ok := old.(threadJoiner); ok && old != t {
		_ = j.LeaveThread(threadID)
	}
	if j, ok := t.(threadJoiner); ok {
		if err := j.JoinThread(threadID); err != nil {
			i.logger.Warn("failed to join thread", "thread_id", threadID, "error", err)
		}
	}
}

// ActiveThread returns the open thread's ID, or "" when none is open.
func (i *Inbox) ActiveThread() string {
	return i.reconcile.ActiveThread()
}

// Messages returns the open thread's messages.
func (i *Inbox) Messages() []chat.Message {
	return i.reconcile.Messages()
}

// Threads returns the thread list, most recent activity first.
func (i *Inbox) Threads() []chat.Thread {
	return i.reconcile.Threads()
}

// Thread returns a thread from the list.
func (i *Inbox) Thread(threadID string) (chat.Thread, bool) {
	return i.reconcile.Thread(threadID)
}

// IsPending reports whether messageID was sent locally and is not yet
// confirmed by a reload.
func (i *Inbox) IsPending(messageID string) bool {
	return i.reconcile.IsOptimistic(messageID)
}

// TypingPeers returns the other participants currently typing or recording
// in the open thread.
func (i *Inbox) TypingPeers() []presence.Peer {
	threadID := i.reconcile.ActiveThread()
	if threadID == "" {
		return nil
	}
	return i.tracker.Active(threadID)
}

// LoadThreads fetches the thread list.
func (i *Inbox) LoadThreads(ctx context.Context) error {
	if i.isClosed() {
		return ErrClosed
	}
	threads, err := i.api.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("load threads: %w", err)
	}
	i.reconcile.MergeThreads(threads)
	i.saveThreads()
	return nil
}

// OpenThread makes threadID the open thread. Playback is stopped, the
// previous thread's typing signal is cleared, cached messages are shown at
// once and the thread is marked read before the authoritative data is
// loaded. The thread stays open even when loading fails.
func (i *Inbox) OpenThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrNoThread
	}
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	oldTyping := i.typing
	i.typing = nil
	transport := i.transport
	i.mu.Unlock()

	i.player.Stop()

	prev := i.reconcile.ActiveThread()
	if oldTyping != nil {
		oldTyping.Close()
	}
	if prev != "" {
		i.tracker.Clear(prev)
		if j, ok := transport.(threadJoiner); ok && prev != threadID {
			_ = j.LeaveThread(prev)
		}
	}

	logger := logging.WithThread(i.logger, threadID)
	var seed []chat.Message
	if i.cache != nil {
		thread, messages, err := i.cache.LoadThread(threadID)
		switch {
		case err == nil:
			seed = messages
			if _, known := i.reconcile.Thread(threadID); !known {
				i.reconcile.MergeThreads([]chat.Thread{thread})
			}
			logger.Debug("seeded thread from cache", "messages", len(messages))
		default:
			logger.Debug("no cached thread", "error", err)
		}
	}
	i.reconcile.SetActiveThread(threadID, seed)

	typing := presence.NewDebouncer(threadID, emitter{i}, presence.DebouncerConfig{
		TypingTimeout: i.cfg.TypingTimeout,
		RecordingTick: i.cfg.RecordingTick,
		Logger:        logging.Presence(),
	})
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		typing.Close()
		return ErrClosed
	}
	i.typing = typing
	i.mu.Unlock()

	if j, ok := transport.(threadJoiner); ok && prev != threadID {
		if err := j.JoinThread(threadID); err != nil {
			logger.Warn("failed to join thread", "error", err)
		}
	}

	i.reconcile.MarkRead(threadID)
	if err := i.api.MarkRead(ctx, threadID); err != nil {
		logger.Warn("failed to mark thread read", "error", err)
	}

	return i.Reload(ctx)
}

// Reload fetches the open thread's messages and the thread list in
// parallel and merges them. Concurrent reloads of the same thread share one
// request.
func (i *Inbox) Reload(ctx context.Context) error {
	if i.isClosed() {
		return ErrClosed
	}
	threadID := i.reconcile.ActiveThread()
	if threadID == "" {
		return i.LoadThreads(ctx)
	}
	_, err, shared := i.reloads.Do(threadID, func() (any, error) {
		return nil, i.reload(ctx, threadID)
	})
	if shared {
		i.logger.Debug("reload coalesced", "thread_id", threadID)
	}
	return err
}

func (i *Inbox) reload(ctx context.Context, threadID string) error {
	var (
		detail  *client.ThreadDetail
		threads []chat.Thread
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := i.api.GetThread(gctx, threadID)
		if err != nil {
			return fmt.Errorf("load thread %s: %w", threadID, err)
		}
		detail = d
		return nil
	})
	g.Go(func() error {
		t, err := i.api.ListThreads(gctx)
		if err != nil {
			return fmt.Errorf("load threads: %w", err)
		}
		threads = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if detail.Thread.ID != "" && !containsThread(threads, detail.Thread.ID) {
		threads = append(threads, detail.Thread)
	}
	i.reconcile.MergeThreads(threads)
	i.reconcile.MergeReload(threadID, detail.Messages)
	i.saveThreads()
	i.saveThread(threadID)
	return nil
}

func containsThread(threads []chat.Thread, id string) bool {
	for _, t := range threads {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (i *Inbox) saveThreads() {
	if i.cache == nil {
		return
	}
	if err := i.cache.SaveThreads(i.reconcile.Threads()); err != nil {
		i.logger.Warn("failed to cache thread list", "error", err)
	}
}

func (i *Inbox) saveThread(threadID string) {
	if i.cache == nil || i.reconcile.ActiveThread() != threadID {
		return
	}
	thread, ok := i.reconcile.Thread(threadID)
	if !ok {
		thread = chat.Thread{ID: threadID}
	}
	if err := i.cache.SaveThread(thread, i.reconcile.Messages()); err != nil {
		i.logger.Warn("failed to cache thread", "thread_id", threadID, "error", err)
	}
}

// SendRequest is a message composed by the user.
type SendRequest struct {
	Content string
	Files   []client.UploadFile
	// VoiceDuration marks Files as a voice recording of that many seconds.
	VoiceDuration float64
	ReplyTo       string
	// OnProgress receives upload progress. Optional.
	OnProgress client.ProgressFunc
}

func (r SendRequest) validate() error {
	content := strings.TrimSpace(r.Content)
	switch {
	case content == "" && len(r.Files) == 0:
		return &ValidationError{Reason: "message is empty"}
	case len([]rune(r.Content)) > MaxContentLength:
		return &ValidationError{Reason: fmt.Sprintf("content longer than %d characters", MaxContentLength)}
	case len(r.Files) > MaxAttachments:
		return &ValidationError{Reason: fmt.Sprintf("more than %d attachments", MaxAttachments)}
	}
	return nil
}

// Send validates, uploads and sends a message to the open thread, shows it
// immediately and reloads the thread in the background. A network failure
// is returned wrapped in ErrSendFailed; nothing is shown in that case.
func (i *Inbox) Send(ctx context.Context, req SendRequest) (*chat.Message, error) {
	if i.isClosed() {
		return nil, ErrClosed
	}
	threadID := i.reconcile.ActiveThread()
	if threadID == "" {
		return nil, ErrNoThread
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	logger := logging.WithThread(i.logger, threadID)

	var attachments []chat.Attachment
	if len(req.Files) > 0 {
		var err error
		attachments, err = i.api.UploadFiles(ctx, req.Files, req.VoiceDuration, req.OnProgress)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
	}

	msg, err := i.api.SendMessage(ctx, threadID, client.SendMessageRequest{
		Content:     strings.TrimSpace(req.Content),
		Attachments: attachments,
		ReplyTo:     req.ReplyTo,
		ClientID:    uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if msg.ThreadID == "" {
		msg.ThreadID = threadID
	}
	if msg.SenderID == "" {
		msg.SenderID, msg.SenderType = i.local.ID, i.local.Type
	}

	i.reconcile.ApplyOptimisticSend(*msg)
	if d := i.debouncer(); d != nil {
		d.NotifyTyping(false)
	}
	logger.Debug("message sent", "message_id", msg.ID, "attachments", len(attachments))

	i.reloadInBackground()
	return msg, nil
}

func (i *Inbox) reloadInBackground() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.wg.Add(1)
	i.mu.Unlock()

	go func() {
		defer i.wg.Done()
		if err := i.Reload(i.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			i.logger.Warn("background reload failed", "error", err)
			i.emit(Event{Kind: EventError, Err: err})
		}
	}()
}

// UpdateDraft reports the composer's content; it drives the debounced
// "is typing" signal.
func (i *Inbox) UpdateDraft(text string) {
	if d := i.debouncer(); d != nil {
		d.NotifyTyping(strings.TrimSpace(text) != "")
	}
}

// StartRecording announces that the user started recording a voice note.
func (i *Inbox) StartRecording() {
	if d := i.debouncer(); d != nil {
		d.StartRecording()
	}
}

// StopRecording announces the end of a recording and returns its length in
// whole seconds.
func (i *Inbox) StopRecording() int {
	if d := i.debouncer(); d != nil {
		return d.StopRecording()
	}
	return 0
}

func (i *Inbox) debouncer() *presence.Debouncer {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.typing
}

// emitter forwards the debouncer's signals to the current transport.
type emitter struct{ i *Inbox }

func (e emitter) SendTyping(threadID string, isTyping bool) {
	e.i.mu.Lock()
	t := e.i.transport
	e.i.mu.Unlock()
	if t != nil {
		t.SendTyping(threadID, isTyping)
	}
}

func (e emitter) SendRecording(threadID string, isRecording bool, seconds int) {
	e.i.mu.Lock()
	t := e.i.transport
	e.i.mu.Unlock()
	if t != nil {
		t.SendRecording(threadID, isRecording, seconds)
	}
}

// PlayVoiceNote plays a voice attachment and, with autoAdvance, the
// following voice notes from the same sender.
func (i *Inbox) PlayVoiceNote(messageID string, attachmentIndex int, autoAdvance bool) error {
	if i.isClosed() {
		return ErrClosed
	}
	return i.player.Play(messageID, attachmentIndex, autoAdvance)
}

// PausePlayback pauses and disables auto-advance.
func (i *Inbox) PausePlayback() { i.player.Pause() }

// ResumePlayback resumes a paused note; auto-advance stays off.
func (i *Inbox) ResumePlayback() error { return i.player.Resume() }

// StopPlayback stops playback and forgets the sequence.
func (i *Inbox) StopPlayback() { i.player.Stop() }

// SeekTo moves the playing note to seconds and disables auto-advance.
func (i *Inbox) SeekTo(seconds float64) { i.player.Seek(seconds) }

// IsPlaying reports whether the given attachment is the one playing.
func (i *Inbox) IsPlaying(messageID string, attachmentIndex int) bool {
	return i.player.IsPlaying(voice.Track{MessageID: messageID, AttachmentIndex: attachmentIndex})
}

// IsInSequence reports whether the given attachment belongs to the
// current autoplay sequence.
func (i *Inbox) IsInSequence(messageID string, attachmentIndex int) bool {
	return i.player.IsInSequence(voice.Track{MessageID: messageID, AttachmentIndex: attachmentIndex})
}

// PlayingState returns the playing track's position.
func (i *Inbox) PlayingState() (voice.PlayingState, bool) { return i.player.PlayingState() }

// IsPaused reports whether playback is paused mid-track.
func (i *Inbox) IsPaused() bool { return i.player.IsPaused() }

// PlaybackState returns the controller's state.
func (i *Inbox) PlaybackState() voice.State { return i.player.State() }

// ConfigureCue replaces the transition cue settings, for example after a
// configuration reload.
func (i *Inbox) ConfigureCue(cfg voice.CueConfig) {
	i.cue.Configure(cfg)
}

func (i *Inbox) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Close tears the inbox down: playback stops and releases its resource, the
// typing signal is cleared, background reloads are cancelled and waited
// for. Close is idempotent.
func (i *Inbox) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	typing := i.typing
	i.typing = nil
	i.mu.Unlock()

	i.player.Close()
	if typing != nil {
		typing.Close()
	}
	i.tracker.Close()
	i.cancel()
	i.wg.Wait()
	i.logger.Debug("inbox closed")
}

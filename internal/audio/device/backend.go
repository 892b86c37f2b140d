package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"github.com/inercia/marketchat/internal/voice"
)

// MaxMediaBytes caps how much of a voice note is downloaded.
const MaxMediaBytes = 32 << 20

// resampleQuality is passed to beep.Resample.
const resampleQuality = 4

// ErrReleased is returned by Play on a released resource.
var ErrReleased = errors.New("audio resource released")

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient sets the client used to download media.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// Backend is a voice.Backend that downloads, decodes and mixes media into
// an Output.
type Backend struct {
	out    Output
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	open int
}

// New creates a backend playing into out.
func New(out Output, opts ...Option) *Backend {
	b := &Backend{
		out:    out,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open implements voice.Backend. Nothing is downloaded until Play.
func (b *Backend) Open(url string, sink voice.EventSink) (voice.Resource, error) {
	if url == "" {
		return nil, errors.New("empty media url")
	}
	b.mu.Lock()
	b.open++
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	b.logger.Debug("audio opened", "url", url)
	return &resource{
		backend: b,
		url:     url,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		volume:  1,
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

func (b *Backend) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", fmt.Errorf("download %s: larger than %d bytes", url, MaxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// resource is one decoded voice note. Its lock is taken before the
// output's; the output's mixer never takes it.
type resource struct {
	backend *Backend
	url     string
	sink    voice.EventSink
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	released bool
	loading  bool
	loaded   bool
	playing  bool
	ended    bool
	volume   float64
	stream   beep.StreamSeekCloser
	format   beep.Format
	gain     *effects.Gain
	ctrl     *beep.Ctrl
	// chain identifies the streamer chain in the mixer; end callbacks of
	// older chains are ignored.
	chain uint64
	// epoch invalidates pending deliveries on every transition.
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
	r.playing = true
	r.epoch++
	epoch := r.epoch

	switch {
	case r.loading:
		// load starts the chain once decoded.
	case !r.loaded:
		r.loading = true
		go r.load()
	case r.ended:
		r.ended = false
		out := r.backend.out
		out.Lock()
		if r.stream.Position() >= r.stream.Len() {
			_ = r.stream.Seek(0)
		}
		out.Unlock()
		r.startLocked()
		go r.deliver(epoch, r.sink.Started)
	default:
		out := r.backend.out
		out.Lock()
		r.ctrl.Paused = false
		out.Unlock()
		go r.deliver(epoch, r.sink.Started)
	}
	return nil
}

// load downloads and decodes the media, then starts it unless it was
// paused or released meanwhile.
func (r *resource) load() {
	b := r.backend
	stream, format, err := r.open()

	r.mu.Lock()
	r.loading = false
	if r.released {
		r.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		r.playing = false
		r.mu.Unlock()
		b.logger.Debug("audio failed to load", "url", r.url, "error", err)
		r.sink.Failed(err)
		return
	}
	r.stream = stream
	r.format = format
	r.loaded = true
	r.startLocked()
	playing := r.playing
	duration := math.NaN()
	if n := stream.Len(); n > 0 {
		duration = format.SampleRate.D(n).Seconds()
	}
	r.mu.Unlock()

	b.logger.Debug("audio loaded", "url", r.url, "duration", duration, "sample_rate", int(format.SampleRate))
	r.sink.Loaded(duration)
	if playing {
		r.sink.Started()
	}
}

func (r *resource) open() (beep.StreamSeekCloser, beep.Format, error) {
	data, contentType, err := r.backend.fetch(r.ctx, r.url)
	if err != nil {
		return nil, beep.Format{}, err
	}
	kind, err := mediaKind(r.url, contentType)
	if err != nil {
		return nil, beep.Format{}, err
	}
	stream, format, err := decode(kind, data)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("decode %s: %w", r.url, err)
	}
	return stream, format, nil
}

// startLocked adds a new chain for the decoded stream to the output,
// paused unless the resource is playing.
func (r *resource) startLocked() {
	r.chain++
	chain := r.chain

	out := r.backend.out
	var src beep.Streamer = r.stream
	if r.format.SampleRate != out.SampleRate() {
		src = beep.Resample(resampleQuality, r.format.SampleRate, out.SampleRate(), src)
	}
	r.gain = &effects.Gain{Streamer: src, Gain: r.volume - 1}
	r.ctrl = &beep.Ctrl{
		Streamer: beep.Seq(r.gain, beep.Callback(func() {
			// Runs inside the mixer with the output locked.
			go r.finished(chain)
		})),
		Paused: !r.playing,
	}
	out.Play(r.ctrl)
}

func (r *resource) finished(chain uint64) {
	r.mu.Lock()
	if r.released || r.chain != chain || !r.playing {
		r.mu.Unlock()
		return
	}
	r.playing = false
	r.ended = true
	r.epoch++
	r.mu.Unlock()
	r.sink.Ended()
}

func (r *resource) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || !r.playing {
		return
	}
	r.playing = false
	r.epoch++
	if r.ctrl != nil && !r.ended {
		out := r.backend.out
		out.Lock()
		r.ctrl.Paused = true
		out.Unlock()
	}
}

func (r *resource) Seek(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || !r.loaded || math.IsNaN(seconds) {
		return
	}
	n := r.stream.Len()
	p := r.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	p = max(0, min(p, n))

	out := r.backend.out
	out.Lock()
	err := r.stream.Seek(p)
	out.Unlock()
	if err != nil {
		r.backend.logger.Debug("audio seek failed", "url", r.url, "error", err)
	}
}

func (r *resource) Position() (float64, float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded || r.released {
		return 0, 0, false
	}
	out := r.backend.out
	out.Lock()
	pos, n := r.stream.Position(), r.stream.Len()
	out.Unlock()
	sr := r.format.SampleRate
	return sr.D(pos).Seconds(), sr.D(n).Seconds(), true
}

func (r *resource) SetVolume(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = math.Min(math.Max(v, 0), 1)
	if r.gain != nil {
		out := r.backend.out
		out.Lock()
		r.gain.Gain = r.volume - 1
		out.Unlock()
	}
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
	r.chain++
	r.cancel()
	stream := r.stream
	if r.ctrl != nil {
		out := r.backend.out
		out.Lock()
		// A Ctrl without a streamer ends, and the mixer drops it.
		r.ctrl.Streamer = nil
		out.Unlock()
	}
	r.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	r.backend.released()
	r.backend.logger.Debug("audio released", "url", r.url)
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

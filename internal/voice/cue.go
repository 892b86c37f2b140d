package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/marketchat/internal/audio"
)

// Cue defaults.
const (
	DefaultCueToneHz   = 880
	DefaultCueDuration = 150 * time.Millisecond
	DefaultCueVolume   = 0.3

	// DefaultCueMaxWait bounds how long an external cue asset may play.
	DefaultCueMaxWait = 3 * time.Second
)

// CueConfig configures the transition cue.
type CueConfig struct {
	// AssetURL is an optional external cue sound. When empty a tone is
	// synthesized instead.
	AssetURL string
	// Volume in [0, 1] for both the asset and the tone.
	Volume float64
	// ToneHz is the synthesized tone's frequency.
	ToneHz float64
	// ToneDuration is the tone length, and the fixed wait after starting it.
	ToneDuration time.Duration
	// MaxWait bounds the wait for an asset cue to finish.
	MaxWait time.Duration
}

// DefaultCueConfig returns the default cue configuration.
func DefaultCueConfig() CueConfig {
	return CueConfig{
		Volume:       DefaultCueVolume,
		ToneHz:       DefaultCueToneHz,
		ToneDuration: DefaultCueDuration,
		MaxWait:      DefaultCueMaxWait,
	}
}

func (c CueConfig) withDefaults() CueConfig {
	d := DefaultCueConfig()
	if c.Volume <= 0 || c.Volume > 1 {
		c.Volume = d.Volume
	}
	if c.ToneHz <= 0 {
		c.ToneHz = d.ToneHz
	}
	if c.ToneDuration <= 0 {
		c.ToneDuration = d.ToneDuration
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	return c
}

// CuePlayer plays the short sound between two chained voice notes.
// Playing a cue is best effort: Play never fails and always returns within
// a bounded time.
type CuePlayer struct {
	backend Backend
	pcm     PCMSink
	logger  *slog.Logger

	mu      sync.Mutex
	cfg     CueConfig
	pending Resource
}

// NewCuePlayer creates a cue player. backend is used for asset cues and pcm
// for synthesized tones; either may be nil.
func NewCuePlayer(backend Backend, pcm PCMSink, cfg CueConfig, logger *slog.Logger) *CuePlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CuePlayer{
		backend: backend,
		pcm:     pcm,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

// Configure replaces the cue configuration. It applies to the next cue.
func (p *CuePlayer) Configure(cfg CueConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg.withDefaults()
}

// Config returns the current configuration.
func (p *CuePlayer) Config() CueConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Play plays one cue and waits for it. It returns immediately when ctx is
// already done, and stops waiting as soon as ctx is cancelled.
func (p *CuePlayer) Play(ctx context.Context) {
	if ctx.Err() != nil {
		p.logger.Debug("transition cue skipped")
		return
	}

	cfg := p.Config()
	if cfg.AssetURL != "" && p.backend != nil {
		if p.playAsset(ctx, cfg) {
			return
		}
	}
	p.playTone(ctx, cfg)
}

// Stop releases any cue resource still playing.
func (p *CuePlayer) Stop() {
	p.mu.Lock()
	res := p.pending
	p.pending = nil
	p.mu.Unlock()

	if res != nil {
		res.Release()
	}
}

// playAsset plays the configured asset. It returns false if the asset could
// not be started, so the caller can fall back to a tone.
func (p *CuePlayer) playAsset(ctx context.Context, cfg CueConfig) bool {
	sink := newCueSink()
	res, err := p.backend.Open(cfg.AssetURL, sink)
	if err != nil {
		p.logger.Debug("transition cue asset unavailable", "url", cfg.AssetURL, "error", err)
		return false
	}
	res.SetVolume(cfg.Volume)

	p.mu.Lock()
	p.pending = res
	p.mu.Unlock()
	defer p.release(res)

	if err := res.Play(); err != nil {
		p.logger.Debug("transition cue asset failed to start", "url", cfg.AssetURL, "error", err)
		return false
	}

	timer := time.NewTimer(cfg.MaxWait)
	defer timer.Stop()

	select {
	case err := <-sink.done:
		if err != nil {
			p.logger.Debug("transition cue asset failed", "error", err)
		}
	case <-timer.C:
		p.logger.Debug("transition cue asset timed out", "max_wait", cfg.MaxWait)
	case <-ctx.Done():
	}
	return true
}

// playTone starts a synthesized tone and waits for its nominal length,
// whether or not the sink managed to play it.
func (p *CuePlayer) playTone(ctx context.Context, cfg CueConfig) {
	if p.pcm != nil {
		samples := audio.RenderTone(cfg.ToneHz, cfg.ToneDuration, cfg.Volume, audio.DefaultSampleRate)
		go func() {
			if err := p.pcm.PlayPCM(ctx, samples, audio.DefaultSampleRate); err != nil {
				p.logger.Debug("transition tone failed", "error", err)
			}
		}()
	}

	timer := time.NewTimer(cfg.ToneDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (p *CuePlayer) release(res Resource) {
	p.mu.Lock()
	if p.pending == res {
		p.pending = nil
	}
	p.mu.Unlock()
	res.Release()
}

// cueSink turns a cue resource's end or failure into a single channel send.
type cueSink struct {
	once sync.Once
	done chan error
}

func newCueSink() *cueSink {
	return &cueSink{done: make(chan error, 1)}
}

func (s *cueSink) finish(err error) {
	s.once.Do(func() { s.done <- err })
}

func (s *cueSink) Loaded(float64) {}
func (s *cueSink) Started()       {}
func (s *cueSink) Paused()        {}
func (s *cueSink) Ended()         { s.finish(nil) }
func (s *cueSink) Failed(err error) {
	s.finish(err)
}

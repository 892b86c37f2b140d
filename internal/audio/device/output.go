// Package device plays voice notes and cues through a beep mixer. The mixer
// is either the sound card (binaries built with the "speaker" tag) or a
// clock that consumes samples in real time without making a sound.
package device

import (
	"errors"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
)

// DefaultSampleRate is the output rate. Media at other rates is resampled.
const DefaultSampleRate = beep.SampleRate(44100)

// ErrNoSpeaker is returned by Speaker when the binary has no sound card
// support.
var ErrNoSpeaker = errors.New("built without speaker support (rebuild with -tags speaker)")

// Output mixes streamers into a device. Streamers added with Play may only
// be changed between Lock and Unlock.
type Output interface {
	SampleRate() beep.SampleRate
	Play(s ...beep.Streamer)
	Lock()
	Unlock()
}

// ClockOutput is an Output that pulls samples at the pace a sound card
// would and discards them.
type ClockOutput struct {
	sr   beep.SampleRate
	tick time.Duration

	mu     sync.Mutex
	mixer  beep.Mixer
	frames int64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewClockOutput starts a clock output. speed > 1 consumes samples faster
// than real time.
func NewClockOutput(sr beep.SampleRate, speed float64) *ClockOutput {
	if speed <= 0 {
		speed = 1
	}
	o := &ClockOutput{
		sr:   sr,
		tick: 10 * time.Millisecond,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	chunk := sr.N(time.Duration(float64(o.tick) * speed))
	if chunk < 1 {
		chunk = 1
	}
	go o.run(chunk)
	return o
}

func (o *ClockOutput) run(chunk int) {
	defer close(o.done)
	buf := make([][2]float64, chunk)
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.mu.Lock()
			n, _ := o.mixer.Stream(buf)
			o.frames += int64(n)
			o.mu.Unlock()
		}
	}
}

// SampleRate implements Output.
func (o *ClockOutput) SampleRate() beep.SampleRate { return o.sr }

// Play implements Output.
func (o *ClockOutput) Play(s ...beep.Streamer) {
	o.mu.Lock()
	o.mixer.Add(s...)
	o.mu.Unlock()
}

// Lock implements Output.
func (o *ClockOutput) Lock() { o.mu.Lock() }

// Unlock implements Output.
func (o *ClockOutput) Unlock() { o.mu.Unlock() }

// Active returns how many streamers are still playing.
func (o *ClockOutput) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mixer.Len()
}

// Frames returns how many frames were consumed.
func (o *ClockOutput) Frames() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frames
}

// Close stops the clock. Streamers still playing never finish.
func (o *ClockOutput) Close() {
	o.once.Do(func() { close(o.stop) })
	<-o.done
}

// Package audio holds procedural sound generation used by the playback
// engine. Host-specific output lives in subpackages.
package audio

import (
	"math"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/generators"
)

// DefaultSampleRate is the sample rate used for generated cues.
const DefaultSampleRate = 22050

// envelopeTime is the attack and release length applied to generated tones.
const envelopeTime = 10 * time.Millisecond

// streamChunk is how many frames are pulled from a streamer at once.
const streamChunk = 512

// RenderTone renders a mono sine tone. volume is clamped to [0, 1]. A short
// linear attack and release avoid clicks at both ends. It returns nil when
// the tone cannot be rendered at sampleRate.
func RenderTone(freqHz float64, d time.Duration, volume float64, sampleRate int) []float32 {
	if freqHz <= 0 || d <= 0 || sampleRate <= 0 {
		return nil
	}
	sine, err := generators.SineTone(beep.SampleRate(sampleRate), freqHz)
	if err != nil {
		return nil
	}
	volume = math.Max(0, math.Min(1, volume))

	n := samplesFor(d, sampleRate)
	ramp := samplesFor(envelopeTime, sampleRate)
	if ramp*2 > n {
		ramp = n / 2
	}

	tone := &effects.Gain{
		Streamer: beep.Take(n, Envelope(sine, n, ramp)),
		Gain:     volume - 1,
	}
	return Drain(tone, n)
}

// Envelope applies a linear attack of ramp frames and a release ending at
// frame n to s.
func Envelope(s beep.Streamer, n, ramp int) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		k, ok := s.Stream(samples)
		for i := 0; i < k; i++ {
			gain := 1.0
			switch {
			case ramp > 0 && pos < ramp:
				gain = float64(pos) / float64(ramp)
			case ramp > 0 && pos >= n-ramp:
				gain = math.Max(0, float64(n-1-pos)/float64(ramp))
			}
			samples[i][0] *= gain
			samples[i][1] *= gain
			pos++
		}
		return k, ok
	})
}

// Drain reads s to its end and returns its left channel. sizeHint only
// preallocates.
func Drain(s beep.Streamer, sizeHint int) []float32 {
	out := make([]float32, 0, sizeHint)
	buf := make([][2]float64, streamChunk)
	for {
		k, ok := s.Stream(buf)
		for i := 0; i < k; i++ {
			out = append(out, float32(buf[i][0]))
		}
		if !ok {
			return out
		}
	}
}

// Samples streams mono samples on both channels.
func Samples(samples []float32) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(buf [][2]float64) (int, bool) {
		if pos >= len(samples) {
			return 0, false
		}
		k := copy2(buf, samples[pos:])
		pos += k
		return k, true
	})
}

func copy2(dst [][2]float64, src []float32) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		v := float64(src[i])
		dst[i] = [2]float64{v, v}
	}
	return n
}

// SamplesDuration returns how long samples take to play at sampleRate.
func SamplesDuration(samples []float32, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(samples)) * int64(time.Second) / int64(sampleRate))
}

func samplesFor(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

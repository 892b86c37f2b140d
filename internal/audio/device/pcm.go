package device

import (
	"context"
	"fmt"

	"github.com/gopxl/beep/v2"

	"github.com/inercia/marketchat/internal/audio"
)

// PCMSink is a voice.PCMSink playing into an Output.
type PCMSink struct {
	out Output
}

// NewPCMSink creates a sink for out.
func NewPCMSink(out Output) *PCMSink {
	return &PCMSink{out: out}
}

// PlayPCM implements voice.PCMSink. It returns once the samples were mixed
// or ctx is done, in which case the rest is dropped.
func (p *PCMSink) PlayPCM(ctx context.Context, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if len(samples) == 0 {
		return nil
	}

	var s beep.Streamer = audio.Samples(samples)
	if sr := beep.SampleRate(sampleRate); sr != p.out.SampleRate() {
		s = beep.Resample(resampleQuality, sr, p.out.SampleRate(), s)
	}
	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(s, beep.Callback(func() { close(done) }))}
	p.out.Play(ctrl)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.out.Lock()
		ctrl.Streamer = nil
		p.out.Unlock()
		return ctx.Err()
	}
}

package simulated

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/inercia/marketchat/internal/audio"
)

// Speaker is a voice.PCMSink that takes as long as the samples would take
// to play. When Out is set, each buffer is written to it as a WAV file.
type Speaker struct {
	Out io.Writer

	mu     sync.Mutex
	played int
}

// PlayPCM implements voice.PCMSink.
func (s *Speaker) PlayPCM(ctx context.Context, samples []float32, sampleRate int) error {
	s.mu.Lock()
	s.played++
	if s.Out != nil {
		data, err := audio.EncodeWAV(samples, sampleRate)
		if err == nil {
			_, err = s.Out.Write(data)
		}
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	timer := time.NewTimer(audio.SamplesDuration(samples, sampleRate))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Played returns how many buffers were played.
func (s *Speaker) Played() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

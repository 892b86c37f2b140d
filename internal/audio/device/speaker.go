//go:build speaker

package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

var (
	speakerOnce sync.Once
	speakerErr  error
)

// speakerOutput is the process-wide sound card.
type speakerOutput struct {
	sr beep.SampleRate
}

// Speaker opens the sound card at sr with the given buffer length. The
// card is opened once per process; later calls reuse it.
func Speaker(sr beep.SampleRate, buffer time.Duration) (Output, error) {
	speakerOnce.Do(func() {
		if err := speaker.Init(sr, sr.N(buffer)); err != nil {
			speakerErr = fmt.Errorf("open sound card: %w", err)
		}
	})
	if speakerErr != nil {
		return nil, speakerErr
	}
	return speakerOutput{sr: sr}, nil
}

func (o speakerOutput) SampleRate() beep.SampleRate { return o.sr }
func (speakerOutput) Play(s ...beep.Streamer) { speaker.Play(s...) }
func (speakerOutput) Lock() { speaker.Lock() }
func (speakerOutput) Unlock() { speaker.Unlock() }

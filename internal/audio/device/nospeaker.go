//go:build !speaker

package device

import (
	"time"

	"github.com/gopxl/beep/v2"
)

// Speaker reports ErrNoSpeaker: the binary was built without the
// "speaker" tag.
func Speaker(sr beep.SampleRate, buffer time.Duration) (Output, error) {
	return nil, ErrNoSpeaker
}

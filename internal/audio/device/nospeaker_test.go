//go:build !speaker

package device

import (
	"errors"
	"testing"
	"time"
)

func TestSpeaker_NotBuiltIn(t *testing.T) {
	if _, err := Speaker(DefaultSampleRate, 100*time.Millisecond); !errors.Is(err, ErrNoSpeaker) {
		t.Errorf("Speaker() error = %v, want ErrNoSpeaker", err)
	}
}

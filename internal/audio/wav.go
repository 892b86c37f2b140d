package audio

import (
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/orcaman/writerseeker"
)

// Format returns the mono 16-bit format used for generated audio.
func Format(sampleRate int) beep.Format {
	return beep.Format{SampleRate: beep.SampleRate(sampleRate), NumChannels: 1, Precision: 2}
}

// EncodeWAV encodes mono float samples as a 16-bit PCM WAV file, for hosts
// that can only play audio from a file or data URL.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	ws := &writerseeker.WriterSeeker{}
	if err := WriteWAV(ws, samples, sampleRate); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, fmt.Errorf("read encoded wav: %w", err)
	}
	return data, nil
}

// WriteWAV writes samples to w as a WAV file.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if err := wav.Encode(w, Samples(samples), Format(sampleRate)); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	return nil
}

package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

// ErrUnsupportedFormat is reported for media no decoder handles, such as
// WebM or Opus recordings.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Media kinds.
const (
	kindWAV    = "wav"
	kindMP3    = "mp3"
	kindFLAC   = "flac"
	kindVorbis = "vorbis"
)

var (
	kindByExt = map[string]string{
		".wav":  kindWAV,
		".wave": kindWAV,
		".mp3":  kindMP3,
		".flac": kindFLAC,
		".ogg":  kindVorbis,
		".oga":  kindVorbis,
	}
	kindByType = map[string]string{
		"audio/wav":    kindWAV,
		"audio/wave":   kindWAV,
		"audio/x-wav":  kindWAV,
		"audio/mpeg":   kindMP3,
		"audio/mp3":    kindMP3,
		"audio/flac":   kindFLAC,
		"audio/x-flac": kindFLAC,
		"audio/ogg":    kindVorbis,
		"audio/vorbis": kindVorbis,
	}
)

// mediaKind picks a decoder from the URL's extension, falling back to the
// response's content type.
func mediaKind(rawURL, contentType string) (string, error) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if kind, ok := kindByExt[strings.ToLower(path.Ext(p))]; ok {
		return kind, nil
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if kind, ok := kindByType[mt]; ok {
			return kind, nil
		}
	}
	ext := path.Ext(p)
	if ext == "" {
		ext = contentType
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// decode decodes data held in memory.
func decode(kind string, data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	r := bytes.NewReader(data)
	switch kind {
	case kindWAV:
		return wav.Decode(r)
	case kindMP3:
		return mp3.Decode(io.NopCloser(r))
	case kindFLAC:
		return flac.Decode(r)
	case kindVorbis:
		return vorbis.Decode(io.NopCloser(r))
	}
	return nil, beep.Format{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, kind)
}

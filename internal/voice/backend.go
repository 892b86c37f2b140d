package voice

import (
	"context"

	"github.com/inercia/marketchat/internal/chat"
)

// Backend opens audio resources on the host platform. Decoding and output
// are entirely the backend's concern.
type Backend interface {
	// Open creates a resource for url and registers sink for its lifecycle
	// events. Open must not deliver events synchronously; events start
	// flowing once Play is called.
	Open(url string, sink EventSink) (Resource, error)
}

// Resource is a single open audio handle. Its methods must not deliver
// events synchronously.
type Resource interface {
	// Play requests playback to begin or resume. An error means the start
	// was refused (device unavailable, permission denied).
	Play() error
	// Pause pauses without releasing the resource.
	Pause()
	// Seek moves the playback position, in seconds.
	Seek(seconds float64)
	// Position returns the live position and duration in seconds. ready is
	// false while the media is not loaded far enough to report them.
	Position() (current, duration float64, ready bool)
	// SetVolume sets the output volume in [0, 1].
	SetVolume(v float64)
	// Release stops playback and frees the resource. It is idempotent and
	// must not wait for in-flight event deliveries; events that still
	// arrive afterwards are ignored.
	Release()
}

// EventSink receives a resource's lifecycle events. Implementations may
// block; backends must not hold internal locks while calling them.
type EventSink interface {
	// Loaded reports decoded metadata. duration may be NaN or +Inf when
	// the media does not know its length.
	Loaded(duration float64)
	// Started reports that audio actually began (or resumed) playing.
	Started()
	// Paused reports a pause that was not caused by reaching the end.
	Paused()
	// Ended reports natural completion.
	Ended()
	// Failed reports a load, decode or output error.
	Failed(err error)
}

// PCMSink plays raw mono samples in [-1, 1].
type PCMSink interface {
	PlayPCM(ctx context.Context, samples []float32, sampleRate int) error
}

// Resolver turns attachment paths into fetchable URLs.
type Resolver interface {
	Resolve(path string) string
}

// MessageSource provides the current message list of the active thread.
type MessageSource interface {
	Messages() []chat.Message
}

// MessageSourceFunc adapts a function to MessageSource.
type MessageSourceFunc func() []chat.Message

// Messages implements MessageSource.
func (f MessageSourceFunc) Messages() []chat.Message { return f() }

package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inercia/marketchat/internal/chat"
)

var (
	sellerA = chat.SenderIdentity{ID: "seller-a", Type: chat.SenderSeller}
	sellerB = chat.SenderIdentity{ID: "seller-b", Type: chat.SenderSeller}
	buyer   = chat.SenderIdentity{ID: "buyer-1", Type: chat.SenderBuyer}
)

func textMsg(id string, from chat.SenderIdentity, text string) chat.Message {
	return chat.Message{ID: id, SenderID: from.ID, SenderType: from.Type, Content: text}
}

func voiceMsg(id string, from chat.SenderIdentity, durations ...float64) chat.Message {
	m := chat.Message{ID: id, SenderID: from.ID, SenderType: from.Type}
	for i, d := range durations {
		m.Attachments = append(m.Attachments, chat.Attachment{
			Type:     chat.AttachmentVoice,
			Path:     "voice/" + id + "-" + string(rune('a'+i)) + ".webm",
			Duration: d,
		})
	}
	return m
}

func imageMsg(id string, from chat.SenderIdentity) chat.Message {
	return chat.Message{
		ID: id, SenderID: from.ID, SenderType: from.Type,
		Attachments: []chat.Attachment{{Type: chat.AttachmentImage, Path: "img/" + id + ".jpg"}},
	}
}

// fakeBackend records every resource it opens. Events are fired by the
// tests through the fakeResource helpers.
type fakeBackend struct {
	mu         sync.Mutex
	resources  []*fakeResource
	// liveAtOpen records how many unreleased resources existed at each Open.
	liveAtOpen []int
	openErr    error
	playErr    error
	autoEnd    bool
}

func (b *fakeBackend) Open(url string, sink EventSink) (Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := 0
	for _, r := range b.resources {
		if !r.isReleased() {
			live++
		}
	}
	b.liveAtOpen = append(b.liveAtOpen, live)

	if b.openErr != nil {
		return nil, b.openErr
	}
	r := &fakeResource{url: url, sink: sink, playErr: b.playErr, autoEnd: b.autoEnd, volume: 1}
	b.resources = append(b.resources, r)
	return r, nil
}

func (b *fakeBackend) opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resources)
}

func (b *fakeBackend) resource(t *testing.T, i int) *fakeResource {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.resources) {
		t.Fatalf("resource %d not opened (have %d)", i, len(b.resources))
	}
	return b.resources[i]
}

func (b *fakeBackend) live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.resources {
		if !r.isReleased() {
			n++
		}
	}
	return n
}

type fakeResource struct {
	url     string
	sink    EventSink
	playErr error
	autoEnd bool

	mu       sync.Mutex
	plays    int
	pauses   int
	seeks    []float64
	released bool
	current  float64
	duration float64
	ready    bool
	volume   float64
}

func (r *fakeResource) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return errors.New("resource released")
	}
	r.plays++
	if r.playErr != nil {
		return r.playErr
	}
	if r.autoEnd {
		go r.sink.Ended()
	}
	return nil
}

func (r *fakeResource) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses++
}

func (r *fakeResource) Seek(s float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeks = append(r.seeks, s)
	r.current = s
}

func (r *fakeResource) Position() (float64, float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.duration, r.ready
}

func (r *fakeResource) SetVolume(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = v
}

func (r *fakeResource) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
}

func (r *fakeResource) isReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *fakeResource) setPosition(cur, dur float64, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current, r.duration, r.ready = cur, dur, ready
}

// load and start simulate the decoder reporting metadata and playback.
func (r *fakeResource) load(d float64) { r.sink.Loaded(d) }
func (r *fakeResource) start()         { r.sink.Started() }
func (r *fakeResource) end()           { r.sink.Ended() }
func (r *fakeResource) fail(err error) { r.sink.Failed(err) }
func (r *fakeResource) pausedEvent()   { r.sink.Paused() }

// pcmRecorder is a PCMSink that records what it was asked to play.
type pcmRecorder struct {
	mu    sync.Mutex
	calls [][]float32
	err   error
}

func (p *pcmRecorder) PlayPCM(_ context.Context, samples []float32, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, samples)
	return p.err
}

func (p *pcmRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

package voice

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inercia/marketchat/internal/chat"
)

type recorder struct {
	mu      sync.Mutex
	scrolls []string
	errs    []error
	changes atomic.Int64
}

func (r *recorder) scroll(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrolls = append(r.scrolls, id)
}

func (r *recorder) err(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) scrolled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scrolls...)
}

type harness struct {
	backend *fakeBackend
	rec     *recorder
	ctrl    *Controller
	msgs    []chat.Message
}

func newHarness(t *testing.T, msgs []chat.Message, cue *CuePlayer, tick time.Duration) *harness {
	t.Helper()
	h := &harness{backend: &fakeBackend{}, rec: &recorder{}, msgs: msgs}
	h.ctrl = NewController(Config{
		Backend:      h.backend,
		Messages:     MessageSourceFunc(func() []chat.Message { return h.msgs }),
		Cue:          cue,
		TickInterval: tick,
		OnScroll:     h.rec.scroll,
		OnError:      h.rec.err,
		OnChange:     func() { h.rec.changes.Add(1) },
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

func twoNotes() []chat.Message {
	return []chat.Message{
		textMsg("m0", sellerA, "hi there"),
		voiceMsg("m1", sellerA, 5),
		voiceMsg("m2", sellerA, 8),
	}
}

func fastCue(pcm PCMSink) *CuePlayer {
	return NewCuePlayer(nil, pcm, CueConfig{ToneDuration: 5 * time.Millisecond}, nil)
}

func TestController_PlaysSequenceWithCue(t *testing.T) {
	pcm := &pcmRecorder{}
	h := newHarness(t, twoNotes(), fastCue(pcm), time.Hour)

	if err := h.ctrl.Play("m1", 0, true); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if st := h.ctrl.State(); st != StateLoading {
		t.Errorf("State() = %v, want loading", st)
	}
	if _, ok := h.ctrl.PlayingState(); ok {
		t.Error("PlayingState should be unset before audio starts")
	}

	r1 := h.backend.resource(t, 0)
	if r1.url != "voice/m1-a.webm" {
		t.Errorf("opened url = %q", r1.url)
	}
	r1.load(5)
	r1.start()

	ps, ok := h.ctrl.PlayingState()
	if !ok || ps.MessageID != "m1" || ps.Duration != 5 {
		t.Fatalf("PlayingState() = %+v, %v", ps, ok)
	}
	if !h.ctrl.IsPlaying(Track{"m1", 0}) {
		t.Error("IsPlaying(m1) = false")
	}
	if !h.ctrl.IsInSequence(Track{"m2", 0}) || h.ctrl.IsInSequence(Track{"m0", 0}) {
		t.Error("unexpected sequence membership")
	}

	// Ended blocks while the cue plays and returns once m2 is opened.
	r1.end()

	waitFor(t, time.Second, func() bool { return pcm.count() == 1 })
	if h.backend.opened() != 2 {
		t.Fatalf("opened = %d, want 2", h.backend.opened())
	}
	if !r1.isReleased() {
		t.Error("first resource not released")
	}
	r2 := h.backend.resource(t, 1)
	r2.start()

	ps, ok = h.ctrl.PlayingState()
	if !ok || ps.MessageID != "m2" || ps.Duration != 8 {
		t.Fatalf("PlayingState() = %+v, %v", ps, ok)
	}

	r2.end()
	if _, ok := h.ctrl.PlayingState(); ok {
		t.Error("PlayingState should be cleared after the last note")
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("State() = %v, want idle", h.ctrl.State())
	}
	if h.ctrl.IsInSequence(Track{"m1", 0}) {
		t.Error("sequence should be cleared")
	}
	if got := h.rec.scrolled(); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Errorf("scrolls = %v", got)
	}
	if h.backend.live() != 0 {
		t.Errorf("live resources = %d", h.backend.live())
	}
}

func TestController_SingleResource(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	if err := h.ctrl.Play("m1", 0, true); err != nil {
		t.Fatal(err)
	}
	h.backend.resource(t, 0).start()
	if err := h.ctrl.Play("m2", 0, true); err != nil {
		t.Fatal(err)
	}

	if !h.backend.resource(t, 0).isReleased() {
		t.Error("first resource should be released")
	}
	for i, live := range h.backend.liveAtOpen {
		if live != 0 {
			t.Errorf("open #%d saw %d live resources", i, live)
		}
	}
}

func TestController_StaleEventsIgnored(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	_ = h.ctrl.Play("m2", 0, false)
	r2 := h.backend.resource(t, 1)
	r2.start()

	r1.start()
	r1.fail(errors.New("late"))
	r1.end()

	ps, ok := h.ctrl.PlayingState()
	if !ok || ps.MessageID != "m2" {
		t.Errorf("PlayingState() = %+v, %v", ps, ok)
	}
	if h.rec.errCount() != 0 {
		t.Errorf("stale failure was reported")
	}
	if h.backend.opened() != 2 {
		t.Errorf("stale end triggered an advance")
	}
}

func TestController_SeekCancelsAutoplay(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()

	h.ctrl.Seek(2)
	if ps, _ := h.ctrl.PlayingState(); ps.CurrentTime != 2 {
		t.Errorf("CurrentTime = %v, want 2", ps.CurrentTime)
	}
	r1.end()

	if h.backend.opened() != 1 {
		t.Errorf("note 2 should not start after a seek")
	}
	if _, ok := h.ctrl.PlayingState(); ok {
		t.Error("PlayingState should be cleared")
	}
	if h.ctrl.IsInSequence(Track{"m2", 0}) {
		t.Error("m2 should no longer be in sequence")
	}
}

func TestController_SeekValidation(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	// No resource: nothing happens.
	h.ctrl.Seek(3)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.setPosition(0, 30, true)
	r1.start()

	for _, bad := range []float64{math.NaN(), math.Inf(1), -5} {
		h.ctrl.Seek(bad)
	}
	if len(r1.seeks) != 0 {
		t.Errorf("invalid seeks reached the resource: %v", r1.seeks)
	}

	h.ctrl.Seek(1e9)
	if len(r1.seeks) != 1 || r1.seeks[0] != 30 {
		t.Errorf("seeks = %v, want [30]", r1.seeks)
	}
	if ps, _ := h.ctrl.PlayingState(); ps.CurrentTime != 30 {
		t.Errorf("CurrentTime = %v, want 30", ps.CurrentTime)
	}
}

func TestController_SeekClampsToStoredDuration(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()

	h.ctrl.Seek(100)
	if len(r1.seeks) != 1 || r1.seeks[0] != 5 {
		t.Errorf("seeks = %v, want [5]", r1.seeks)
	}
}

func TestController_StopIsTotal(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, 2*time.Millisecond)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.setPosition(1, 5, true)
	r1.start()
	waitFor(t, time.Second, func() bool {
		ps, _ := h.ctrl.PlayingState()
		return ps.CurrentTime == 1
	})

	h.ctrl.Stop()

	if _, ok := h.ctrl.PlayingState(); ok {
		t.Error("PlayingState should be cleared")
	}
	if h.ctrl.IsPlaying(Track{"m1", 0}) || h.ctrl.IsInSequence(Track{"m1", 0}) {
		t.Error("controller still reports m1")
	}
	if !r1.isReleased() {
		t.Error("resource not released")
	}
	if len(r1.seeks) != 1 || r1.seeks[0] != 0 {
		t.Errorf("seeks = %v, want rewind to 0", r1.seeks)
	}

	time.Sleep(5 * time.Millisecond)
	before := h.rec.changes.Load()
	r1.setPosition(3, 5, true)
	time.Sleep(20 * time.Millisecond)
	if after := h.rec.changes.Load(); after != before {
		t.Errorf("ticks still firing after Stop: %d changes", after-before)
	}
	if _, ok := h.ctrl.PlayingState(); ok {
		t.Error("stale tick recreated the playing state")
	}
}

func TestController_TickRefreshesPosition(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, 2*time.Millisecond)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.setPosition(0, 0, false)
	r1.start()

	time.Sleep(10 * time.Millisecond)
	if ps, _ := h.ctrl.PlayingState(); ps.CurrentTime != 0 {
		t.Errorf("not-ready position was used: %v", ps.CurrentTime)
	}

	r1.setPosition(2.5, 6, true)
	waitFor(t, time.Second, func() bool {
		ps, _ := h.ctrl.PlayingState()
		return ps.CurrentTime == 2.5 && ps.Duration == 6
	})
}

func TestController_PauseDisablesAutoAdvance(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()

	h.ctrl.Pause()
	if !h.ctrl.IsPaused() || h.ctrl.IsPlaying(Track{"m1", 0}) {
		t.Error("expected paused state")
	}
	if r1.pauses != 1 || r1.isReleased() {
		t.Error("pause should pause without releasing")
	}
	if _, ok := h.ctrl.PlayingState(); !ok {
		t.Error("PlayingState should survive a pause")
	}

	r1.end()
	if h.backend.opened() != 1 {
		t.Error("paused sequence advanced")
	}
}

func TestController_ResumeKeepsAutoAdvanceOff(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()
	h.ctrl.Pause()

	if err := h.ctrl.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if r1.plays != 2 {
		t.Errorf("plays = %d, want 2", r1.plays)
	}
	r1.start()
	if !h.ctrl.IsPlaying(Track{"m1", 0}) || h.ctrl.IsPaused() {
		t.Error("expected playing after resume")
	}

	r1.end()
	if h.backend.opened() != 1 {
		t.Error("resumed note advanced")
	}
	if got := h.rec.scrolled(); len(got) != 1 {
		t.Errorf("resume should not scroll again: %v", got)
	}
}

func TestController_PausedEventActsLikePause(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()
	r1.pausedEvent()

	if !h.ctrl.IsPaused() || h.ctrl.State() != StatePaused {
		t.Error("expected paused")
	}
	r1.end()
	if h.backend.opened() != 1 {
		t.Error("sequence advanced after an external pause")
	}
}

func TestController_NoAutoAdvance(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, false)
	r1 := h.backend.resource(t, 0)
	r1.start()
	r1.end()

	if h.backend.opened() != 1 {
		t.Error("advanced without autoAdvance")
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("State() = %v", h.ctrl.State())
	}
}

func TestController_ResourceFailure(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()
	r1.fail(errors.New("decode error"))

	if _, ok := h.ctrl.PlayingState(); ok {
		t.Error("PlayingState should be cleared")
	}
	if h.ctrl.State() != StateFailed {
		t.Errorf("State() = %v, want failed", h.ctrl.State())
	}
	if !r1.isReleased() {
		t.Error("failed resource not released")
	}
	if h.rec.errCount() != 1 {
		t.Errorf("errors reported = %d, want 1", h.rec.errCount())
	}
	if h.ctrl.IsInSequence(Track{"m2", 0}) {
		t.Error("sequence should be cleared")
	}
}

func TestController_StartRefused(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)
	h.backend.playErr = errors.New("device busy")

	if err := h.ctrl.Play("m1", 0, true); err == nil {
		t.Fatal("expected an error")
	}
	if h.ctrl.State() != StateFailed {
		t.Errorf("State() = %v, want failed", h.ctrl.State())
	}
	if h.backend.opened() != 1 || h.backend.resource(t, 0).plays != 1 {
		t.Error("start must not be retried")
	}
	if h.backend.live() != 0 {
		t.Error("refused resource not released")
	}
}

func TestController_OpenError(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)
	h.backend.openErr = errors.New("no decoder")

	if err := h.ctrl.Play("m1", 0, true); err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := h.ctrl.PlayingState(); ok {
		t.Error("PlayingState should be unset")
	}
}

func TestController_AdvanceStartRefusedIsReported(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()
	h.backend.mu.Lock()
	h.backend.playErr = errors.New("device lost")
	h.backend.mu.Unlock()
	r1.end()

	if h.rec.errCount() != 1 {
		t.Errorf("errors reported = %d, want 1", h.rec.errCount())
	}
	if h.ctrl.State() != StateFailed {
		t.Errorf("State() = %v, want failed", h.ctrl.State())
	}
}

func TestController_MissingTargetIsNoop(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	if err := h.ctrl.Play("nope", 0, true); err != nil {
		t.Errorf("Play(missing) error = %v", err)
	}
	if err := h.ctrl.Play("m0", 0, true); err != nil {
		t.Errorf("Play(text) error = %v", err)
	}
	if err := h.ctrl.Play("m1", 3, true); err != nil {
		t.Errorf("Play(bad index) error = %v", err)
	}
	if h.backend.opened() != 0 {
		t.Errorf("opened = %d, want 0", h.backend.opened())
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("State() = %v", h.ctrl.State())
	}
}

func TestController_MissingTargetKeepsCurrentTrack(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	h.backend.resource(t, 0).start()
	_ = h.ctrl.Play("gone", 0, true)

	if !h.ctrl.IsPlaying(Track{"m1", 0}) {
		t.Error("current track should be untouched")
	}
}

func TestController_UnknownDuration(t *testing.T) {
	msgs := []chat.Message{voiceMsg("b1", buyer, 0)}
	h := newHarness(t, msgs, nil, time.Hour)

	_ = h.ctrl.Play("b1", 0, true)
	r := h.backend.resource(t, 0)
	r.start()
	r.load(math.Inf(1))
	if ps, _ := h.ctrl.PlayingState(); ps.Duration != 0 {
		t.Errorf("Duration = %v, want 0", ps.Duration)
	}
	r.load(12)
	if ps, _ := h.ctrl.PlayingState(); ps.Duration != 12 {
		t.Errorf("Duration = %v, want 12", ps.Duration)
	}

	// Unknown length: no clamping.
	h2 := newHarness(t, []chat.Message{voiceMsg("b2", buyer, 0)}, nil, time.Hour)
	_ = h2.ctrl.Play("b2", 0, true)
	r2 := h2.backend.resource(t, 0)
	r2.start()
	h2.ctrl.Seek(42)
	if len(r2.seeks) != 1 || r2.seeks[0] != 42 {
		t.Errorf("seeks = %v, want [42]", r2.seeks)
	}
}

func TestController_StopDuringCue(t *testing.T) {
	cue := NewCuePlayer(nil, nil, CueConfig{ToneDuration: 5 * time.Second}, nil)
	h := newHarness(t, twoNotes(), cue, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()

	done := make(chan struct{})
	go func() {
		r1.end()
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return h.ctrl.State() == StateEnded })
	if _, ok := h.ctrl.PlayingState(); ok {
		t.Error("PlayingState should be unset during the cue")
	}

	h.ctrl.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("advance did not return after Stop")
	}
	if h.backend.opened() != 1 {
		t.Error("next note opened after Stop")
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("State() = %v", h.ctrl.State())
	}
}

func TestController_PauseDuringCue(t *testing.T) {
	cue := NewCuePlayer(nil, nil, CueConfig{ToneDuration: 5 * time.Second}, nil)
	h := newHarness(t, twoNotes(), cue, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()

	done := make(chan struct{})
	go func() {
		r1.end()
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return h.ctrl.State() == StateEnded })

	h.ctrl.Pause()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("advance did not return after Pause")
	}
	if h.backend.opened() != 1 {
		t.Error("next note opened after Pause")
	}
	if h.ctrl.IsInSequence(Track{"m2", 0}) {
		t.Error("sequence should be finished")
	}
}

func TestController_PlayDuringCue(t *testing.T) {
	cue := NewCuePlayer(nil, nil, CueConfig{ToneDuration: 5 * time.Second}, nil)
	msgs := append(twoNotes(), textMsg("t", sellerB, "x"), voiceMsg("b1", sellerB, 2))
	h := newHarness(t, msgs, cue, time.Hour)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()

	done := make(chan struct{})
	go func() {
		r1.end()
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return h.ctrl.State() == StateEnded })

	if err := h.ctrl.Play("b1", 0, true); err != nil {
		t.Fatal(err)
	}
	<-done

	if h.backend.opened() != 2 {
		t.Fatalf("opened = %d, want 2", h.backend.opened())
	}
	if url := h.backend.resource(t, 1).url; url != "voice/b1-a.webm" {
		t.Errorf("second resource = %q, want b1", url)
	}
}

func TestController_Close(t *testing.T) {
	h := newHarness(t, twoNotes(), nil, 2*time.Millisecond)

	_ = h.ctrl.Play("m1", 0, true)
	r1 := h.backend.resource(t, 0)
	r1.start()
	h.ctrl.Close()

	if !r1.isReleased() {
		t.Error("resource not released")
	}
	r1.end()
	r1.fail(errors.New("late"))
	if h.backend.opened() != 1 || h.rec.errCount() != 0 {
		t.Error("events processed after Close")
	}
	if err := h.ctrl.Play("m1", 0, true); !errors.Is(err, ErrClosed) {
		t.Errorf("Play after Close = %v, want ErrClosed", err)
	}
	// Idempotent.
	h.ctrl.Close()
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:    "idle",
		StateLoading: "loading",
		StatePlaying: "playing",
		StatePaused:  "paused",
		StateEnded:   "ended",
		StateFailed:  "failed",
		State(42):    "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

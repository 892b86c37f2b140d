package presence

import (
	"sort"
	"sync"
	"time"
)

// DefaultRemoteExpiry drops a remote signal that was never cleared.
const DefaultRemoteExpiry = 6 * time.Second

// Peer is the presence of one remote participant in a thread.
type Peer struct {
	ThreadID         string
	UserID           string
	Typing           bool
	Recording        bool
	RecordingSeconds int
	UpdatedAt        time.Time
}

type peerKey struct {
	threadID string
	userID   string
}

type peerEntry struct {
	peer  Peer
	timer *time.Timer
	epoch uint64
}

// Tracker remembers who is typing or recording in each thread. Entries are
// removed when both signals are cleared, or after the expiry when the
// clearing signal never arrives.
type Tracker struct {
	expiry   time.Duration
	onChange func(threadID string)

	mu     sync.Mutex
	closed bool
	epoch  uint64
	peers  map[peerKey]*peerEntry
}

// NewTracker creates a tracker. onChange, when set, is called outside the
// tracker's lock whenever a thread's peers change, including on expiry.
func NewTracker(expiry time.Duration, onChange func(threadID string)) *Tracker {
	if expiry <= 0 {
		expiry = DefaultRemoteExpiry
	}
	return &Tracker{
		expiry:   expiry,
		onChange: onChange,
		peers:    make(map[peerKey]*peerEntry),
	}
}

// SetTyping records a remote typing signal.
func (t *Tracker) SetTyping(threadID, userID string, typing bool) {
	t.update(threadID, userID, func(p *Peer) {
		p.Typing = typing
	})
}

// SetRecording records a remote recording signal.
func (t *Tracker) SetRecording(threadID, userID string, recording bool, seconds int) {
	t.update(threadID, userID, func(p *Peer) {
		p.Recording = recording
		if recording {
			p.RecordingSeconds = seconds
		} else {
			p.RecordingSeconds = 0
		}
	})
}

// Active returns the peers currently typing or recording in threadID,
// ordered by user ID.
func (t *Tracker) Active(threadID string) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Peer
	for k, e := range t.peers {
		if k.threadID == threadID {
			out = append(out, e.peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Clear forgets every peer of threadID.
func (t *Tracker) Clear(threadID string) {
	t.mu.Lock()
	changed := false
	for k, e := range t.peers {
		if k.threadID == threadID {
			e.timer.Stop()
			delete(t.peers, k)
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify(threadID)
	}
}

// Close stops every expiry timer. Later signals are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, e := range t.peers {
		e.timer.Stop()
		delete(t.peers, k)
	}
}

func (t *Tracker) update(threadID, userID string, apply func(*Peer)) {
	if threadID == "" || userID == "" {
		return
	}
	key := peerKey{threadID: threadID, userID: userID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	e, ok := t.peers[key]
	if !ok {
		e = &peerEntry{peer: Peer{ThreadID: threadID, UserID: userID}}
	}
	before := e.peer
	apply(&e.peer)
	e.peer.UpdatedAt = time.Now()

	if e.timer != nil {
		e.timer.Stop()
	}
	if !e.peer.Typing && !e.peer.Recording {
		delete(t.peers, key)
	} else {
		t.epoch++
		e.epoch = t.epoch
		t.peers[key] = e
		e.timer = t.expireAfter(key, e.epoch)
	}
	changed := before.Typing != e.peer.Typing ||
		before.Recording != e.peer.Recording ||
		before.RecordingSeconds != e.peer.RecordingSeconds
	t.mu.Unlock()

	if changed {
		t.notify(threadID)
	}
}

func (t *Tracker) expireAfter(key peerKey, epoch uint64) *time.Timer {
	return time.AfterFunc(t.expiry, func() {
		t.mu.Lock()
		e, ok := t.peers[key]
		if t.closed || !ok || e.epoch != epoch {
			t.mu.Unlock()
			return
		}
		delete(t.peers, key)
		t.mu.Unlock()
		t.notify(key.threadID)
	})
}

func (t *Tracker) notify(threadID string) {
	if t.onChange != nil {
		t.onChange(threadID)
	}
}

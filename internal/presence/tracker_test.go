package presence

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_TypingAndClear(t *testing.T) {
	var changes atomic.Int32
	tr := NewTracker(time.Hour, func(string) { changes.Add(1) })
	defer tr.Close()

	tr.SetTyping("t1", "bob", true)
	tr.SetTyping("t1", "alice", true)
	tr.SetTyping("t2", "carol", true)

	peers := tr.Active("t1")
	if len(peers) != 2 || peers[0].UserID != "alice" || peers[1].UserID != "bob" {
		t.Fatalf("Active(t1) = %+v", peers)
	}

	tr.SetTyping("t1", "bob", false)
	if peers := tr.Active("t1"); len(peers) != 1 || peers[0].UserID != "alice" {
		t.Errorf("Active(t1) after clear = %+v", peers)
	}
	if changes.Load() != 4 {
		t.Errorf("changes = %d, want 4", changes.Load())
	}

	// Repeating the same signal is not a change.
	tr.SetTyping("t1", "alice", true)
	if changes.Load() != 4 {
		t.Errorf("duplicate signal counted as change")
	}
}

func TestTracker_Recording(t *testing.T) {
	tr := NewTracker(time.Hour, nil)
	defer tr.Close()

	tr.SetRecording("t1", "bob", true, 3)
	peers := tr.Active("t1")
	if len(peers) != 1 || !peers[0].Recording || peers[0].RecordingSeconds != 3 {
		t.Fatalf("Active(t1) = %+v", peers)
	}

	tr.SetTyping("t1", "bob", true)
	tr.SetRecording("t1", "bob", false, 0)
	peers = tr.Active("t1")
	if len(peers) != 1 || !peers[0].Typing || peers[0].Recording {
		t.Errorf("typing should survive the end of recording: %+v", peers)
	}
}

func TestTracker_Expiry(t *testing.T) {
	expired := make(chan string, 1)
	tr := NewTracker(20*time.Millisecond, func(threadID string) {
		select {
		case expired <- threadID:
		default:
		}
	})
	defer tr.Close()

	tr.SetTyping("t1", "bob", true)
	<-expired // the set itself

	select {
	case id := <-expired:
		if id != "t1" {
			t.Errorf("expired thread = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("signal did not expire")
	}
	if peers := tr.Active("t1"); len(peers) != 0 {
		t.Errorf("Active(t1) = %+v, want none", peers)
	}
}

func TestTracker_RefreshExtendsExpiry(t *testing.T) {
	tr := NewTracker(40*time.Millisecond, nil)
	defer tr.Close()

	for i := 0; i < 5; i++ {
		tr.SetRecording("t1", "bob", true, i)
		time.Sleep(15 * time.Millisecond)
	}
	if peers := tr.Active("t1"); len(peers) != 1 {
		t.Errorf("refreshed peer expired early: %+v", peers)
	}
}

func TestTracker_ClearAndClose(t *testing.T) {
	tr := NewTracker(time.Hour, nil)

	tr.SetTyping("t1", "bob", true)
	tr.Clear("t1")
	if peers := tr.Active("t1"); len(peers) != 0 {
		t.Errorf("Active after Clear = %+v", peers)
	}

	tr.Close()
	tr.SetTyping("t1", "bob", true)
	if peers := tr.Active("t1"); len(peers) != 0 {
		t.Errorf("signal accepted after Close: %+v", peers)
	}
}

func TestTracker_IgnoresAnonymous(t *testing.T) {
	tr := NewTracker(time.Hour, nil)
	defer tr.Close()

	tr.SetTyping("t1", "", true)
	tr.SetTyping("", "bob", true)
	if peers := tr.Active("t1"); len(peers) != 0 {
		t.Errorf("Active = %+v", peers)
	}
}

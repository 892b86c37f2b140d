package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/marketchat/internal/chat"
)

// wsServer is a fake realtime endpoint. Frames written to push are sent to
// the connected client; frames the client sends are collected.
type wsServer struct {
	t    *testing.T
	srv  *httptest.Server
	push chan Frame

	mu       sync.Mutex
	received []Frame
	auth     string
	got      chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, push: make(chan Frame, 16), got: make(chan struct{}, 64)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				var f Frame
				if err := conn.ReadJSON(&f); err != nil {
					return
				}
				s.mu.Lock()
				s.received = append(s.received, f)
				s.mu.Unlock()
				s.got <- struct{}{}
			}
		}()

		for {
			select {
			case f, ok := <-s.push:
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
					return
				}
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			case <-readerDone:
				return
			}
		}
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) send(frameType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.t.Fatal(err)
	}
	s.push <- Frame{Type: frameType, Data: raw}
}

// announce queues the "connected" frame FollowThread waits for.
func (s *wsServer) announce() {
	s.send(FrameConnected, map[string]any{"userId": "u-1"})
}

func (s *wsServer) frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.received...)
}

// waitFrames waits until at least n frames were received.
func (s *wsServer) waitFrames(n int) []Frame {
	deadline := time.After(2 * time.Second)
	for {
		if f := s.frames(); len(f) >= n {
			return f
		}
		select {
		case <-s.got:
		case <-deadline:
			s.t.Fatalf("received %d frames, want %d: %+v", len(s.frames()), n, s.frames())
			return nil
		}
	}
}

func decodeData(t *testing.T, f Frame) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(f.Data, &m); err != nil {
		t.Fatalf("decode %s: %v", f.Type, err)
	}
	return m
}

func TestRealtimeURL(t *testing.T) {
	tests := []struct {
		base, prefix, want string
	}{
		{"http://localhost:3000", "/api", "ws://localhost:3000/api/ws"},
		{"https://market.example.com/", "/api", "wss://market.example.com/api/ws"},
		{"https://example.com/market", "/v2", "wss://example.com/market/v2/ws"},
	}
	for _, tt := range tests {
		got, err := New(tt.base, WithAPIPrefix(tt.prefix)).RealtimeURL()
		if err != nil || got != tt.want {
			t.Errorf("RealtimeURL(%q, %q) = %q, %v; want %q", tt.base, tt.prefix, got, err, tt.want)
		}
	}
	if _, err := New("ftp://example.com").RealtimeURL(); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestRealtime_InboundFrames(t *testing.T) {
	s := newWSServer(t)

	type event struct {
		kind string
		args []any
	}
	events := make(chan event, 16)
	rec := func(kind string, args ...any) { events <- event{kind, args} }

	s.announce()
	c := New(s.srv.URL, WithToken("tok"))
	rt, err := c.FollowThread(context.Background(), "t1", RealtimeCallbacks{
		OnConnected:  func(userID string) { rec("connected", userID) },
		OnNewMessage: func(threadID string, m chat.Message) { rec("message", threadID, m.ID, m.ThreadID) },
		OnThreadUpdate: func(threadID string, u chat.ThreadUpdate, last *chat.Message) {
			rec("update", threadID, *u.UnreadCount, last.ID)
		},
		OnUserTyping:    func(threadID, userID string, typing bool) { rec("typing", threadID, userID, typing) },
		OnUserRecording: func(threadID, userID string, on bool, secs int) { rec("recording", threadID, userID, on, secs) },
		OnError:         func(msg string) { rec("error", msg) },
	})
	if err != nil {
		t.Fatalf("FollowThread failed: %v", err)
	}
	defer rt.Close()

	s.send(FrameNewMessage, map[string]any{
		"message": map[string]any{"_id": "m1", "threadId": "t1", "senderId": "s", "senderType": "seller"},
	})
	s.send(FrameThreadUpdate, map[string]any{
		"threadId":    "t1",
		"thread":      map[string]any{"unreadCount": 4},
		"lastMessage": map[string]any{"_id": "m1"},
	})
	s.send(FrameUserTyping, map[string]any{"threadId": "t1", "userId": "s", "isTyping": true})
	s.send(FrameUserRecording, map[string]any{"threadId": "t1", "userId": "s", "isRecording": true, "duration": 3})
	s.send("something_new", map[string]any{})
	s.send(FrameError, map[string]any{"message": "rate limited"})

	want := []string{
		"connected [u-1]",
		"message [t1 m1 t1]",
		"update [t1 4 m1]",
		"typing [t1 s true]",
		"recording [t1 s true 3]",
		"error [rate limited]",
	}
	for i, w := range want {
		select {
		case ev := <-events:
			got := ev.kind + " " + strings.TrimSpace(fmtArgs(ev.args))
			if got != w {
				t.Errorf("event %d = %q, want %q", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
	if rt.UserID() != "u-1" {
		t.Errorf("UserID() = %q", rt.UserID())
	}

	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}

	frames := s.waitFrames(1)
	if frames[0].Type != FrameJoinThread || decodeData(t, frames[0])["threadId"] != "t1" {
		t.Errorf("first outbound frame = %+v", frames[0])
	}
}

func fmtArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		b, _ := json.Marshal(a)
		parts[i] = strings.Trim(string(b), `"`)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func TestRealtime_PresenceRateLimit(t *testing.T) {
	s := newWSServer(t)
	s.announce()

	c := New(s.srv.URL, WithPresenceLimit(0.001, 1))
	rt, err := c.FollowThread(context.Background(), "t1", RealtimeCallbacks{})
	if err != nil {
		t.Fatalf("FollowThread failed: %v", err)
	}
	defer rt.Close()

	rt.SendTyping("t1", true)
	rt.SendTyping("t1", true)       // dropped
	rt.SendRecording("t1", true, 1) // dropped
	rt.SendTyping("t1", false)      // negative frames always go out
	rt.SendRecording("t1", false, 2)

	frames := s.waitFrames(4)
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	want := []string{FrameJoinThread, FrameTyping, FrameTyping, FrameRecording}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	if decodeData(t, frames[1])["isTyping"] != true || decodeData(t, frames[2])["isTyping"] != false {
		t.Errorf("typing frames = %s, %s", frames[1].Data, frames[2].Data)
	}
	rec := decodeData(t, frames[3])
	if rec["isRecording"] != false || rec["duration"] != float64(2) {
		t.Errorf("recording frame = %s", frames[3].Data)
	}
	if rt.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", rt.Dropped())
	}
}

func TestRealtime_ServerClose(t *testing.T) {
	s := newWSServer(t)
	s.announce()

	disconnected := make(chan error, 1)
	rt, err := New(s.srv.URL).FollowThread(context.Background(), "t1", RealtimeCallbacks{
		OnDisconnected: func(err error) { disconnected <- err },
	})
	if err != nil {
		t.Fatalf("FollowThread failed: %v", err)
	}

	close(s.push)
	select {
	case err := <-disconnected:
		if err != nil {
			t.Errorf("normal close reported %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
	<-rt.Done()

	if err := rt.JoinThread("t2"); err != ErrRealtimeClosed {
		t.Errorf("JoinThread after close = %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Errorf("Close after server close = %v", err)
	}
}

func TestRealtime_Close(t *testing.T) {
	s := newWSServer(t)
	s.announce()

	var calls int
	var mu sync.Mutex
	rt, err := New(s.srv.URL).FollowThread(context.Background(), "t1", RealtimeCallbacks{
		OnDisconnected: func(err error) {
			mu.Lock()
			calls++
			mu.Unlock()
			if err != nil {
				t.Errorf("OnDisconnected(%v) after Close", err)
			}
		},
	})
	if err != nil {
		t.Fatalf("FollowThread failed: %v", err)
	}

	rt.Close()
	rt.Close()
	select {
	case <-rt.Done():
	default:
		t.Error("Done() not closed after Close")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("OnDisconnected called %d times", calls)
	}
}

func TestFollowThread_ContextCancelled(t *testing.T) {
	s := newWSServer(t) // never announces the connection

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := New(s.srv.URL).FollowThread(ctx, "t1", RealtimeCallbacks{}); err == nil {
		t.Error("expected error when the server never acknowledges")
	}
}

func TestConnectRealtime_Unauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no token", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := New(srv.URL).ConnectRealtime(context.Background(), RealtimeCallbacks{})
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %v, want wrapped 401 APIError", err)
	}
}

func TestFollowThread_WithoutThread(t *testing.T) {
	s := newWSServer(t)
	s.announce()

	rt, err := New(s.srv.URL).FollowThread(context.Background(), "", RealtimeCallbacks{})
	if err != nil {
		t.Fatalf("FollowThread failed: %v", err)
	}
	defer rt.Close()

	rt.SendTyping("t9", true)
	frames := s.waitFrames(1)
	if frames[0].Type != FrameTyping {
		t.Errorf("first outbound frame = %+v, want no join", frames[0])
	}
}

// A peer that stops reading must not block writers forever.
func TestRealtime_WriteTimeout(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := New(srv.URL, WithWriteTimeout(100*time.Millisecond))
	rt, err := c.ConnectRealtime(context.Background(), RealtimeCallbacks{})
	if err != nil {
		t.Fatalf("ConnectRealtime failed: %v", err)
	}
	defer rt.Close()

	big := strings.Repeat("x", 1<<20)
	failed := make(chan error, 1)
	go func() {
		for i := 0; i < 256; i++ {
			if err := rt.JoinThread(big); err != nil {
				failed <- err
				return
			}
		}
		failed <- nil
	}()

	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("256 MiB were written to a peer that never reads")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write blocked past the write timeout")
	}

	select {
	case <-rt.Done():
	case <-time.After(2 * time.Second):
		t.Error("connection not closed after a failed write")
	}
	if err := rt.JoinThread("t1"); err == nil {
		t.Error("write after a failed write succeeded")
	}
}

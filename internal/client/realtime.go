package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/logging"
)

// Frame types.
const (
	FrameConnected     = "connected"
	FrameNewMessage    = "new_message"
	FrameThreadUpdate  = "thread_update"
	FrameUserTyping    = "user_typing"
	FrameUserRecording = "user_recording"
	FrameError         = "error"

	FrameJoinThread  = "join_thread"
	FrameLeaveThread = "leave_thread"
	FrameTyping      = "typing"
	FrameRecording   = "recording"
)

// ErrRealtimeClosed is returned when writing to a closed connection.
var ErrRealtimeClosed = errors.New("realtime connection closed")

// RealtimeCallbacks receive pushed events. All callbacks are optional and
// are invoked from the connection's read goroutine, one at a time.
type RealtimeCallbacks struct {
	// OnConnected is called when the server acknowledges the connection.
	OnConnected func(userID string)

	// OnNewMessage is called for every message pushed to a joined thread.
	OnNewMessage func(threadID string, msg chat.Message)

	// OnThreadUpdate is called when a thread's metadata changes. last is
	// the thread's newest message when the server includes it.
	OnThreadUpdate func(threadID string, update chat.ThreadUpdate, last *chat.Message)

	// OnUserTyping is called when another participant starts or stops typing.
	OnUserTyping func(threadID, userID string, isTyping bool)

	// OnUserRecording is called when another participant starts, continues
	// or stops recording a voice note.
	OnUserRecording func(threadID, userID string, isRecording bool, seconds int)

	// OnError is called when the server reports an error.
	OnError func(message string)

	// OnDisconnected is called once when the connection ends. err is nil
	// after Close.
	OnDisconnected func(err error)
}

// Frame is the envelope of every WebSocket message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound frame payloads.
type (
	connectedData struct {
		UserID string `json:"userId"`
	}
	newMessageData struct {
		ThreadID string       `json:"threadId"`
		Message  chat.Message `json:"message"`
	}
	threadUpdateData struct {
		ThreadID    string            `json:"threadId"`
		Thread      chat.ThreadUpdate `json:"thread"`
		LastMessage *chat.Message     `json:"lastMessage,omitempty"`
	}
	userTypingData struct {
		ThreadID string `json:"threadId"`
		UserID   string `json:"userId"`
		IsTyping bool   `json:"isTyping"`
	}
	userRecordingData struct {
		ThreadID    string `json:"threadId"`
		UserID      string `json:"userId"`
		IsRecording bool   `json:"isRecording"`
		Duration    int    `json:"duration"`
	}
	errorData struct {
		Message string `json:"message"`
	}
)

// Realtime is an open WebSocket connection. Writes are safe for concurrent
// use. It implements the presence emitter used by the typing debouncer.
type Realtime struct {
	conn      *websocket.Conn
	callbacks RealtimeCallbacks
	limiter   *rate.Limiter
	logger    *slog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	userID  string
	dropped int

	done chan struct{}
}

// RealtimeURL returns the WebSocket endpoint derived from the base URL.
func (c *Client) RealtimeURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.apiPrefix + "/ws"
	return u.String(), nil
}

// ConnectRealtime opens the WebSocket connection and starts delivering
// pushed events to callbacks.
func (c *Client) ConnectRealtime(ctx context.Context, callbacks RealtimeCallbacks) (*Realtime, error) {
	wsURL, err := c.RealtimeURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("websocket connect: %w", newAPIError("websocket connect", resp))
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	rt := &Realtime{
		conn:         conn,
		callbacks:    callbacks,
		limiter:      rate.NewLimiter(rate.Limit(c.presenceRate), c.presenceBurst),
		logger:       logging.WithConnection(logging.Realtime(), uuid.NewString()[:8]),
		writeTimeout: c.writeTimeout,
		done:         make(chan struct{}),
	}
	if rt.writeTimeout <= 0 {
		rt.writeTimeout = DefaultWriteTimeout
	}
	rt.logger.Debug("websocket connected", "url", wsURL)

	go rt.readLoop()
	return rt, nil
}

// UserID returns the user ID announced by the server, once connected.
func (r *Realtime) UserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID
}

// Done is closed when the connection has ended and no more callbacks will
// be invoked.
func (r *Realtime) Done() <-chan struct{} {
	return r.done
}

// Dropped returns how many presence frames were dropped by the rate limit.
func (r *Realtime) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// JoinThread subscribes to a thread's pushed events.
func (r *Realtime) JoinThread(threadID string) error {
	return r.write(FrameJoinThread, map[string]any{"threadId": threadID})
}

// LeaveThread unsubscribes from a thread.
func (r *Realtime) LeaveThread(threadID string) error {
	return r.write(FrameLeaveThread, map[string]any{"threadId": threadID})
}

// SendTyping tells the other participants whether the user is typing.
// Positive frames over the rate limit are dropped.
func (r *Realtime) SendTyping(threadID string, isTyping bool) {
	if isTyping && !r.allow() {
		return
	}
	err := r.write(FrameTyping, map[string]any{"threadId": threadID, "isTyping": isTyping})
	if err != nil {
		r.logger.Debug("failed to send typing", "thread_id", threadID, "error", err)
	}
}

// SendRecording tells the other participants whether the user is recording
// and for how long. Positive frames over the rate limit are dropped.
func (r *Realtime) SendRecording(threadID string, isRecording bool, seconds int) {
	if isRecording && !r.allow() {
		return
	}
	err := r.write(FrameRecording, map[string]any{
		"threadId":    threadID,
		"isRecording": isRecording,
		"duration":    seconds,
	})
	if err != nil {
		r.logger.Debug("failed to send recording", "thread_id", threadID, "error", err)
	}
}

func (r *Realtime) allow() bool {
	if r.limiter.Allow() {
		return true
	}
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	return false
}

// Close closes the connection and waits for the read loop to exit. It must
// not be called from a callback.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(r.writeTimeout))
	r.writeMu.Unlock()

	err := r.conn.Close()
	<-r.done
	return err
}

func (r *Realtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Realtime) write(frameType string, data any) error {
	if r.isClosed() {
		return ErrRealtimeClosed
	}
	frame := Frame{Type: frameType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", frameType, err)
		}
		frame.Data = raw
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout)); err != nil {
		return fmt.Errorf("write %s: %w", frameType, err)
	}
	if err := r.conn.WriteJSON(frame); err != nil {
		// A failed write leaves the connection unusable; closing it ends
		// the read loop and reports the disconnection.
		r.logger.Warn("websocket write failed", "frame", frameType, "error", err)
		_ = r.conn.Close()
		return fmt.Errorf("write %s: %w", frameType, err)
	}
	return nil
}

func (r *Realtime) readLoop() {
	var readErr error
	defer func() {
		r.mu.Lock()
		wasClosed := r.closed
		r.closed = true
		r.mu.Unlock()

		if wasClosed {
			readErr = nil
		} else {
			r.conn.Close()
		}
		if r.callbacks.OnDisconnected != nil {
			r.callbacks.OnDisconnected(readErr)
		}
		r.logger.Debug("websocket disconnected", "error", readErr)
		close(r.done)
	}()

	for {
		var frame Frame
		if err := r.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			readErr = err
			return
		}
		r.handleFrame(frame)
	}
}

func (r *Realtime) handleFrame(frame Frame) {
	cb := r.callbacks
	switch frame.Type {
	case FrameConnected:
		var data connectedData
		if r.decode(frame, &data) {
			r.mu.Lock()
			r.userID = data.UserID
			r.mu.Unlock()
			if cb.OnConnected != nil {
				cb.OnConnected(data.UserID)
			}
		}

	case FrameNewMessage:
		var data newMessageData
		if r.decode(frame, &data) && cb.OnNewMessage != nil {
			if data.ThreadID == "" {
				data.ThreadID = data.Message.ThreadID
			}
			cb.OnNewMessage(data.ThreadID, data.Message)
		}

	case FrameThreadUpdate:
		var data threadUpdateData
		if r.decode(frame, &data) && cb.OnThreadUpdate != nil {
			cb.OnThreadUpdate(data.ThreadID, data.Thread, data.LastMessage)
		}

	case FrameUserTyping:
		var data userTypingData
		if r.decode(frame, &data) && cb.OnUserTyping != nil {
			cb.OnUserTyping(data.ThreadID, data.UserID, data.IsTyping)
		}

	case FrameUserRecording:
		var data userRecordingData
		if r.decode(frame, &data) && cb.OnUserRecording != nil {
			cb.OnUserRecording(data.ThreadID, data.UserID, data.IsRecording, data.Duration)
		}

	case FrameError:
		var data errorData
		if r.decode(frame, &data) && cb.OnError != nil {
			cb.OnError(data.Message)
		}

	default:
		r.logger.Debug("ignoring unknown frame", "type", frame.Type)
	}
}

func (r *Realtime) decode(frame Frame, v any) bool {
	if len(frame.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		r.logger.Warn("malformed frame", "type", frame.Type, "error", err)
		return false
	}
	return true
}

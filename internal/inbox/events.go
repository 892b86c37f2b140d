package inbox

import (
	"fmt"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/client"
)

// EventKind tells the rendering layer what changed.
type EventKind int

const (
	// EventMessagesChanged: the open thread's message list changed.
	EventMessagesChanged EventKind = iota + 1
	// EventThreadsChanged: the thread list changed.
	EventThreadsChanged
	// EventScroll: a message was appended, or a voice note started
	// (MessageID is set), and the view should scroll to it.
	EventScroll
	// EventPlaybackChanged: playback state or position changed.
	EventPlaybackChanged
	// EventPresenceChanged: another participant's typing or recording
	// signal changed.
	EventPresenceChanged
	// EventError: an asynchronous operation failed (Err is set).
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessagesChanged:
		return "messages"
	case EventThreadsChanged:
		return "threads"
	case EventScroll:
		return "scroll"
	case EventPlaybackChanged:
		return "playback"
	case EventPresenceChanged:
		return "presence"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a change notification.
type Event struct {
	Kind      EventKind
	ThreadID  string
	MessageID string
	Err       error
}

// HandleNewMessage merges a pushed message.
func (i *Inbox) HandleNewMessage(threadID string, msg chat.Message) {
	if i.isClosed() {
		return
	}
	if threadID == "" {
		threadID = msg.ThreadID
	}
	if i.reconcile.ApplyIncoming(threadID, msg) && msg.SenderID != i.local.ID {
		// A message from the peer ends their typing indicator.
		i.tracker.SetTyping(threadID, msg.SenderID, false)
	}
}

// HandleThreadUpdate merges a pushed thread update.
func (i *Inbox) HandleThreadUpdate(threadID string, update chat.ThreadUpdate, last *chat.Message) {
	if i.isClosed() {
		return
	}
	i.reconcile.ApplyThreadUpdate(threadID, update, last)
}

// HandleUserTyping records another participant's typing signal. Echoes of
// the local user's own signal are ignored.
func (i *Inbox) HandleUserTyping(threadID, userID string, isTyping bool) {
	if i.isClosed() || userID == i.local.ID {
		return
	}
	i.tracker.SetTyping(threadID, userID, isTyping)
}

// HandleUserRecording records another participant's recording signal.
func (i *Inbox) HandleUserRecording(threadID, userID string, isRecording bool, seconds int) {
	if i.isClosed() || userID == i.local.ID {
		return
	}
	i.tracker.SetRecording(threadID, userID, isRecording, seconds)
}

// Callbacks returns realtime callbacks that feed this inbox. extra's
// connection callbacks (OnConnected, OnError, OnDisconnected) are kept.
func (i *Inbox) Callbacks(extra client.RealtimeCallbacks) client.RealtimeCallbacks {
	cb := extra
	cb.OnNewMessage = i.HandleNewMessage
	cb.OnThreadUpdate = i.HandleThreadUpdate
	cb.OnUserTyping = i.HandleUserTyping
	cb.OnUserRecording = i.HandleUserRecording
	if extra.OnError == nil {
		cb.OnError = func(message string) {
			i.logger.Warn("server reported an error", "message", message)
			i.emit(Event{Kind: EventError, Err: fmt.Errorf("server: %s", message)})
		}
	}
	return cb
}

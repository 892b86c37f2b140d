// Package reconcile merges server-pushed, locally sent and reloaded messages
// into one de-duplicated message list for the active thread, and keeps the
// thread list's metadata in step with it.
package reconcile

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/logging"
)

// Config configures a Reconciler.
type Config struct {
	// LocalUser identifies the user running the client. Messages from anyone
	// else count as unread.
	LocalUser chat.SenderIdentity
	// Now defaults to time.Now.
	Now func() time.Time

	// OnScroll is called with the thread ID when a message is appended to
	// the active thread.
	OnScroll func(threadID string)
	// OnMessagesChanged is called when the active thread's list changes.
	OnMessagesChanged func(threadID string)
	// OnThreadsChanged is called when the thread list changes.
	OnThreadsChanged func()

	Logger *slog.Logger
}

// Reconciler is the single writer of the message and thread lists. It is
// safe for concurrent use; callbacks run after its lock is released.
type Reconciler struct {
	local  chat.SenderIdentity
	now    func() time.Time
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	active   string
	messages []chat.Message
	// optimistic holds IDs of locally sent messages not yet seen in a reload.
	optimistic map[string]bool
	threads    []chat.Thread
	// metaApplied holds, per thread, the IDs of messages already merged
	// into that thread's metadata.
	metaApplied map[string]*idSet
	metaLimit   int
}

// maxMetaIDs is how many message IDs are remembered per thread for
// metadata de-duplication. The oldest are forgotten first.
const maxMetaIDs = 1000

// New creates an empty reconciler.
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Inbox()
	}
	return &Reconciler{
		local:       cfg.LocalUser,
		now:         now,
		cfg:         cfg,
		logger:      logger,
		optimistic:  make(map[string]bool),
		metaApplied: make(map[string]*idSet),
		metaLimit:   maxMetaIDs,
	}
}

// effects collects the callbacks to run once the lock is released.
type effects struct {
	scroll   string
	messages string
	threads  bool
}

func (r *Reconciler) run(e effects) {
	if e.messages != "" && r.cfg.OnMessagesChanged != nil {
		r.cfg.OnMessagesChanged(e.messages)
	}
	if e.threads && r.cfg.OnThreadsChanged != nil {
		r.cfg.OnThreadsChanged()
	}
	if e.scroll != "" && r.cfg.OnScroll != nil {
		r.cfg.OnScroll(e.scroll)
	}
}

// SetActiveThread makes threadID the active thread, seeding its message
// list (for example from the local cache). Optimistic state of the previous
// thread is dropped.
func (r *Reconciler) SetActiveThread(threadID string, seed []chat.Message) {
	r.mu.Lock()
	r.active = threadID
	r.messages = nil
	r.optimistic = make(map[string]bool)
	for _, m := range seed {
		if r.indexLocked(m.ID) < 0 {
			r.messages = append(r.messages, m)
		}
		r.metaSetLocked(threadID).add(m.ID)
	}
	r.mu.Unlock()

	r.run(effects{messages: threadID})
}

// ActiveThread returns the active thread ID.
func (r *Reconciler) ActiveThread() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ApplyIncoming merges a message pushed by the server. It is appended to
// the active thread's list unless a message with the same ID is already
// there, and the thread's metadata is updated once per message ID. It
// reports whether the message was appended.
func (r *Reconciler) ApplyIncoming(threadID string, msg chat.Message) bool {
	if msg.ID == "" {
		r.logger.Warn("ignoring message without id", "thread_id", threadID)
		return false
	}
	if msg.ThreadID == "" {
		msg.ThreadID = threadID
	}

	r.mu.Lock()
	var e effects
	appended := r.appendLocked(threadID, msg, &e)
	if r.applyMetaLocked(threadID, msg) {
		e.threads = true
	}
	r.mu.Unlock()

	r.run(e)
	return appended
}

// ApplyOptimisticSend merges a message the local user just sent, before the
// authoritative reload confirms it. The same de-duplication applies.
func (r *Reconciler) ApplyOptimisticSend(msg chat.Message) bool {
	if msg.ID == "" {
		return false
	}

	r.mu.Lock()
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = r.active
		msg.ThreadID = threadID
	}
	var e effects
	appended := r.appendLocked(threadID, msg, &e)
	if appended {
		r.optimistic[msg.ID] = true
	}
	if r.applyMetaLocked(threadID, msg) {
		e.threads = true
	}
	r.mu.Unlock()

	r.run(e)
	return appended
}

// ApplyThreadUpdate applies a partial update pushed for threadID. When the
// push carries the thread's last message, it is merged like ApplyIncoming.
func (r *Reconciler) ApplyThreadUpdate(threadID string, update chat.ThreadUpdate, last *chat.Message) {
	r.mu.Lock()
	var e effects
	if i := r.threadIndexLocked(threadID); i >= 0 {
		update.Apply(&r.threads[i])
		e.threads = true
	}
	if last != nil && last.ID != "" {
		msg := *last
		if msg.ThreadID == "" {
			msg.ThreadID = threadID
		}
		r.appendLocked(threadID, msg, &e)
		if r.applyMetaLocked(threadID, msg) {
			e.threads = true
		}
	}
	if e.threads {
		r.sortThreadsLocked()
	}
	r.mu.Unlock()

	r.run(e)
}

// MergeReload merges an authoritative reload of threadID's messages. Server
// copies replace local copies with the same ID; local messages the server
// does not know yet are kept after the server's. A reload for a thread that
// is no longer active is ignored.
func (r *Reconciler) MergeReload(threadID string, server []chat.Message) {
	r.mu.Lock()
	if threadID != r.active {
		r.mu.Unlock()
		r.logger.Debug("dropping reload for inactive thread", "thread_id", threadID)
		return
	}

	merged := make([]chat.Message, 0, len(server)+len(r.optimistic))
	seen := make(map[string]bool, len(server))
	for _, m := range server {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
		delete(r.optimistic, m.ID)
	}
	kept := 0
	for _, m := range r.messages {
		if !seen[m.ID] {
			merged = append(merged, m)
			kept++
		}
	}
	r.messages = merged

	// IDs outside the reloaded list are forgotten.
	applied := newIDSet(r.metaLimit)
	for _, m := range merged {
		applied.add(m.ID)
	}
	r.metaApplied[threadID] = applied
	r.mu.Unlock()

	r.logger.Debug("merged reload", "thread_id", threadID, "server", len(server), "local_only", kept)
	r.run(effects{messages: threadID})
}

// MergeThreads merges an authoritative thread list. Server threads replace
// local ones, except that local activity newer than the server's (preview,
// time and unread count) is kept. Threads only known locally are kept.
func (r *Reconciler) MergeThreads(server []chat.Thread) {
	r.mu.Lock()
	local := make(map[string]chat.Thread, len(r.threads))
	for _, t := range r.threads {
		local[t.ID] = t
	}

	merged := make([]chat.Thread, 0, len(server)+len(r.threads))
	seen := make(map[string]bool, len(server))
	for _, t := range server {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if l, ok := local[t.ID]; ok && l.LastMessageAt.After(t.LastMessageAt) {
			t.LastMessagePreview = l.LastMessagePreview
			t.LastMessageAt = l.LastMessageAt
			t.UnreadCount = l.UnreadCount
		}
		merged = append(merged, t)
	}
	for _, t := range r.threads {
		if !seen[t.ID] {
			merged = append(merged, t)
		}
	}
	r.threads = merged
	r.sortThreadsLocked()
	r.mu.Unlock()

	r.run(effects{threads: true})
}

// MarkRead resets threadID's unread counter.
func (r *Reconciler) MarkRead(threadID string) {
	r.mu.Lock()
	i := r.threadIndexLocked(threadID)
	changed := i >= 0 && r.threads[i].UnreadCount != 0
	if changed {
		r.threads[i].UnreadCount = 0
	}
	r.mu.Unlock()

	if changed {
		r.run(effects{threads: true})
	}
}

// Messages returns a copy of the active thread's messages.
func (r *Reconciler) Messages() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Message returns the active thread's message with the given ID.
func (r *Reconciler) Message(id string) (chat.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.messages[i], true
	}
	return chat.Message{}, false
}

// Threads returns a copy of the thread list, most recent activity first.
func (r *Reconciler) Threads() []chat.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Thread, len(r.threads))
	copy(out, r.threads)
	return out
}

// Thread returns the thread with the given ID.
func (r *Reconciler) Thread(id string) (chat.Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.threadIndexLocked(id); i >= 0 {
		return r.threads[i], true
	}
	return chat.Thread{}, false
}

// IsOptimistic reports whether id is a local message the server has not
// confirmed yet.
func (r *Reconciler) IsOptimistic(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.optimistic[id]
}

// appendLocked appends msg to the active list if threadID is active and
// the ID is new.
func (r *Reconciler) appendLocked(threadID string, msg chat.Message, e *effects) bool {
	if threadID == "" || threadID != r.active || r.indexLocked(msg.ID) >= 0 {
		return false
	}
	r.messages = append(r.messages, msg)
	e.messages = threadID
	e.scroll = threadID
	return true
}

// applyMetaLocked updates threadID's preview, activity time and unread
// counter for msg, at most once per message ID. It reports whether the
// thread list changed.
func (r *Reconciler) applyMetaLocked(threadID string, msg chat.Message) bool {
	if r.metaApplied[threadID].has(msg.ID) {
		return false
	}
	i := r.threadIndexLocked(threadID)
	if i < 0 {
		return false
	}
	r.metaSetLocked(threadID).add(msg.ID)

	t := &r.threads[i]
	t.LastMessagePreview = chat.Preview(msg)
	t.LastMessageAt = r.now()
	if msg.Sender() == r.local {
		t.UnreadCount = 0
	} else {
		t.UnreadCount++
	}
	r.sortThreadsLocked()
	return true
}

func (r *Reconciler) metaSetLocked(threadID string) *idSet {
	set, ok := r.metaApplied[threadID]
	if !ok {
		set = newIDSet(r.metaLimit)
		r.metaApplied[threadID] = set
	}
	return set
}

func (r *Reconciler) indexLocked(id string) int {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) threadIndexLocked(id string) int {
	for i := range r.threads {
		if r.threads[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) sortThreadsLocked() {
	sort.SliceStable(r.threads, func(i, j int) bool {
		return r.threads[i].LastMessageAt.After(r.threads[j].LastMessageAt)
	})
}

// idSet is a set of IDs that forgets the oldest ones past its limit.
type idSet struct {
	limit int
	ids   map[string]struct{}
	order []string
}

func newIDSet(limit int) *idSet {
	return &idSet{limit: limit, ids: make(map[string]struct{})}
}

func (s *idSet) has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

func (s *idSet) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	for s.limit > 0 && len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *idSet) len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

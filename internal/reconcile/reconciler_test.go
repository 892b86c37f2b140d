package reconcile

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/marketchat/internal/chat"
)

var (
	me      = chat.SenderIdentity{ID: "buyer-1", Type: chat.SenderBuyer}
	seller  = chat.SenderIdentity{ID: "seller-1", Type: chat.SenderSeller}
	seller2 = chat.SenderIdentity{ID: "seller-2", Type: chat.SenderSeller}
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type events struct {
	mu       sync.Mutex
	scrolls  []string
	messages int
	threads  int
}

func newTestReconciler() (*Reconciler, *events) {
	ev := &events{}
	c := &clock{now: t0}
	r := New(Config{
		LocalUser: me,
		Now:       c.Now,
		OnScroll: func(id string) {
			ev.mu.Lock()
			ev.scrolls = append(ev.scrolls, id)
			ev.mu.Unlock()
		},
		OnMessagesChanged: func(string) {
			ev.mu.Lock()
			ev.messages++
			ev.mu.Unlock()
		},
		OnThreadsChanged: func() {
			ev.mu.Lock()
			ev.threads++
			ev.mu.Unlock()
		},
	})
	return r, ev
}

func msg(id string, from chat.SenderIdentity, text string) chat.Message {
	return chat.Message{ID: id, SenderID: from.ID, SenderType: from.Type, Content: text}
}

func ids(msgs []chat.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return strings.Join(out, ",")
}

func threadIDs(threads []chat.Thread) string {
	out := make([]string, len(threads))
	for i, t := range threads {
		out[i] = t.ID
	}
	return strings.Join(out, ",")
}

func seedThreads(r *Reconciler) {
	r.MergeThreads([]chat.Thread{
		{ID: "t1", SellerID: seller.ID, LastMessageAt: t0.Add(-time.Hour)},
		{ID: "t2", SellerID: "seller-2", LastMessageAt: t0.Add(-time.Minute)},
	})
}

func TestApplyIncoming_Idempotent(t *testing.T) {
	r, ev := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t1", []chat.Message{msg("a", seller, "hello")})

	m := msg("b", seller, "how are you?")
	if !r.ApplyIncoming("t1", m) {
		t.Fatal("first ApplyIncoming should append")
	}
	r.ApplyIncoming("t1", msg("c", me, "fine"))
	if r.ApplyIncoming("t1", m) {
		t.Error("second ApplyIncoming should be a no-op")
	}

	if got := ids(r.Messages()); got != "a,b,c" {
		t.Errorf("Messages() = %s, want a,b,c", got)
	}
	if len(ev.scrolls) != 2 {
		t.Errorf("scrolls = %v, want 2", ev.scrolls)
	}

	th, _ := r.Thread("t1")
	if th.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0 after the local reply", th.UnreadCount)
	}
	if th.LastMessagePreview != "fine" {
		t.Errorf("LastMessagePreview = %q", th.LastMessagePreview)
	}
}

func TestApplyIncoming_MetadataOncePerMessage(t *testing.T) {
	r, _ := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t2", nil)

	m := msg("x", seller, "new offer")
	r.ApplyIncoming("t1", m)
	r.ApplyIncoming("t1", m)
	r.ApplyThreadUpdate("t1", chat.ThreadUpdate{}, &m)

	th, _ := r.Thread("t1")
	if th.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", th.UnreadCount)
	}
	if got := threadIDs(r.Threads()); got != "t1,t2" {
		t.Errorf("Threads() order = %s, want t1 first", got)
	}
	if len(r.Messages()) != 0 {
		t.Error("message for an inactive thread was appended to the active list")
	}
}

func TestApplyIncoming_PreviewForAttachments(t *testing.T) {
	r, _ := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t1", nil)

	m := chat.Message{
		ID: "v", SenderID: seller.ID, SenderType: seller.Type,
		Attachments: []chat.Attachment{{Type: chat.AttachmentVoice}, {Type: chat.AttachmentImage}},
	}
	r.ApplyIncoming("t1", m)
	th, _ := r.Thread("t1")
	if want := chat.VoicePreviewLabel + " +1 more"; th.LastMessagePreview != want {
		t.Errorf("LastMessagePreview = %q, want %q", th.LastMessagePreview, want)
	}
	if !th.LastMessageAt.After(t0) {
		t.Errorf("LastMessageAt not advanced: %v", th.LastMessageAt)
	}
}

func TestApplyIncoming_NoID(t *testing.T) {
	r, _ := newTestReconciler()
	r.SetActiveThread("t1", nil)
	if r.ApplyIncoming("t1", chat.Message{Content: "?"}) {
		t.Error("message without id was appended")
	}
}

func TestApplyOptimisticSend_SurvivesReload(t *testing.T) {
	r, _ := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t1", []chat.Message{msg("a", seller, "hi")})

	local := msg("local-1", me, "is it available?")
	if !r.ApplyOptimisticSend(local) {
		t.Fatal("ApplyOptimisticSend should append")
	}
	if r.ApplyOptimisticSend(local) {
		t.Error("duplicate optimistic send appended")
	}
	if !r.IsOptimistic("local-1") {
		t.Error("IsOptimistic() = false")
	}

	// The reload raced the send and does not contain it yet.
	r.MergeReload("t1", []chat.Message{msg("a", seller, "hi (edited)"), msg("b", seller, "yes")})

	if got := ids(r.Messages()); got != "a,b,local-1" {
		t.Errorf("Messages() = %s, want a,b,local-1", got)
	}
	if m, _ := r.Message("a"); m.Content != "hi (edited)" {
		t.Errorf("server copy did not replace local: %q", m.Content)
	}

	// The next reload confirms it.
	confirmed := local
	confirmed.Reactions = []chat.Reaction{{UserID: seller.ID, Emoji: "👍"}}
	r.MergeReload("t1", []chat.Message{msg("a", seller, "hi (edited)"), msg("b", seller, "yes"), confirmed})
	if got := ids(r.Messages()); got != "a,b,local-1" {
		t.Errorf("Messages() = %s", got)
	}
	if r.IsOptimistic("local-1") {
		t.Error("confirmed message still optimistic")
	}
	if m, _ := r.Message("local-1"); len(m.Reactions) != 1 {
		t.Error("reload did not refresh the confirmed message")
	}
}

func TestApplyOptimisticSend_DefaultsToActiveThread(t *testing.T) {
	r, _ := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t1", nil)

	r.ApplyOptimisticSend(msg("l", me, "hey"))
	m, ok := r.Message("l")
	if !ok || m.ThreadID != "t1" {
		t.Errorf("Message() = %+v, %v", m, ok)
	}
	th, _ := r.Thread("t1")
	if th.LastMessagePreview != "hey" || th.UnreadCount != 0 {
		t.Errorf("thread = %+v", th)
	}
}

func TestMergeReload_InactiveThreadIgnored(t *testing.T) {
	r, _ := newTestReconciler()
	r.SetActiveThread("t1", []chat.Message{msg("a", seller, "hi")})
	r.MergeReload("t2", []chat.Message{msg("z", seller, "other")})
	if got := ids(r.Messages()); got != "a" {
		t.Errorf("Messages() = %s", got)
	}
}

func TestMergeReload_MarksMetadataApplied(t *testing.T) {
	r, _ := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t1", nil)

	m := msg("late", seller, "hello")
	r.MergeReload("t1", []chat.Message{m})
	r.ApplyIncoming("t1", m)

	th, _ := r.Thread("t1")
	if th.UnreadCount != 0 {
		t.Errorf("late push counted again: unread = %d", th.UnreadCount)
	}
}

func TestMetadataIDs_Bounded(t *testing.T) {
	r, _ := newTestReconciler()
	r.metaLimit = 3
	seedThreads(r)
	r.SetActiveThread("t1", nil)

	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		r.ApplyIncoming("t2", msg(id, seller2, "offer "+id))
	}
	if n := r.metaApplied["t2"].len(); n != 3 {
		t.Errorf("remembered %d IDs for t2, want 3", n)
	}
	r.ApplyIncoming("t2", msg("p5", seller2, "offer p5"))
	if th, _ := r.Thread("t2"); th.UnreadCount != 5 {
		t.Errorf("UnreadCount = %d, want 5", th.UnreadCount)
	}

	r.SetActiveThread("t2", nil)
	r.MergeReload("t2", []chat.Message{msg("p5", seller2, "offer p5")})
	if n := r.metaApplied["t2"].len(); n != 1 {
		t.Errorf("remembered %d IDs for t2 after reload, want 1", n)
	}
	r.ApplyIncoming("t2", msg("p5", seller2, "offer p5"))
	if th, _ := r.Thread("t2"); th.UnreadCount != 5 {
		t.Errorf("reloaded message counted again: unread = %d", th.UnreadCount)
	}
}

func TestMergeThreads_KeepsNewerLocalActivity(t *testing.T) {
	r, _ := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t1", nil)
	r.ApplyIncoming("t1", msg("m", seller, "fresh"))

	r.MergeThreads([]chat.Thread{
		{ID: "t1", SellerName: "Ana", LastMessagePreview: "stale", LastMessageAt: t0.Add(-time.Hour)},
		{ID: "t3", SellerName: "Bo", LastMessageAt: t0.Add(-2 * time.Hour)},
	})

	th, _ := r.Thread("t1")
	if th.LastMessagePreview != "fresh" || th.UnreadCount != 1 {
		t.Errorf("local activity regressed: %+v", th)
	}
	if th.SellerName != "Ana" {
		t.Errorf("server fields not applied: %+v", th)
	}
	if got := threadIDs(r.Threads()); got != "t1,t2,t3" {
		t.Errorf("Threads() = %s, want t1,t2,t3", got)
	}

	// Newer server data wins.
	r.MergeThreads([]chat.Thread{{ID: "t2", LastMessagePreview: "server", LastMessageAt: t0.Add(time.Hour), UnreadCount: 4}})
	th, _ = r.Thread("t2")
	if th.LastMessagePreview != "server" || th.UnreadCount != 4 {
		t.Errorf("server update not applied: %+v", th)
	}
	if got := threadIDs(r.Threads()); got != "t2,t1,t3" {
		t.Errorf("Threads() = %s, want t2,t1,t3", got)
	}
}

func TestApplyThreadUpdate(t *testing.T) {
	r, ev := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t1", nil)

	unread := 7
	at := t0.Add(time.Hour)
	r.ApplyThreadUpdate("t1", chat.ThreadUpdate{UnreadCount: &unread, LastMessageAt: &at}, nil)

	th, _ := r.Thread("t1")
	if th.UnreadCount != 7 || !th.LastMessageAt.Equal(at) {
		t.Errorf("thread = %+v", th)
	}
	if got := threadIDs(r.Threads()); got != "t1,t2" {
		t.Errorf("Threads() = %s", got)
	}

	last := msg("n", seller, "pushed")
	r.ApplyThreadUpdate("t1", chat.ThreadUpdate{}, &last)
	if got := ids(r.Messages()); got != "n" {
		t.Errorf("Messages() = %s", got)
	}
	if len(ev.scrolls) != 1 {
		t.Errorf("scrolls = %v", ev.scrolls)
	}
}

func TestMarkRead(t *testing.T) {
	r, ev := newTestReconciler()
	seedThreads(r)
	r.SetActiveThread("t2", nil)
	r.ApplyIncoming("t1", msg("m", seller, "ping"))

	before := ev.threads
	r.MarkRead("t1")
	r.MarkRead("t1")
	r.MarkRead("missing")

	th, _ := r.Thread("t1")
	if th.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d", th.UnreadCount)
	}
	if ev.threads != before+1 {
		t.Errorf("thread change notifications = %d, want 1", ev.threads-before)
	}
}

func TestSetActiveThread_DropsDuplicatesInSeed(t *testing.T) {
	r, _ := newTestReconciler()
	r.SetActiveThread("t1", []chat.Message{msg("a", seller, "1"), msg("a", seller, "1"), msg("b", seller, "2")})
	if got := ids(r.Messages()); got != "a,b" {
		t.Errorf("Messages() = %s", got)
	}
	if r.ActiveThread() != "t1" {
		t.Errorf("ActiveThread() = %q", r.ActiveThread())
	}
}

func TestCallbacksRunOutsideLock(t *testing.T) {
	var r *Reconciler
	done := make(chan struct{})
	r = New(Config{
		LocalUser: me,
		OnScroll: func(string) {
			// Re-entering the reconciler must not deadlock.
			_ = r.Messages()
			close(done)
		},
	})
	r.SetActiveThread("t1", nil)
	r.ApplyIncoming("t1", msg("a", seller, "x"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback deadlocked")
	}
}

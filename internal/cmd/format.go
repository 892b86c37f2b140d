package cmd

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/presence"
)

// formatClock renders seconds as m:ss, or h:mm:ss for an hour or more.
func formatClock(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = 0
	}
	s := int(seconds)
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s%3600/60, s%60)
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// formatAgo renders how long ago t was, coarsely.
func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// formatThread renders one line of the thread list.
func formatThread(t chat.Thread, now time.Time) string {
	var b strings.Builder
	b.WriteString(t.ID)
	title := t.Subject
	if t.SellerName != "" {
		if title != "" {
			title += " · "
		}
		title += t.SellerName
	}
	if title != "" {
		b.WriteString("  " + title)
	}
	if t.UnreadCount > 0 {
		fmt.Fprintf(&b, "  (%d unread)", t.UnreadCount)
	}
	if ago := formatAgo(t.LastMessageAt, now); ago != "" {
		b.WriteString("  " + ago)
	}
	if t.LastMessagePreview != "" {
		b.WriteString("\n    " + t.LastMessagePreview)
	}
	return b.String()
}

// formatMessage renders a message and its attachments. Voice notes are
// numbered by attachment index so they can be passed to "play".
func formatMessage(m chat.Message, local chat.SenderIdentity, pending bool) string {
	var b strings.Builder

	who := string(m.SenderType)
	if m.Sender() == local {
		who = "you"
	}
	stamp := ""
	if !m.CreatedAt.IsZero() {
		stamp = m.CreatedAt.Local().Format("15:04") + " "
	}
	fmt.Fprintf(&b, "%s%s [%s]", stamp, who, m.ID)
	if pending {
		b.WriteString(" …")
	}
	if m.ReplyTo != "" {
		fmt.Fprintf(&b, " ↪ %s", m.ReplyTo)
	}
	if text := chat.PlainText(m.Content); text != "" {
		b.WriteString(": " + text)
	}

	for i, a := range m.Attachments {
		b.WriteString("\n    ")
		switch {
		case a.IsVoice():
			fmt.Fprintf(&b, "▶ #%d voice note", i)
			if a.Duration > 0 {
				fmt.Fprintf(&b, " %s", formatClock(a.Duration))
			}
		case a.Type == chat.AttachmentImage:
			fmt.Fprintf(&b, "📷 #%d %s", i, attachmentName(a))
		default:
			fmt.Fprintf(&b, "📎 #%d %s", i, attachmentName(a))
		}
	}
	for _, r := range groupReactions(m.Reactions) {
		b.WriteString("\n    " + r)
	}
	return b.String()
}

func attachmentName(a chat.Attachment) string {
	if a.Name != "" {
		return a.Name
	}
	if i := strings.LastIndex(a.Path, "/"); i >= 0 {
		return a.Path[i+1:]
	}
	return a.Path
}

// groupReactions renders reactions as "👍 2" entries in first-seen order.
func groupReactions(reactions []chat.Reaction) []string {
	var order []string
	counts := make(map[string]int)
	for _, r := range reactions {
		if counts[r.Emoji] == 0 {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}
	if len(order) == 0 {
		return nil
	}
	parts := make([]string, len(order))
	for i, e := range order {
		parts[i] = fmt.Sprintf("%s %d", e, counts[e])
	}
	return []string{strings.Join(parts, "  ")}
}

// progressBar renders a fixed-width bar for current/total.
func progressBar(current, total float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := 0
	if total > 0 && current > 0 {
		filled = int(math.Round(current / total * float64(width)))
	}
	filled = min(max(filled, 0), width)
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

// formatPeers renders who is typing or recording, or "" for nobody.
func formatPeers(peers []presence.Peer) string {
	var parts []string
	for _, p := range peers {
		switch {
		case p.Recording:
			parts = append(parts, fmt.Sprintf("%s is recording a voice note (%s)", p.UserID, formatClock(float64(p.RecordingSeconds))))
		case p.Typing:
			parts = append(parts, p.UserID+" is typing…")
		}
	}
	return strings.Join(parts, ", ")
}

package chat

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// MaxPreviewLength is the maximum preview length, in characters.
const MaxPreviewLength = 200

// Labels used in previews for attachment-only messages.
const (
	VoicePreviewLabel = "🎤 Voice message"
	ImagePreviewLabel = "📷 Photo"
	FilePreviewLabel  = "📎 File"
)

var (
	previewPolicy     *bluemonday.Policy
	previewPolicyOnce sync.Once
)

// textPolicy returns the shared policy that strips all markup.
func textPolicy() *bluemonday.Policy {
	previewPolicyOnce.Do(func() {
		previewPolicy = bluemonday.StrictPolicy()
	})
	return previewPolicy
}

// Preview returns the thread-list preview text for a message: its text
// content when present, otherwise a label for the first attachment with a
// "+N more" suffix when there are several. The result is at most
// MaxPreviewLength characters long.
func Preview(m Message) string {
	if text := PlainText(m.Content); text != "" {
		return truncate(text, MaxPreviewLength)
	}
	if len(m.Attachments) == 0 {
		return ""
	}

	label := attachmentLabel(m.Attachments[0])
	if extra := len(m.Attachments) - 1; extra > 0 {
		label = fmt.Sprintf("%s +%d more", label, extra)
	}
	return truncate(label, MaxPreviewLength)
}

// PlainText strips markup from message content and collapses whitespace.
func PlainText(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	stripped := html.UnescapeString(textPolicy().Sanitize(content))
	return strings.Join(strings.Fields(stripped), " ")
}

func attachmentLabel(a Attachment) string {
	switch {
	case a.IsVoice():
		return VoicePreviewLabel
	case a.Type == AttachmentImage:
		return ImagePreviewLabel
	default:
		return FilePreviewLabel
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Package chat defines the marketplace messaging model shared by the
// reconciler, the voice playback engine and the REST/WebSocket adapters.
package chat

import "time"

// SenderType distinguishes the two sides of a marketplace thread.
type SenderType string

const (
	SenderBuyer  SenderType = "buyer"
	SenderSeller SenderType = "seller"
)

// SenderIdentity is the (id, type) pair that defines voice sequence membership.
type SenderIdentity struct {
	ID   string     `json:"senderId"`
	Type SenderType `json:"senderType"`
}

// AttachmentType is the kind of file carried by an attachment.
type AttachmentType string

const (
	// AttachmentUnset is what older records carry. It is treated as voice.
	AttachmentUnset AttachmentType = ""
	AttachmentVoice AttachmentType = "voice"
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a file attached to a message.
type Attachment struct {
	Type AttachmentType `json:"type,omitempty"`
	// Path is the storage path relative to the server base URL, or an absolute URL.
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
	// Duration in seconds, for voice attachments. Zero means unknown.
	Duration float64 `json:"duration,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`
	Size     int64   `json:"size,omitempty"`
}

// IsVoice reports whether the attachment is a voice note.
// Attachments without an explicit type are voice notes.
func (a Attachment) IsVoice() bool {
	return a.Type == AttachmentVoice || a.Type == AttachmentUnset
}

// Reaction is an emoji reaction left on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is a single message in a thread.
type Message struct {
	ID          string       `json:"_id"`
	ThreadID    string       `json:"threadId,omitempty"`
	SenderID    string       `json:"senderId"`
	SenderType  SenderType   `json:"senderType"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Reactions   []Reaction   `json:"reactions,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Sender returns the message's sender identity.
func (m Message) Sender() SenderIdentity {
	return SenderIdentity{ID: m.SenderID, Type: m.SenderType}
}

// VoiceAttachments returns the indexes of the message's voice attachments,
// in attachment order.
func (m Message) VoiceAttachments() []int {
	var idx []int
	for i, a := range m.Attachments {
		if a.IsVoice() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Thread is a conversation between the buyer and one seller.
type Thread struct {
	ID                 string    `json:"_id"`
	Subject            string    `json:"subject,omitempty"`
	BuyerID            string    `json:"buyerId"`
	SellerID           string    `json:"sellerId"`
	SellerName         string    `json:"sellerName,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
}

// ThreadUpdate is a partial thread update pushed by the server.
// Nil fields are left unchanged.
type ThreadUpdate struct {
	Subject            *string    `json:"subject,omitempty"`
	LastMessagePreview *string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount        *int       `json:"unreadCount,omitempty"`
}

// Apply merges the non-nil fields of u into t.
func (u ThreadUpdate) Apply(t *Thread) {
	if u.Subject != nil {
		t.Subject = *u.Subject
	}
	if u.LastMessagePreview != nil {
		t.LastMessagePreview = *u.LastMessagePreview
	}
	if u.LastMessageAt != nil {
		t.LastMessageAt = *u.LastMessageAt
	}
	if u.UnreadCount != nil {
		t.UnreadCount = *u.UnreadCount
	}
}

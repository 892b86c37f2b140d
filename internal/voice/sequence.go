// Package voice implements voice-note playback: finding runs of voice notes
// from one sender, playing them back to back with a transition cue, and
// cancelling the chain when the user takes over.
package voice

import "github.com/inercia/marketchat/internal/chat"

// Track identifies one voice attachment.
type Track struct {
	MessageID       string
	AttachmentIndex int
}

// VoiceNote is one playable unit of a sequence.
type VoiceNote struct {
	MessageID       string
	AttachmentIndex int
	AudioURL        string
	Sender          chat.SenderIdentity
	// Duration in seconds; zero until known.
	Duration float64
}

// Track returns the note's track identity.
func (n VoiceNote) Track() Track {
	return Track{MessageID: n.MessageID, AttachmentIndex: n.AttachmentIndex}
}

// FindSequence returns the run of voice notes that starts at messages[start]
// and continues while every following message comes from sender and carries
// at least one voice attachment. All voice attachments of each matching
// message are included, in attachment order. The walk stops before a
// message from another sender, a message whose attachments contain no voice
// note, or a message with no attachments at all.
//
// The result is empty when messages[start] is not a voice note from sender.
// resolve may be nil, in which case AudioURL is the raw attachment path.
func FindSequence(messages []chat.Message, start int, sender chat.SenderIdentity, resolve Resolver) []VoiceNote {
	if start < 0 || start >= len(messages) {
		return nil
	}

	var seq []VoiceNote
	for i := start; i < len(messages); i++ {
		msg := messages[i]
		if msg.Sender() != sender {
			break
		}
		voice := msg.VoiceAttachments()
		if len(voice) == 0 {
			break
		}
		for _, idx := range voice {
			att := msg.Attachments[idx]
			url := att.Path
			if resolve != nil {
				url = resolve.Resolve(att.Path)
			}
			seq = append(seq, VoiceNote{
				MessageID:       msg.ID,
				AttachmentIndex: idx,
				AudioURL:        url,
				Sender:          sender,
				Duration:        att.Duration,
			})
		}
	}
	return seq
}

// indexOf returns the position of track in seq, or -1.
func indexOf(seq []VoiceNote, track Track) int {
	for i, n := range seq {
		if n.Track() == track {
			return i
		}
	}
	return -1
}

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Channel identifies the ingress surface a message arrived from.
type Channel string

const (
	ChannelChat     Channel = "chat"
	ChannelMail     Channel = "mail"
	ChannelNotes    Channel = "notes"
	ChannelReminder Channel = "reminder"
	ChannelCalendar Channel = "calendar"
)

// MessageContext carries channel-specific extras that ride along with a message.
type MessageContext struct {
	Attachments    []string `json:"attachments,omitempty"`
	WorkspaceAlias string   `json:"workspace_alias,omitempty"`
	// OccurrenceKey disambiguates recurring sources (calendar events, reminders)
	// so each occurrence is ingested once.
	OccurrenceKey string `json:"occurrence_key,omitempty"`
}

// Message is one inbound unit of work. It is recorded exactly once per ID;
// re-delivery of a known ID is a no-op.
type Message struct {
	ID         string
	Sender     string
	Text       string
	Channel    Channel
	IsFromMe   bool
	Context    MessageContext
	DedupeHash string
	ReceivedAt time.Time
}

// DedupeHash fingerprints (sender, text) for duplicate suppression across
// redeliveries that arrive under fresh IDs.
func DedupeHash(sender, text string) string {
	h := sha256.Sum256([]byte(sender + "\x00" + text))
	return hex.EncodeToString(h[:16])
}

func NewMessage(id, sender, text string, channel Channel, receivedAt time.Time) *Message {
	return &Message{
		ID:         id,
		Sender:     sender,
		Text:       text,
		Channel:    channel,
		DedupeHash: DedupeHash(sender, text),
		ReceivedAt: receivedAt,
	}
}

package wire

import "time"

// Identity is an opaque user identity as issued by the backend.
// Immutable for the lifetime of a login session.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// AttachmentKind is the media kind of an attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// Attachment describes one uploaded media file referenced by a message.
type Attachment struct {
	URL      string         `json:"url"`
	Kind     AttachmentKind `json:"kind"`
	Filename string         `json:"filename"`
	Size     int64          `json:"size"`
	Mime     string         `json:"mime"`
}

// Message is a direct message. Immutable after creation except for Read.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         Identity     `json:"sender"`
	Content        string       `json:"content"`
	CreatedAt      int64        `json:"createdAt"` // unix millis
	Read           bool         `json:"read"`
	Media          []Attachment `json:"media,omitempty"`
}

// Conversation is a 1:1 thread summary. The server is authoritative;
// clients hold a cache.
type Conversation struct {
	ID           string   `json:"id"`
	Peer         Identity `json:"peer"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	Unread       int      `json:"unread"`
	LastActivity int64    `json:"lastActivity"` // unix millis
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }

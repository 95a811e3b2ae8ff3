// Package bus holds the normalised message records shared by the messenger
// adapters and the router. Per-platform event shapes are flattened into these
// types at the adapter; nothing downstream sees platform SDK structs.
package bus

import "time"

// TimeLayout is the canonical ISO-8601 timestamp layout (UTC, millisecond
// precision). Rendered values compare correctly as strings.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t as a canonical timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Chat types for InboundMessage.ChatType.
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// InboundMessage is one normalised platform event.
type InboundMessage struct {
	ID         string `json:"id"`
	ChatJID    string `json:"chat_jid"`
	ChatName   string `json:"chat_name,omitempty"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"` // ISO-8601, string-orderable
	ChatType   string `json:"chat_type"` // "private" or "group"
	FromMe     bool   `json:"from_me,omitempty"`
}

// IsPrivate reports whether the message came from a 1-to-1 chat.
func (m InboundMessage) IsPrivate() bool { return m.ChatType == ChatTypePrivate }

// OutboundMessage is a message to be sent to a chat.
type OutboundMessage struct {
	ChatJID string `json:"chat_jid"`
	Content string `json:"content"`
}

// InboundHandler receives normalised messages from a messenger listener.
type InboundHandler func(InboundMessage)

// Package channels provides the messenger abstraction layer. Messengers
// connect external platforms (Telegram, Discord) to the router: inbound
// messages flow through a shared handler, outbound text and ephemeral status
// lines flow back out.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// Command is a slash command advertised in the platform's command menu.
type Command struct {
	Name        string
	Description string
}

// DefaultCommands is the command set every messenger advertises.
func DefaultCommands() []Command {
	return []Command{
		{Name: "help", Description: "Show available commands"},
		{Name: "new", Description: "Start a fresh agent session"},
		{Name: "register", Description: "Register this chat with the assistant"},
	}
}

// Messenger is one platform connection. Implementations embed Base.
type Messenger interface {
	// Name returns the platform identifier ("telegram", "discord").
	Name() string

	// Connect establishes the platform session.
	Connect(ctx context.Context) error

	// Disconnect tears the session down and waits for listeners to exit.
	Disconnect(ctx context.Context) error

	// Send delivers plain text to a chat.
	Send(ctx context.Context, chatJID, text string) error

	// SendOrUpdateStatus posts or edits the ephemeral status line for a
	// (chat, correlation) pair. first marks the initial post; replyTo is the
	// platform message ID the status should attach to, when supported.
	SendOrUpdateStatus(ctx context.Context, chatJID, correlationID, text string, first bool, replyTo string) error

	// ClearStatus forgets the tracked status message for a correlation.
	ClearStatus(chatJID, correlationID string)

	// RegisterCommands advertises the command menu. Best effort.
	RegisterCommands(ctx context.Context, cmds []Command) error

	// StartListener begins receiving platform events, delivering each inbound
	// message to handler. Non-blocking after setup.
	StartListener(ctx context.Context, handler bus.InboundHandler) error

	// NeedsPolling reports whether the router must tail the store for this
	// platform's chats. Push platforms enqueue directly on arrival.
	NeedsPolling() bool

	// PollInterval is the store tail cadence for polling platforms.
	PollInterval() time.Duration
}

// JID builds the canonical chat identifier "<raw>@<platform>".
func JID(platform, raw string) string {
	return raw + "@" + platform
}

// SplitJID returns the raw platform chat ID and the platform suffix.
func SplitJID(jid string) (raw, platform string) {
	if idx := strings.LastIndexByte(jid, '@'); idx >= 0 {
		return jid[:idx], jid[idx+1:]
	}
	return jid, ""
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// HandleInbound is the ingestion path for every normalised platform event:
// chat metadata is always upserted, message content is persisted only for
// registered chats. Push platforms get their chat enqueued right away.
// Commands arriving from unregistered chats are answered here, since their
// messages are never stored and so never reach a batch.
func (r *Router) HandleInbound(msg bus.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.store.UpsertChat(ctx, msg.ChatJID, msg.ChatName, msg.Timestamp); err != nil {
		slog.Error("ingest: upsert chat", "chat", msg.ChatJID, "error", err)
		return
	}

	_, err := r.store.GetGroup(ctx, msg.ChatJID)
	registered := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("ingest: group lookup", "chat", msg.ChatJID, "error", err)
		return
	}

	if !registered {
		if !msg.FromMe {
			r.handleUnregisteredCommand(ctx, msg)
		}
		return
	}

	if err := r.store.StoreMessage(ctx, store.Message{
		ID:         msg.ID,
		ChatJID:    msg.ChatJID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
		FromMe:     msg.FromMe,
	}); err != nil {
		slog.Error("ingest: store message", "chat", msg.ChatJID, "error", err)
		return
	}

	if msg.FromMe {
		return
	}
	if ms, err := r.messengers.For(msg.ChatJID); err == nil && !ms.NeedsPolling() {
		r.queue.Enqueue(msg.ChatJID)
	}
}

// handleUnregisteredCommand answers /help and /register for chats that have
// no workspace yet.
func (r *Router) handleUnregisteredCommand(ctx context.Context, msg bus.InboundMessage) {
	token, arg := splitCommand(msg.Content)
	switch token {
	case "/help":
		r.reply(ctx, msg.ChatJID, r.helpText())
	case "/register":
		reply := r.registerChat(ctx, registration{
			ChatJID:   msg.ChatJID,
			ChatName:  msg.ChatName,
			SenderID:  msg.SenderID,
			IsPrivate: msg.IsPrivate(),
			FolderArg: arg,
		})
		r.reply(ctx, msg.ChatJID, reply)
	}
}

// reply sends plain text to a chat, logging failures. Outbound text is also
// recorded under the bot prefix so polling ingestion treats it as an echo.
func (r *Router) reply(ctx context.Context, chatJID, text string) {
	ms, err := r.messengers.For(chatJID)
	if err != nil {
		slog.Error("reply: no messenger", "chat", chatJID, "error", err)
		return
	}
	if err := ms.Send(ctx, chatJID, text); err != nil {
		slog.Error("reply failed", "chat", chatJID, "error", err)
	}
}

// splitCommand extracts a lowercase command token and its first argument.
// The token is only a command when the message starts with '/'.
func splitCommand(content string) (token, arg string) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return "", ""
	}
	fields := strings.Fields(trimmed)
	token = strings.ToLower(fields[0])
	// Strip the @botname suffix platforms append in groups.
	if idx := strings.IndexByte(token, '@'); idx > 0 {
		token = token[:idx]
	}
	if len(fields) > 1 {
		arg = fields[1]
	}
	return token, arg
}

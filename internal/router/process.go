package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// ProcessChat drains one registered chat: command interception, trigger gate,
// agent dispatch, reply delivery, cursor advance. It is installed as the
// queue's processor; a returned error schedules a retry.
func (r *Router) ProcessChat(ctx context.Context, chatJID string) error {
	group, err := r.store.GetGroup(ctx, chatJID)
	if errors.Is(err, store.ErrNotFound) {
		if dropped := r.takePendingTasks(chatJID); len(dropped) > 0 {
			slog.Warn("dropping tasks for unregistered chat", "chat", chatJID, "tasks", len(dropped))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}

	// Due scheduled tasks run first, inside the same serial lane as message
	// batches.
	for _, task := range r.takePendingTasks(chatJID) {
		r.runScheduledTask(ctx, group, task)
	}

	cursor, err := r.store.AgentCursor(ctx, chatJID)
	if err != nil {
		return fmt.Errorf("load agent cursor: %w", err)
	}
	msgs, maxTS, err := r.store.GetMessagesSince(ctx, chatJID, cursor, r.botPrefix())
	if err != nil {
		return fmt.Errorf("collect batch: %w", err)
	}
	msgs = dropOwn(msgs)
	if len(msgs) == 0 {
		return nil
	}

	// 1:1 chats bound to specific users ignore everyone else. Ignored
	// messages still advance the cursor; they will never become processable.
	if len(group.AllowedUsers) > 0 {
		var kept []store.Message
		for _, m := range msgs {
			if group.AllowsUser(m.SenderID) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			return r.store.SetAgentCursor(ctx, chatJID, maxTS)
		}
		msgs = kept
	}

	// In-band commands are synchronous; no agent is spawned and the cursor
	// jumps past the whole batch.
	if handled := r.handleBatchCommands(ctx, group, msgs); handled {
		return r.store.SetAgentCursor(ctx, chatJID, maxTS)
	}

	// Trigger gate. A miss is success without cursor advance: untriggered
	// context is re-included once a matching message arrives.
	if group.RequiresTrigger && !group.IsMain {
		if !batchTriggered(msgs, r.triggerFor(group)) {
			return nil
		}
	}

	prompt := buildPrompt(msgs)
	correlationID := msgs[0].ID
	relay := newStatusRelay(ctx, r.messengers, chatJID, correlationID, msgs[0].ID, r.statusDebounce)
	defer r.queue.UntrackProcess(chatJID)

	res, err := r.dispatch.RunBatch(ctx, agent.BatchRequest{
		Group:     *group,
		ChatJID:   chatJID,
		Prompt:    prompt,
		OnStatus:  relay.Update,
		OnProcess: r.trackProcess(chatJID),
	})
	if err != nil {
		relay.Fail(err)
		return fmt.Errorf("agent batch for %s: %w", chatJID, err)
	}
	relay.Done()

	if res.Message != "" {
		r.sendAssistantReply(ctx, chatJID, res.Message)
	}
	return r.store.SetAgentCursor(ctx, chatJID, maxTS)
}

// PostMessage delivers assistant-attributed text to a chat (the IPC message
// path shares it).
func (r *Router) PostMessage(ctx context.Context, chatJID, text string) error {
	r.sendAssistantReply(ctx, chatJID, text)
	return nil
}

// PostStatus delivers a one-shot ephemeral status line to a chat.
func (r *Router) PostStatus(ctx context.Context, chatJID, text string) error {
	ms, err := r.messengers.For(chatJID)
	if err != nil {
		return err
	}
	return ms.Send(ctx, chatJID, statusPrefix+text)
}

// sendAssistantReply delivers "<AssistantName>: text" and records the echo so
// the ingestion filter has a row to skip on polling platforms, which never
// redeliver the bot's own sends.
func (r *Router) sendAssistantReply(ctx context.Context, chatJID, text string) {
	full := r.botPrefix() + text
	r.reply(ctx, chatJID, full)
	echo := store.Message{
		ID:        uuid.NewString(),
		ChatJID:   chatJID,
		SenderID:  "bot",
		Content:   full,
		Timestamp: store.Now(),
		FromMe:    true,
	}
	if err := r.store.StoreMessage(ctx, echo); err != nil {
		slog.Error("record outbound echo", "chat", chatJID, "error", err)
	}
}

// handleBatchCommands intercepts in-band commands: /help and /new when they
// lead the batch, /register anywhere in it.
func (r *Router) handleBatchCommands(ctx context.Context, group *store.RegisteredGroup, msgs []store.Message) bool {
	token, _ := splitCommand(msgs[0].Content)
	switch token {
	case "/help":
		r.reply(ctx, group.JID, r.helpText())
		return true
	case "/new":
		if err := r.store.ClearSession(ctx, group.Folder); err != nil {
			r.reply(ctx, group.JID, "Could not reset the session: "+err.Error())
		} else {
			r.reply(ctx, group.JID, "Started a fresh session.")
		}
		return true
	}

	for _, m := range msgs {
		token, arg := splitCommand(m.Content)
		if token != "/register" {
			continue
		}
		reply := r.registerChat(ctx, registration{
			ChatJID:   group.JID,
			ChatName:  group.Name,
			SenderID:  m.SenderID,
			IsPrivate: !group.RequiresTrigger && !group.IsMain,
			FolderArg: arg,
			Existing:  group,
		})
		r.reply(ctx, group.JID, reply)
		return true
	}
	return false
}

func (r *Router) helpText() string {
	return "Available commands:\n" +
		"/help — show this message\n" +
		"/new — start a fresh agent session for this chat\n" +
		"/register [folder] — register this chat with " + r.cfg.AssistantName
}

// registration collects everything the /register path needs.
type registration struct {
	ChatJID   string
	ChatName  string
	SenderID  string
	IsPrivate bool
	FolderArg string
	// Existing is the current workspace for re-registrations, nil otherwise.
	Existing *store.RegisteredGroup
}

// registerChat creates or updates a workspace and returns the inline reply.
// A private chat with no main workspace becomes the main session with the
// sender as the sole allowed user.
func (r *Router) registerChat(ctx context.Context, reg registration) string {
	g := store.RegisteredGroup{
		JID:             reg.ChatJID,
		Name:            reg.ChatName,
		RequiresTrigger: !reg.IsPrivate,
	}
	if reg.Existing != nil {
		g = *reg.Existing
	}

	if !g.IsMain && reg.IsPrivate {
		if _, err := r.store.MainGroup(ctx); errors.Is(err, store.ErrNotFound) {
			g.IsMain = true
			g.Folder = r.cfg.MainGroupFolder
			g.AllowedUsers = []string{reg.SenderID}
			g.RequiresTrigger = false
		}
	}

	switch {
	case reg.FolderArg != "":
		folder := sanitizeFolder(reg.FolderArg)
		if folder == "" {
			return "Registration failed: folder names may only use letters, digits and dashes."
		}
		if !g.IsMain {
			g.Folder = folder
		}
	case g.Folder == "":
		g.Folder = sanitizeFolder(reg.ChatName)
		if g.Folder == "" {
			g.Folder = syntheticFolder(reg.ChatJID)
		}
	}

	if err := r.store.RegisterGroup(ctx, g); err != nil {
		if errors.Is(err, store.ErrMainExists) {
			return "Registration failed: another chat already owns the main session."
		}
		return "Registration failed: " + err.Error()
	}

	if g.IsMain {
		return fmt.Sprintf("Registered as the main session (folder %q). %s is at your service.",
			g.Folder, r.cfg.AssistantName)
	}
	return fmt.Sprintf("Registered with folder %q. Mention %s to get my attention.",
		g.Folder, r.triggerFor(&g))
}

var folderSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeFolder lowers a name into [a-z0-9-]+ ("" when nothing survives).
func sanitizeFolder(name string) string {
	s := folderSanitizer.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// syntheticFolder derives a stable fallback folder from the chat JID.
func syntheticFolder(chatJID string) string {
	suffix := sanitizeFolder(chatJID)
	if len(suffix) > 12 {
		suffix = suffix[len(suffix)-12:]
	}
	if suffix == "" {
		suffix = uuid.NewString()[:8]
	}
	return "chat-" + strings.Trim(suffix, "-")
}

// triggerFor is the gate pattern: the group's own trigger word, falling back
// to the global one when the group has none.
func (r *Router) triggerFor(group *store.RegisteredGroup) string {
	if group.Trigger != "" {
		return group.Trigger
	}
	return r.cfg.EffectiveTrigger()
}

// batchTriggered reports whether any message starts with the trigger word,
// case-insensitively and at a word boundary.
func batchTriggered(msgs []store.Message, trigger string) bool {
	if trigger == "" {
		return true
	}
	re, err := regexp.Compile(`(?i)^` + regexp.QuoteMeta(trigger) + `\b`)
	if err != nil {
		return true
	}
	for _, m := range msgs {
		if re.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}

// buildPrompt wraps the batch in <message> tags with escaped attributes and
// bodies, so the agent sees one well-formed document.
func buildPrompt(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		fmt.Fprintf(&b, "  <message sender=\"%s\" time=\"%s\">%s</message>\n",
			xmlEscape(sender), xmlEscape(m.Timestamp), xmlEscape(m.Content))
	}
	b.WriteString("</messages>")
	return b.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}

// dropOwn removes the assistant's own echoes that slipped past the prefix
// filter (platforms that redeliver bot sends mark them FromMe).
func dropOwn(msgs []store.Message) []store.Message {
	kept := msgs[:0]
	for _, m := range msgs {
		if !m.FromMe {
			kept = append(kept, m)
		}
	}
	return kept
}

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
)

// telegramMaxLen is the Bot API per-message text limit.
const telegramMaxLen = 4096

func parseChatID(chatJID string) (int64, error) {
	raw, _ := channels.SplitJID(chatJID)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q: %w", chatJID, err)
	}
	return id, nil
}

// Send delivers text to a chat, splitting over the platform limit.
func (c *Channel) Send(ctx context.Context, chatJID, text string) error {
	chatID, err := parseChatID(chatJID)
	if err != nil {
		return err
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxLen {
			cutAt := telegramMaxLen
			if idx := strings.LastIndexByte(text[:telegramMaxLen], '\n'); idx > telegramMaxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
	}
	return nil
}

// SendOrUpdateStatus posts or edits the ephemeral status line for a batch.
// The first call replies to the triggering message; later calls edit in
// place, falling back to a fresh message when Telegram rejects the edit
// (message too old or deleted).
func (c *Channel) SendOrUpdateStatus(ctx context.Context, chatJID, correlationID, text string, first bool, replyTo string) error {
	chatID, err := parseChatID(chatJID)
	if err != nil {
		return err
	}

	if !first {
		if msgID, ok := c.StatusMessage(chatJID, correlationID); ok {
			id, convErr := strconv.Atoi(msgID)
			if convErr == nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return err
				}
				_, editErr := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
					ChatID:    tu.ID(chatID),
					MessageID: id,
					Text:      text,
				})
				if editErr == nil {
					return nil
				}
				slog.Debug("telegram status edit failed, sending fresh",
					"chat", chatJID, "message_id", msgID, "error", editErr)
			}
		}
	}

	params := tu.Message(tu.ID(chatID), text)
	if replyTo != "" {
		if rid, convErr := strconv.Atoi(replyTo); convErr == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: rid}
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("telegram status to %d: %w", chatID, err)
	}
	c.TrackStatus(chatJID, correlationID, strconv.Itoa(sent.MessageID))
	return nil
}

// RegisterCommands advertises the command menu via setMyCommands.
func (c *Channel) RegisterCommands(ctx context.Context, cmds []channels.Command) error {
	botCmds := make([]telego.BotCommand, 0, len(cmds))
	for _, cmd := range cmds {
		botCmds = append(botCmds, telego.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: botCmds})
}

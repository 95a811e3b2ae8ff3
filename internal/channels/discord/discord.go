// Package discord connects to the Discord gateway. Events are pushed, so the
// router enqueues chats directly after persisting instead of tailing the
// store; NeedsPolling is false.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// discordMaxLen is the per-message content limit.
const discordMaxLen = 2000

// Channel is the Discord messenger.
type Channel struct {
	*channels.Base
	session   *discordgo.Session
	cfg       config.DiscordConfig
	botUserID string
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &Channel{
		Base:    channels.NewBase("discord"),
		session: session,
		cfg:     cfg,
	}
	// Registered before Open so no gateway event is dropped; delivery is
	// nil-safe until StartListener installs the handler.
	session.AddHandler(c.onMessageCreate)
	return c, nil
}

// Connect opens the gateway connection and fetches the bot identity.
func (c *Channel) Connect(_ context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// StartListener installs the inbound handler. The gateway session was already
// wired in New.
func (c *Channel) StartListener(_ context.Context, handler bus.InboundHandler) error {
	c.SetHandler(handler)
	return nil
}

// Disconnect closes the gateway connection.
func (c *Channel) Disconnect(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// NeedsPolling is false: Discord pushes events.
func (c *Channel) NeedsPolling() bool { return false }

// PollInterval is unused for push platforms.
func (c *Channel) PollInterval() time.Duration { return 0 }

// onMessageCreate normalises one gateway event and delivers it.
func (c *Channel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	// Other bots never drive the agent; our own echoes still get recorded.
	if m.Author.Bot && m.Author.ID != c.botUserID {
		return
	}
	if !c.MarkSeen(m.ID) {
		return
	}

	content := m.Content
	if content == "" && len(m.Attachments) > 0 {
		content = "<media:attachment>"
	}
	if content == "" {
		return
	}

	chatType := bus.ChatTypeGroup
	chatName := ""
	if m.GuildID == "" {
		chatType = bus.ChatTypePrivate
		chatName = m.Author.Username
	} else if ch, err := c.session.State.Channel(m.ChannelID); err == nil {
		chatName = ch.Name
	}

	ts := time.Now()
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp
	}

	c.Deliver(bus.InboundMessage{
		ID:         m.ID,
		ChatJID:    channels.JID(c.Name(), m.ChannelID),
		ChatName:   chatName,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    content,
		Timestamp:  bus.FormatTime(ts),
		ChatType:   chatType,
		FromMe:     m.Author.ID == c.botUserID,
	})
}

// Send delivers text to a channel, splitting over the platform limit.
func (c *Channel) Send(_ context.Context, chatJID, text string) error {
	channelID, _ := channels.SplitJID(chatJID)
	for len(text) > 0 {
		chunk := text
		if len(chunk) > discordMaxLen {
			cutAt := discordMaxLen
			if idx := strings.LastIndexByte(text[:discordMaxLen], '\n'); idx > discordMaxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SendOrUpdateStatus posts or edits the ephemeral status line, falling back
// to a fresh message when the tracked one cannot be edited.
func (c *Channel) SendOrUpdateStatus(_ context.Context, chatJID, correlationID, text string, first bool, replyTo string) error {
	channelID, _ := channels.SplitJID(chatJID)

	if !first {
		if msgID, ok := c.StatusMessage(chatJID, correlationID); ok {
			if _, err := c.session.ChannelMessageEdit(channelID, msgID, text); err == nil {
				return nil
			} else {
				slog.Debug("discord status edit failed, sending fresh",
					"chat", chatJID, "message_id", msgID, "error", err)
			}
		}
	}

	var sent *discordgo.Message
	var err error
	if replyTo != "" {
		sent, err = c.session.ChannelMessageSendReply(channelID, text, &discordgo.MessageReference{
			MessageID: replyTo,
			ChannelID: channelID,
		})
	} else {
		sent, err = c.session.ChannelMessageSend(channelID, text)
	}
	if err != nil {
		return fmt.Errorf("discord status to %s: %w", channelID, err)
	}
	c.TrackStatus(chatJID, correlationID, sent.ID)
	return nil
}

// RegisterCommands is a no-op: the command set rides in message text and
// registering application commands needs per-guild setup out of scope here.
func (c *Channel) RegisterCommands(_ context.Context, _ []channels.Command) error {
	return nil
}

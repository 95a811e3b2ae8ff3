// Package telegram connects to the Telegram Bot API via long polling. Inbound
// updates are normalised and handed to the router; the router tails the store
// for this platform, so NeedsPolling is true.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// Channel is the Telegram messenger.
type Channel struct {
	*channels.Base
	bot          *telego.Bot
	cfg          config.TelegramConfig
	pollInterval time.Duration
	limiter      *rate.Limiter
	botID        int64
	botUsername  string
	pollCancel   context.CancelFunc
	pollDone     chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, pollInterval time.Duration) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	perSecond := cfg.SendRatePerSecond
	if perSecond <= 0 {
		perSecond = 25 // Telegram's global bot limit is ~30 msg/s
	}

	return &Channel{
		Base:         channels.NewBase("telegram"),
		bot:          bot,
		cfg:          cfg,
		pollInterval: pollInterval,
		limiter:      rate.NewLimiter(rate.Limit(perSecond), 5),
	}, nil
}

// Connect validates the token and captures the bot identity.
func (c *Channel) Connect(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.botID = me.ID
	c.botUsername = me.Username
	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", me.Username)
	return nil
}

// StartListener begins long polling for updates.
func (c *Channel) StartListener(ctx context.Context, handler bus.InboundHandler) error {
	c.SetHandler(handler)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Disconnect cancels long polling and waits for the listener to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Disconnect(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// NeedsPolling reports that the router must tail the store for Telegram chats.
func (c *Channel) NeedsPolling() bool { return true }

// PollInterval is the store tail cadence.
func (c *Channel) PollInterval() time.Duration { return c.pollInterval }

// Package telegram implements the Channel delivery callback for Telegram.
//
// Like the discord adapter, this is send-only: it wraps a bot token so Send
// can post text to a chat ID. It never starts long polling, never parses
// commands, and never produces inbound messages. Full Telegram bot behavior
// is outside the gateway orchestrator's scope.
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"

	"github.com/opsnomad/gatewayd/internal/bus"
	"github.com/opsnomad/gatewayd/internal/channels"
	"github.com/opsnomad/gatewayd/internal/config"
)

// Channel is a send-only Telegram delivery adapter.
type Channel struct {
	*channels.BaseChannel
	bot *telego.Bot
}

// New creates a Telegram delivery channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
	}, nil
}

// Start verifies the bot token against the Telegram API. No polling is started.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("verify telegram bot token: %w", err)
	}
	c.SetRunning(true)
	slog.Info("telegram delivery channel connected", "username", me.Username)
	return nil
}

// Stop marks the channel as no longer running. There is no connection to close.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send implements the Channel delivery callback: deliver(target, recipient, text) -> bool.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}
	_, err = c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   msg.Content,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

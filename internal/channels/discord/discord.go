// Package discord implements the Channel delivery callback for Discord.
//
// This adapter only ever sends: it opens a bot session so Send can post a
// message to a channel ID. It does not register message handlers, does not
// parse commands, and does not participate in session/turn routing. Full
// Discord bot behavior (mentions, history, pairing) is outside the gateway
// orchestrator's scope.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/opsnomad/gatewayd/internal/bus"
	"github.com/opsnomad/gatewayd/internal/channels"
	"github.com/opsnomad/gatewayd/internal/config"
)

// Channel is a send-only Discord delivery adapter.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
}

// New creates a Discord delivery channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
	}, nil
}

// Start opens the Discord gateway connection so the session token is validated
// and REST calls are authenticated. No handlers are registered.
func (c *Channel) Start(_ context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.SetRunning(true)
	slog.Info("discord delivery channel connected")
	return nil
}

// Stop closes the Discord session.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send implements the Channel delivery callback: deliver(target, recipient, text) -> bool.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	_, err := c.session.ChannelMessageSend(msg.ChatID, msg.Content)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/basket/labclaw/internal/config"
	"github.com/basket/labclaw/internal/tui"
)

func (c *ChatCmd) Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	token := c.Token
	if token == "" {
		token = cfg.AuthToken
	}
	client, err := tui.Dial(ctx, gatewayURL(c.URL, cfg), token)
	if err != nil {
		return fmt.Errorf("connect to gateway (is `labclaw serve` running?): %w", err)
	}
	defer client.Close()
	return tui.RunChat(ctx, tui.ChatConfig{
		Client:    client,
		SessionID: c.Session,
		Title:     c.Title,
	})
}

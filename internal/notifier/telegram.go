package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"

	"flapjack/internal/config"
	"flapjack/internal/domain"
	"flapjack/internal/outcome"
)

// TelegramHandler delivers jabber-class chat media via the Telegram Bot API.
// Params: bot client and default chat id from the gateway config.
// Returns: chat delivery handler implementation.
type TelegramHandler struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramHandler creates the telegram handler.
// Params: gateway config with bot token and default chat id.
// Returns: handler; missing credentials fail every delivery permanently.
func NewTelegramHandler(gateway config.GatewayConfig) *TelegramHandler {
	handler := &TelegramHandler{chatID: normalizeChatID(gateway.ChatID)}
	if strings.TrimSpace(gateway.Token) == "" {
		handler.initErr = errors.New("telegram bot token is required")
		return handler
	}
	botClient, err := tgbot.New(gateway.Token, tgbot.WithSkipGetMe())
	if err != nil {
		handler.initErr = fmt.Errorf("init telegram bot: %w", err)
		return handler
	}
	handler.client = botClient
	return handler
}

// Type returns the handled medium type.
func (h *TelegramHandler) Type() domain.MediumType { return domain.MediumJabber }

// Deliver posts one alert message to the medium's chat.
// The medium address overrides the gateway default chat id when set.
// Params: context, alert, and rendered message.
// Returns: nil, transient transport error, or permanent config error.
func (h *TelegramHandler) Deliver(ctx context.Context, alert domain.Alert, message string) error {
	if h.initErr != nil {
		return outcome.Fatal(h.initErr)
	}
	if h.client == nil {
		return outcome.Fatal(errors.New("telegram client is not initialized"))
	}

	chatID := h.chatID
	if strings.TrimSpace(alert.Address) != "" {
		chatID = normalizeChatID(alert.Address)
	}
	sent, err := h.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   message,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat ids to int64, keeping others as string.
// Params: configured chat id value.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

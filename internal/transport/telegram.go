package transport

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"permitalert/internal/config"
	"permitalert/internal/notify"
	"permitalert/internal/permanent"
)

// Telegram sends alerts to Telegram chats through Bot API.
// Params: bot token and API base; chat id comes from user preferences.
// Returns: Telegram channel transport.
type Telegram struct {
	client  *tgbot.Bot
	initErr error
}

// NewTelegram creates Telegram transport.
// Params: Telegram notifier config.
// Returns: initialized transport; init errors surface on Send as permanent failures.
func NewTelegram(cfg config.TelegramNotifier) *Telegram {
	transport := &Telegram{}
	if strings.TrimSpace(cfg.BotToken) == "" {
		transport.initErr = errors.New("telegram bot token is required")
		return transport
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		transport.initErr = fmt.Errorf("init telegram bot: %w", err)
		return transport
	}
	transport.client = botClient
	return transport
}

// Send posts one HTML message to chat.
// Params: context, chat id from preferences, and rendered payload.
// Returns: API error; rejected chats and bad requests are permanent.
func (t *Telegram) Send(ctx context.Context, chatID string, payload notify.Payload) error {
	if t.initErr != nil {
		return permanent.Mark(t.initErr)
	}
	if t.client == nil {
		return permanent.Mark(errors.New("telegram client is not initialized"))
	}

	sent, err := t.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(chatID),
		Text:      telegramText(payload),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		err = fmt.Errorf("telegram send: %w", err)
		if errors.Is(err, tgbot.ErrorBadRequest) || errors.Is(err, tgbot.ErrorForbidden) || errors.Is(err, tgbot.ErrorUnauthorized) {
			return permanent.Mark(err)
		}
		return err
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// telegramText renders payload as escaped HTML with bold subject.
func telegramText(payload notify.Payload) string {
	body := html.EscapeString(payload.Body)
	if strings.TrimSpace(payload.Subject) == "" {
		return body
	}
	return "<b>" + html.EscapeString(payload.Subject) + "</b>\n" + body
}

// normalizeChatID converts numeric chat IDs to int64 and keeps channel usernames as string.
// Params: chat id from user preferences.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// Package alert notifies the property managers about events that need a human:
// unmatched payments, refunds and calendar outages.
package alert

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramSender is the part of tgbotapi.BotAPI the alerter uses.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends alerts to the manager chats.
type Telegram struct {
	bot     TelegramSender
	chatIDs []int64
	prefix  string
	logger  zerolog.Logger
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, chatIDs []int64, logger *zerolog.Logger) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return NewTelegramWithSender(bot, chatIDs, logger), nil
}

func NewTelegramWithSender(bot TelegramSender, chatIDs []int64, logger *zerolog.Logger) *Telegram {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Telegram{
		bot:     bot,
		chatIDs: chatIDs,
		prefix:  "⚠️ Lough Hyne\n",
		logger:  logger.With().Str("component", "alert").Logger(),
	}
}

// Alert sends text to every manager chat. Failures are logged.
func (t *Telegram) Alert(ctx context.Context, text string) {
	_ = t.Send(ctx, text)
}

// Send is Alert returning the first delivery error.
func (t *Telegram) Send(ctx context.Context, text string) error {
	var firstErr error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, t.prefix+text)
		msg.DisableWebPagePreview = true
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send alert")
			if firstErr == nil {
				firstErr = fmt.Errorf("send alert to %d: %w", chatID, err)
			}
		}
	}
	return firstErr
}

// Log writes alerts to the log. Used when Telegram is not configured.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger *zerolog.Logger) *Log {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Log{logger: logger.With().Str("component", "alert").Logger()}
}

func (l *Log) Alert(_ context.Context, text string) {
	l.logger.Warn().Str("alert", text).Msg("manager alert")
}

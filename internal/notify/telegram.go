package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mmynk/invoicechain/internal/apperr"
)

// Sender is the part of *tgbotapi.BotAPI used for notifications.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts events to a chat.
type TelegramNotifier struct {
	api    Sender
	chatID int64
}

// NewTelegramNotifier sends through api to chatID.
func NewTelegramNotifier(api Sender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{api: api, chatID: chatID}
}

// DialTelegram authenticates the bot token and returns a notifier for chatID.
func DialTelegram(token string, chatID int64) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	return NewTelegramNotifier(api, chatID), nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, e.String())
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		return apperr.Unavailable("telegram send", err)
	}
	return nil
}

package alert

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramTarget is the chat (and optional forum topic) alerts go to.
type TelegramTarget struct {
	ChatID   int64
	ThreadID int
}

// Telegram sends alerts through the Bot API. It never polls for updates.
type Telegram struct {
	bot    *tele.Bot
	target TelegramTarget
}

func NewTelegram(token string, target TelegramTarget) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if target.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Offline skips the getMe call so construction never touches the network.
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, target: target}, nil
}

// SendAlert implements Sender and logx.AlertSender.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.target.ChatID}, text, &tele.SendOptions{
		ThreadID:              t.target.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}

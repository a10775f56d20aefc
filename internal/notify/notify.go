package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mvallis/fleetgate/internal/config"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageLen = 4000

// Notifier pushes mission observer notifications to Telegram. Send-only; the
// gateway never reads inbound chat messages.
type Notifier struct {
	bot     *telego.Bot
	chatIDs []int64
}

func New(cfg config.TelegramConfig) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{
		bot:     bot,
		chatIDs: cfg.ChatIDs,
	}, nil
}

// Notify sends text to every configured chat, chunked to fit Telegram's
// message size limit. Delivery failures are logged and never surfaced; a
// notification is advisory, not part of the operation that triggered it.
func (n *Notifier) Notify(ctx context.Context, text string) {
	for _, chatID := range n.chatIDs {
		for _, part := range splitMessage(text, maxMessageLen) {
			msg := tu.Message(tu.ID(chatID), part)
			if _, err := n.bot.SendMessage(ctx, msg); err != nil {
				slog.Error("telegram notification failed", "chat", chatID, "error", err)
			}
		}
	}
}

// splitMessage breaks text into pieces no longer than limit, preferring to
// cut at the last newline in range so a status line is never torn in half.
func splitMessage(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := limit
		if i := strings.LastIndexByte(text[:limit], '\n'); i > limit/2 {
			cut = i + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return append(parts, text)
}

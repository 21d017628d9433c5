package telegram

import (
	"context"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
)

// LoggingMiddleware logs every update with its sender and handling time.
func LoggingMiddleware(logger zerolog.Logger) tgbot.Middleware {
	return func(next tgbot.HandlerFunc) tgbot.HandlerFunc {
		return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
			start := time.Now()
			event := logger.Debug().Int64("update_id", update.ID)
			if update.Message != nil {
				event = event.Int64("chat_id", update.Message.Chat.ID).Str("text_preview", truncate(update.Message.Text, 32))
				if update.Message.From != nil {
					event = event.Int64("user_id", update.Message.From.ID)
				}
			}

			next(ctx, b, update)

			event.Dur("duration", time.Since(start)).Msg("telegram update handled")
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func applyMiddleware(handler tgbot.HandlerFunc, mw []tgbot.Middleware) tgbot.HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

package telegram

import (
	"context"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// cooldown remembers when each sender was last let through.
type cooldown struct {
	mu     sync.Mutex
	period time.Duration
	last   map[int64]time.Time
	now    func() time.Time
}

func newCooldown(period time.Duration) *cooldown {
	return &cooldown{
		period: period,
		last:   make(map[int64]time.Time),
		now:    time.Now,
	}
}

// allow reports whether userID may proceed and, if so, starts its cooldown.
func (c *cooldown) allow(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[userID]; ok && now.Sub(last) < c.period {
		return false
	}
	c.last[userID] = now

	for id, at := range c.last {
		if now.Sub(at) >= c.period {
			delete(c.last, id)
		}
	}
	return true
}

// CooldownMiddleware stops a sender from requesting codes faster than the
// cooldown period and tells them to wait.
func (b *Bot) CooldownMiddleware() tgbot.Middleware {
	return func(next tgbot.HandlerFunc) tgbot.HandlerFunc {
		return func(ctx context.Context, tg *tgbot.Bot, update *models.Update) {
			if update.Message == nil || update.Message.From == nil {
				next(ctx, tg, update)
				return
			}
			if !b.cooldown.allow(update.Message.From.ID) {
				b.logger.Debug().Int64("user_id", update.Message.From.ID).Msg("code request within cooldown")
				b.reply(ctx, tg, update.Message.Chat.ID, cooldownText)
				return
			}
			next(ctx, tg, update)
		}
	}
}

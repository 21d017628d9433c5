// Package telegram runs the bot that hands out login codes. Anyone who
// messages it with /start, /code or /login gets a fresh one-time code tied
// to their Telegram account.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	chatmodels "github.com/pliu/chatty/internal/models"
)

// CodeCooldown is the minimum time between two codes for one sender.
const CodeCooldown = 30 * time.Second

var ErrNoToken = errors.New("telegram bot token is empty")

// CodeIssuer creates login codes for a Telegram identity.
type CodeIssuer interface {
	IssueCode(ctx context.Context, externalID int64, username, displayName string) (*chatmodels.AuthCode, error)
}

// RegisteredHandler is a command handler with its match rules and middleware.
type RegisteredHandler struct {
	HandlerType tgbot.HandlerType
	Pattern     string
	Handler     tgbot.HandlerFunc
	Middleware  []tgbot.Middleware
	MatchType   tgbot.MatchType
}

type Bot struct {
	tg       *tgbot.Bot
	issuer   CodeIssuer
	codeTTL  time.Duration
	cooldown *cooldown
	logger   zerolog.Logger

	// reply sends text to a chat; replaced in tests.
	reply func(ctx context.Context, tg *tgbot.Bot, chatID int64, text string)
}

// New creates the bot. Extra options are passed to the Telegram client.
func New(token string, issuer CodeIssuer, codeTTL time.Duration, logger zerolog.Logger, opts ...tgbot.Option) (*Bot, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	b := &Bot{
		issuer:   issuer,
		codeTTL:  codeTTL,
		cooldown: newCooldown(CodeCooldown),
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
	b.reply = b.send

	opts = append([]tgbot.Option{
		tgbot.WithMiddlewares(LoggingMiddleware(b.logger)),
		tgbot.WithDefaultHandler(b.handleOther),
	}, opts...)

	tg, err := tgbot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	b.tg = tg

	for name, h := range b.Commands() {
		b.tg.RegisterHandler(h.HandlerType, h.Pattern, h.MatchType, applyMiddleware(h.Handler, h.Middleware))
		b.logger.Debug().Str("command", name).Msg("registered handler")
	}
	return b, nil
}

// Commands returns the command handlers keyed by command.
func (b *Bot) Commands() map[string]RegisteredHandler {
	command := func(pattern string, h tgbot.HandlerFunc, mw ...tgbot.Middleware) RegisteredHandler {
		return RegisteredHandler{
			HandlerType: tgbot.HandlerTypeMessageText,
			Pattern:     pattern,
			Handler:     h,
			Middleware:  mw,
			MatchType:   tgbot.MatchTypeCommandStartOnly,
		}
	}
	limited := b.CooldownMiddleware()
	return map[string]RegisteredHandler{
		"/start": command("start", b.handleCode, limited),
		"/code":  command("code", b.handleCode, limited),
		"/login": command("login", b.handleCode, limited),
		"/help":  command("help", b.handleHelp),
	}
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info().Msg("telegram bot started")
	b.tg.Start(ctx)
	b.logger.Info().Msg("telegram bot stopped")
	if ctx.Err() == nil {
		return errors.New("telegram listener stopped unexpectedly")
	}
	return nil
}

func (b *Bot) handleCode(ctx context.Context, tg *tgbot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	b.reply(ctx, tg, update.Message.Chat.ID, b.CodeReply(ctx, update.Message.From))
}

func (b *Bot) handleHelp(ctx context.Context, tg *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	text, err := HelpText()
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to render help")
		return
	}
	b.reply(ctx, tg, update.Message.Chat.ID, text)
}

func (b *Bot) handleOther(ctx context.Context, tg *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	var name string
	if update.Message.From != nil {
		name = update.Message.From.FirstName
	}
	text, err := GreetingText(name)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to render greeting")
		return
	}
	b.reply(ctx, tg, update.Message.Chat.ID, text)
}

// CodeReply issues a code for the sender and returns the reply text. Failures
// produce an apology rather than an error so the user always hears back.
func (b *Bot) CodeReply(ctx context.Context, from *models.User) string {
	code, err := b.issuer.IssueCode(ctx, from.ID, from.Username, DisplayName(from))
	if err != nil {
		b.logger.Error().Err(err).Int64("user_id", from.ID).Msg("failed to issue login code")
		return failureText
	}

	text, err := CodeText(code.Code, b.codeTTL)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to render login code")
		return failureText
	}
	b.logger.Info().Int64("user_id", from.ID).Msg("login code sent")
	return text
}

func (b *Bot) send(ctx context.Context, tg *tgbot.Bot, chatID int64, text string) {
	_, err := tg.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send telegram message")
	}
}

// DisplayName joins the sender's first and last name.
func DisplayName(u *models.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Package telegram delivers alerts and digests through the bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TargetSelf addresses the operator's own direct conversation.
const TargetSelf = "me"

// Sender sends Markdown messages through the bot API, rate limited to
// stay under the platform's flood control.
type Sender struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	ownerID atomic.Int64
	logger  *zerolog.Logger
}

// NewSender creates a sender. ownerID is the chat resolved for the
// "me" target.
func NewSender(token string, ownerID int64, rps int, logger *zerolog.Logger) (*Sender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating bot api: %w", err)
	}

	if rps <= 0 {
		rps = 1
	}

	s := &Sender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		logger:  logger,
	}
	s.ownerID.Store(ownerID)

	return s, nil
}

// SetOwner updates the chat backing the "me" target. Called from the
// auth-queue goroutine once the session controller learns the operator's
// identity, so the field is atomic against concurrent sends.
func (s *Sender) SetOwner(id int64) {
	s.ownerID.Store(id)
}

// Send delivers one Markdown message to a target. The target is "me",
// a numeric chat ID, or an @username.
func (s *Sender) Send(ctx context.Context, target, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}

	msg, err := s.message(target, text)
	if err != nil {
		return err
	}

	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("sending to %s: %w", target, err)
	}

	return nil
}

func (s *Sender) message(target, text string) (tgbotapi.MessageConfig, error) {
	var msg tgbotapi.MessageConfig

	switch {
	case target == "" || target == TargetSelf:
		owner := s.ownerID.Load()
		if owner == 0 {
			return msg, fmt.Errorf("target %q unresolved: owner identity unknown", TargetSelf)
		}

		msg = tgbotapi.NewMessage(owner, text)
	case strings.HasPrefix(target, "@"):
		msg = tgbotapi.NewMessageToChannel(target, text)
	default:
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return msg, fmt.Errorf("invalid delivery target %q", target)
		}

		msg = tgbotapi.NewMessage(chatID, text)
	}

	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	return msg, nil
}

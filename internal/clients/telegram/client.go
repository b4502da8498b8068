// Package telegram sends critical alert notifications to an operator chat.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

// sender is the part of the bot API used here
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client posts alerts to one chat
type Client struct {
	bot            sender
	log            zerolog.Logger
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a client. The bot token is verified against the API.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, log zerolog.Logger) (*Client, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, id, maxRetries, retryDelayBase, log), nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration, log zerolog.Logger) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		log:            log.With().Str("client", "telegram").Logger(),
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// NotifyAlert sends one alert, retrying with linear backoff until ctx ends
func (c *Client) NotifyAlert(ctx context.Context, alert *domain.DivergenceAlert) error {
	msg := tgbotapi.NewMessage(c.chatID, FormatAlert(alert))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			c.log.Debug().Str("alert_id", alert.ID).Msg("Operator notified")
			return nil
		} else {
			lastErr = err
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("notification cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// FormatAlert renders an alert as a MarkdownV2 message
func FormatAlert(alert *domain.DivergenceAlert) string {
	ev := alert.SupportingEvidence

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s %s* \\- %s\n",
		escapeMarkdownV2(strings.ToUpper(string(alert.Severity))),
		escapeMarkdownV2(alert.Ticker),
		escapeMarkdownV2(strings.ReplaceAll(string(alert.AlertType), "_", " ")))
	fmt.Fprintf(&b, "📊 Volume %s avg, price %s\n",
		escapeMarkdownV2(fmt.Sprintf("%.1fx", ev.DeviationMultiple)),
		escapeMarkdownV2(fmt.Sprintf("%+.1f%%", ev.PriceChangePercent)))
	fmt.Fprintf(&b, "🎯 Confidence %s\n", escapeMarkdownV2(fmt.Sprintf("%.0f", alert.ConfidenceScore)))
	if alert.Hypothesis != "" {
		fmt.Fprintf(&b, "\n_%s_\n", escapeMarkdownV2(alert.Hypothesis))
	}
	if !alert.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "\n📅 %s", escapeMarkdownV2(alert.CreatedAt.UTC().Format("2006-01-02 15:04:05")))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

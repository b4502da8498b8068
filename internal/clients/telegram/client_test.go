package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

type fakeBot struct {
	failures int
	sent     []tgbotapi.MessageConfig
	calls    int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.calls <= f.failures {
		return tgbotapi.Message{}, errors.New("Too Many Requests")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func testAlert() *domain.DivergenceAlert {
	return &domain.DivergenceAlert{
		ID:              "a1",
		Ticker:          "BRK.B",
		AlertType:       domain.AlertTypeFilingContradiction,
		Severity:        domain.SeverityCritical,
		ConfidenceScore: 90,
		Hypothesis:      "Volume ran 5.5x (avg) with no filing.",
		SupportingEvidence: domain.SupportingEvidence{
			DeviationMultiple:  5.5,
			PriceChangePercent: 12,
		},
		CreatedAt: time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC),
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, escapeMarkdownV2(tt.input))
		})
	}
}

func TestFormatAlert(t *testing.T) {
	text := FormatAlert(testAlert())

	assert.Contains(t, text, "*CRITICAL BRK\\.B* \\- filing contradiction")
	assert.Contains(t, text, "Volume 5\\.5x avg, price \\+12\\.0%")
	assert.Contains(t, text, "Confidence 90")
	assert.Contains(t, text, "_Volume ran 5\\.5x \\(avg\\) with no filing\\._")
	assert.Contains(t, text, "2026\\-03\\-02 14:20:00")
}

func TestNotifyAlert_RetriesThenSucceeds(t *testing.T) {
	bot := &fakeBot{failures: 2}
	c := newClient(bot, 42, 3, time.Millisecond, zerolog.Nop())

	require.NoError(t, c.NotifyAlert(context.Background(), testAlert()))
	assert.Equal(t, 3, bot.calls)
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdownV2, bot.sent[0].ParseMode)
}

func TestNotifyAlert_GivesUp(t *testing.T) {
	bot := &fakeBot{failures: 10}
	c := newClient(bot, 42, 2, time.Millisecond, zerolog.Nop())

	err := c.NotifyAlert(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 2 retries")
	assert.Equal(t, 2, bot.calls)
}

func TestNotifyAlert_StopsOnCancel(t *testing.T) {
	bot := &fakeBot{failures: 10}
	c := newClient(bot, 42, 5, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.NotifyAlert(ctx, testAlert())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, bot.calls)
}

func TestNewClient_InvalidChatID(t *testing.T) {
	_, err := NewClient("", "not-a-number", 3, time.Second, zerolog.Nop())
	assert.Error(t, err)
}

package alert

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// TelegramChannel posts alerts to one chat. The bot client is created on the
// first send so a bad token never blocks startup.
type TelegramChannel struct {
	botToken string
	chatID   int64
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter

	mu  sync.Mutex
	bot *tgbot.BotAPI
}

// NewTelegramChannel returns a channel limited to one message per second,
// under Telegram's per-chat limit
func NewTelegramChannel(botToken, chatID string) (*TelegramChannel, error) {
	var id int64
	if chatID != "" {
		parsed, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
		}
		id = parsed
	}
	return &TelegramChannel{
		botToken: botToken,
		chatID:   id,
		endpoint: tgbot.APIEndpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
	}, nil
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == 0 {
		return nil
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	bot, err := t.getBot()
	if err != nil {
		return err
	}

	msg := tgbot.NewMessage(t.chatID, formatTelegram(alert))
	msg.ParseMode = tgbot.ModeMarkdown

	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func (t *TelegramChannel) getBot() (*tgbot.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbot.NewBotAPIWithClient(t.botToken, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init failed: %w", err)
	}
	t.bot = bot
	return bot, nil
}

func formatTelegram(alert AlertPayload) string {
	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)

	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
		}
	}
	return b.String()
}

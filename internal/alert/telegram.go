package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// TelegramChannel sends alerts through the Telegram bot API. Empty
// credentials disable it.
type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string, timeout time.Duration) *TelegramChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  "https://api.telegram.org",
		client:   &http.Client{Timeout: timeout},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func levelIcon(l Level) string {
	switch l {
	case Warning:
		return "⚠️"
	case Error:
		return "❌"
	case Critical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// renderText lays the payload out as a Markdown message. Fields are
// sorted so repeated alerts render identically in chat.
func renderText(p Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", levelIcon(p.Level), p.Level, p.Title, p.Message)

	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- *%s*: %s", k, p.Fields[k])
	}
	return b.String()
}

func (t *TelegramChannel) Send(ctx context.Context, p Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       renderText(p),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Telegram explains rejections in the body; surface it.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Telegram pushes the single per-run insight to a chat via the bot API.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegram registers bot token and chat identifier.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether credentials are present.
func (t *Telegram) Configured() bool {
	return t != nil && t.botToken != "" && t.chatID != ""
}

// PushInsight sends a finding with its topic and score. The finding text is
// truncated to 300 chars to keep the message scannable on a phone.
func (t *Telegram) PushInsight(ctx context.Context, topic string, score float64, finding string) error {
	if !t.Configured() {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	if len(finding) > 300 {
		finding = finding[:300]
	}
	msg := fmt.Sprintf("\U0001F4A1 [%s] (quality: %.1f/5)\n\n%s", topic, score, finding)

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", msg)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
	return nil
}

package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// alertStyle is how one alert level renders in a chat
type alertStyle struct {
	icon   string
	title  string
	silent bool
}

var alertStyles = map[string]alertStyle{
	LevelInfo:    {icon: "ℹ️", title: "Safety core", silent: true},
	LevelSuccess: {icon: "✅", title: "Safety core", silent: true},
	LevelWarning: {icon: "⚠️", title: "Safety core warning"},
	LevelError:   {icon: "🚨", title: "SAFETY CORE ERROR"},
}

// TelegramNotifier posts alerts to one Telegram chat through the Bot API
type TelegramNotifier struct {
	token   string
	chatID  string
	source  string
	baseURL string
	client  *http.Client
	clock   func() time.Time
}

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		baseURL: defaultTelegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
		clock:   time.Now,
	}
}

// WithBaseURL points the notifier at a different API host
func (t *TelegramNotifier) WithBaseURL(baseURL string) *TelegramNotifier {
	t.baseURL = strings.TrimRight(baseURL, "/")
	return t
}

// WithSource names the process in every message, e.g. the host running serve
func (t *TelegramNotifier) WithSource(source string) *TelegramNotifier {
	t.source = source
	return t
}

// SendAlert implements Notifier. Info and success alerts are delivered silently.
func (t *TelegramNotifier) SendAlert(level, message string) error {
	style, ok := alertStyles[level]
	if !ok {
		style = alertStyles[LevelInfo]
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:              t.chatID,
		Text:                t.format(style, message),
		ParseMode:           "HTML",
		DisableNotification: style.silent,
	})
	if err != nil {
		return fmt.Errorf("failed to encode telegram message: %w", err)
	}

	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	resp, err := t.client.Post(apiURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	var result sendMessageResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && result.Description != "" {
			return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	if decodeErr == nil && !result.OK {
		return fmt.Errorf("telegram API rejected message: %s", result.Description)
	}
	return nil
}

// format renders the HTML message with the alert text escaped
func (t *TelegramNotifier) format(style alertStyle, message string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>", style.icon, html.EscapeString(style.title))
	if t.source != "" {
		fmt.Fprintf(&b, " · %s", html.EscapeString(t.source))
	}
	fmt.Fprintf(&b, "\n<i>%s</i>\n\n%s", t.clock().UTC().Format("2006-01-02 15:04:05 MST"), html.EscapeString(message))
	return b.String()
}

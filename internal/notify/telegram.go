package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/retry"
)

// TelegramConfig configures the Bot API notifier.
type TelegramConfig struct {
	BotToken          string        `yaml:"bot_token"`
	ChatID            string        `yaml:"chat_id"`
	APIBase           string        `yaml:"api_base"`
	Timeout           time.Duration `yaml:"timeout"`
	MessagesPerSecond float64       `yaml:"messages_per_second"` // 0 = unpaced
	Retry             retry.Policy  `yaml:"retry"`
}

// DefaultTelegramConfig paces messages at one per second, the Bot API's
// per-chat limit.
func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{
		APIBase:           "https://api.telegram.org",
		Timeout:           10 * time.Second,
		MessagesPerSecond: 1,
		Retry:             retry.DefaultPolicy(),
	}
}

// Telegram sends MarkdownV2 messages to one chat through the Bot API.
type Telegram struct {
	cfg     TelegramConfig
	http    *http.Client
	limiter *rate.Limiter

	sent   atomic.Int64
	failed atomic.Int64
}

// NewTelegram validates cfg and builds the notifier.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, errors.New("notify: telegram bot token and chat id are required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}
	return &Telegram{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Notify formats st and sends it.
func (t *Telegram) Notify(ctx context.Context, st market.SmartTrade) error {
	if err := t.Send(ctx, FormatSmartTrade(st)); err != nil {
		return fmt.Errorf("notify: telegram %s: %w", st.Signature, err)
	}
	return nil
}

// Send delivers one preformatted MarkdownV2 message.
func (t *Telegram) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                t.cfg.ChatID,
		Text:                  text,
		ParseMode:             "MarkdownV2",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	err = t.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		return t.post(ctx, body)
	})
	if err != nil {
		t.failed.Add(1)
		log.Error().Err(err).Str("class", retry.Class(err)).Int("bytes", len(text)).Msg("notify: telegram message not sent")
		return err
	}
	t.sent.Add(1)
	return nil
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// APIError is a rejected Bot API call.
type APIError struct {
	StatusCode  int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: HTTP %d: %s (retry after %s)", e.StatusCode, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: HTTP %d: %s", e.StatusCode, e.Description)
}

func (t *Telegram) post(ctx context.Context, body []byte) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.APIBase, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(errors.New("telegram: invalid api base"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		// url.Error carries the endpoint, which embeds the bot token.
		var ue *url.Error
		if errors.As(err, &ue) {
			return fmt.Errorf("telegram: %s: %w", ue.Op, ue.Err)
		}
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	var ar apiResponse
	_ = json.Unmarshal(raw, &ar)
	if resp.StatusCode == http.StatusOK && ar.OK {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Description: ar.Description}
	if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return apiErr
	default:
		return retry.Permanent(apiErr)
	}
}

// TelegramStats is exposed on /stats.
type TelegramStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Stats returns delivery counters.
func (t *Telegram) Stats() TelegramStats {
	return TelegramStats{Sent: t.sent.Load(), Failed: t.failed.Load()}
}

// ABOUTME: Telegram Bot API client used to deliver magic login links
// ABOUTME: Sends HTML messages through a bounded retry policy with per-attempt timeouts

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/maintdesk/internal/retry"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// APIError is a failure reported by the Bot API.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram api status %d", e.StatusCode)
	}
	return fmt.Sprintf("telegram api status %d: %s", e.StatusCode, e.Description)
}

// retryable reports whether the failure may succeed on another attempt.
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Client talks to the Bot API.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	retry   *retry.Runner
	logger  *slog.Logger
}

// Config configures a Client.
type Config struct {
	Token   string
	APIURL  string
	Timeout time.Duration // per attempt
	Retries int           // total attempts
}

// NewClient creates a Bot API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy := retry.DefaultPolicy()
	policy.Timeout = cfg.Timeout
	if cfg.Retries > 0 {
		policy.Attempts = cfg.Retries
	}

	return &Client{
		token:   cfg.Token,
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		http:    &http.Client{},
		retry:   retry.New("telegram", policy, logger),
		logger:  logger.With("component", "telegram"),
	}
}

type apiResponse[T any] struct {
	Ok          bool   `json:"ok"`
	Result      T      `json:"result"`
	Description string `json:"description"`
}

// Message is the subset of a sent message the client reads back.
type Message struct {
	MessageID int  `json:"message_id"`
	Chat      Chat `json:"chat"`
}

// Chat identifies a conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// SendMessage sends an HTML formatted message to the chat. Transient
// failures are retried; the final error wraps retry.ErrUnavailable.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token),
			bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		var res apiResponse[Message]
		return c.do(req, &res)
	})
}

// SendLoginLink delivers a magic login link to the user's private chat.
func (c *Client) SendLoginLink(ctx context.Context, telegramID int64, link string, validFor time.Duration) error {
	text := fmt.Sprintf(
		"<b>Sign in to maintdesk</b>\n\n<a href=\"%s\">Open the dashboard</a>\n\nThe link works once and expires in %d minutes.",
		html.EscapeString(link), int(validFor.Minutes()),
	)
	if err := c.SendMessage(ctx, telegramID, text); err != nil {
		return err
	}
	c.logger.Debug("sent login link", "telegram_id", telegramID)
	return nil
}

func (c *Client) do(req *http.Request, out *apiResponse[Message]) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	_ = json.Unmarshal(data, out)

	if resp.StatusCode >= http.StatusBadRequest || !out.Ok {
		apiErr := &APIError{StatusCode: resp.StatusCode, Description: out.Description}
		if apiErr.retryable() {
			return apiErr
		}
		return retry.Permanent(apiErr)
	}
	return nil
}

package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/httpretry"
)

// ErrInvalidToken means the push provider no longer accepts the device
// token. The token should be forgotten.
var ErrInvalidToken = errors.New("invalid push token")

type PushMessage struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type PushSender interface {
	SendPush(ctx context.Context, msg PushMessage) (messageID string, err error)
}

// LogPushSender logs messages instead of sending them.
type LogPushSender struct {
	Logger *slog.Logger
}

func (l LogPushSender) SendPush(ctx context.Context, msg PushMessage) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "push message", "title", msg.Title, "body", msg.Body, "data", msg.Data)
	return "logged", nil
}

// WebhookPushSender posts messages to a push relay. The relay answers 404
// or 410 for tokens it no longer recognises.
type WebhookPushSender struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	Policy     httpretry.Policy
}

type pushResponse struct {
	MessageID string `json:"messageId"`
}

func (w WebhookPushSender) SendPush(ctx context.Context, msg PushMessage) (string, error) {
	url := strings.TrimSpace(w.URL)
	if url == "" {
		return "", errors.New("no push relay URL configured")
	}
	client := w.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	policy := w.Policy
	if policy.MaxRetries == 0 && policy.BaseDelay == 0 {
		policy = httpretry.DefaultPolicy()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if w.Token != "" {
			req.Header.Set("Authorization", "Bearer "+w.Token)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < policy.MaxRetries {
				if waitErr := httpretry.Wait(ctx, policy.Delay(attempt+1, "")); waitErr != nil {
					return "", waitErr
				}
				continue
			}
			return "", err
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var out pushResponse
			_ = json.Unmarshal(data, &out)
			return out.MessageID, nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return "", fmt.Errorf("%w: relay answered %d", ErrInvalidToken, resp.StatusCode)
		case httpretry.Retryable(resp.StatusCode) && attempt < policy.MaxRetries:
			delay := policy.Delay(attempt+1, resp.Header.Get("Retry-After"))
			if err := httpretry.Wait(ctx, delay); err != nil {
				return "", err
			}
			continue
		}
		return "", &httpretry.HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
}

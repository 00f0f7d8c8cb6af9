package notice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SystemNotification is a platform-level alert (desktop notification, push
// message). Tag identifies the alert so the platform can collapse repeats.
type SystemNotification struct {
	Title string            `json:"title"`
	Body  string            `json:"body,omitempty"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type SystemNotifier interface {
	NotifySystem(ctx context.Context, n SystemNotification) error
}

type LogSystemNotifier struct {
	Logger *slog.Logger
}

func (l LogSystemNotifier) NotifySystem(ctx context.Context, n SystemNotification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "system notification", "title", n.Title, "body", n.Body, "tag", n.Tag)
	return nil
}

// WebhookSystemNotifier posts notifications as JSON to a webhook endpoint
// (a push relay, a desktop helper, a chat incoming hook).
type WebhookSystemNotifier struct {
	URL        string
	HTTPClient *http.Client
}

func (w WebhookSystemNotifier) NotifySystem(ctx context.Context, n SystemNotification) error {
	url := strings.TrimSpace(w.URL)
	if url == "" {
		return fmt.Errorf("no webhook URL configured")
	}
	client := w.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relaysync-Event", "system_notification")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// TagDeduper drops notifications whose Tag was already delivered by this
// process. Untagged notifications always pass.
type TagDeduper struct {
	Next SystemNotifier

	mu   sync.Mutex
	seen map[string]struct{}
}

func (d *TagDeduper) NotifySystem(ctx context.Context, n SystemNotification) error {
	if n.Tag != "" {
		d.mu.Lock()
		if d.seen == nil {
			d.seen = map[string]struct{}{}
		}
		if _, ok := d.seen[n.Tag]; ok {
			d.mu.Unlock()
			return nil
		}
		d.seen[n.Tag] = struct{}{}
		d.mu.Unlock()
	}
	if d.Next == nil {
		return nil
	}
	return d.Next.NotifySystem(ctx, n)
}

// Package mailer sends transactional email through an EmailJS-compatible
// REST endpoint.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/httpretry"
)

var ErrNotConfigured = errors.New("mailer is not configured")

type Sender interface {
	Send(ctx context.Context, serviceID, templateID string, params map[string]any) error
	// IsConfigured is checked before any send attempt.
	IsConfigured() bool
}

type Templates struct {
	ContactOwner     string `mapstructure:"contact_owner" json:"contactOwner"`
	AppointmentOwner string `mapstructure:"appointment_owner" json:"appointmentOwner"`
}

type ClientOptions struct {
	BaseURL    string
	PublicKey  string
	PrivateKey string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	publicKey  string
	privateKey string
	httpClient *http.Client
	userAgent  string
	policy     httpretry.Policy
}

type sendRequest struct {
	ServiceID      string         `json:"service_id"`
	TemplateID     string         `json:"template_id"`
	UserID         string         `json:"user_id"`
	AccessToken    string         `json:"accessToken,omitempty"`
	TemplateParams map[string]any `json:"template_params"`
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.emailjs.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	policy := httpretry.DefaultPolicy()
	if opts.MaxRetries > 0 {
		policy.MaxRetries = opts.MaxRetries
	}
	if opts.BaseDelay > 0 {
		policy.BaseDelay = opts.BaseDelay
	}
	if opts.MaxDelay > 0 {
		policy.MaxDelay = opts.MaxDelay
	}
	return &Client{
		baseURL:    baseURL,
		publicKey:  strings.TrimSpace(opts.PublicKey),
		privateKey: strings.TrimSpace(opts.PrivateKey),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		policy:     policy,
	}
}

func (c *Client) IsConfigured() bool {
	return c != nil && c.publicKey != ""
}

func (c *Client) Send(ctx context.Context, serviceID, templateID string, params map[string]any) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	serviceID = strings.TrimSpace(serviceID)
	templateID = strings.TrimSpace(templateID)
	if serviceID == "" || templateID == "" {
		return fmt.Errorf("%w: service and template ids are required", ErrNotConfigured)
	}
	bodyBytes, err := json.Marshal(sendRequest{
		ServiceID:      serviceID,
		TemplateID:     templateID,
		UserID:         c.publicKey,
		AccessToken:    c.privateKey,
		TemplateParams: params,
	})
	if err != nil {
		return err
	}
	url := c.baseURL + "/api/v1.0/email/send"

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.policy.MaxRetries {
				if waitErr := httpretry.Wait(ctx, c.policy.Delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if httpretry.Retryable(resp.StatusCode) && attempt < c.policy.MaxRetries {
			if waitErr := httpretry.Wait(ctx, c.policy.Delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &httpretry.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}
}

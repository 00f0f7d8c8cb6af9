package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentworkforce/relaysync/internal/httpretry"
	"github.com/agentworkforce/relaysync/internal/mailer"
)

var (
	// ErrPermanent marks a failure that no retry can fix. Operations failing
	// with it are evicted at once.
	ErrPermanent      = errors.New("permanent failure")
	ErrUnknownKind    = fmt.Errorf("%w: unknown operation kind", ErrPermanent)
	ErrInvalidPayload = fmt.Errorf("%w: invalid payload", ErrPermanent)
)

type Dispatcher interface {
	Dispatch(ctx context.Context, op PendingOperation) error
	// IsConfigured reports whether Dispatch can work at all. Drain passes
	// are skipped while it is false.
	IsConfigured() bool
}

// MailDispatcher delivers operations as owner notification emails.
type MailDispatcher struct {
	Sender    mailer.Sender
	ServiceID string
	Templates mailer.Templates
}

func (d MailDispatcher) IsConfigured() bool {
	return d.Sender != nil && d.Sender.IsConfigured() && d.ServiceID != "" &&
		(d.Templates.ContactOwner != "" || d.Templates.AppointmentOwner != "")
}

func (d MailDispatcher) Dispatch(ctx context.Context, op PendingOperation) error {
	payload, err := DecodePayload(op)
	if err != nil {
		return err
	}
	var templateID string
	var params map[string]any
	switch p := payload.(type) {
	case ContactMessage:
		templateID = d.Templates.ContactOwner
		params = contactParams(p)
	case AppointmentNotification:
		templateID = d.Templates.AppointmentOwner
		params = appointmentParams(p)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, payload)
	}
	if templateID == "" {
		return fmt.Errorf("%w: no template for %s", ErrPermanent, op.Kind)
	}
	if err := d.Sender.Send(ctx, d.ServiceID, templateID, params); err != nil {
		return classifySendError(err)
	}
	return nil
}

func contactParams(p ContactMessage) map[string]any {
	return map[string]any{
		"subject":    "New contact message",
		"to_name":    "Owner",
		"from_name":  p.Name,
		"from_email": p.Email,
		"phone":      p.Phone,
		"message":    p.Message,
		"status":     p.Status,
		"created_at": createdAt(p.CreatedAt),
	}
}

func appointmentParams(p AppointmentNotification) map[string]any {
	return map[string]any{
		"to_name":      "Owner",
		"user_name":    p.Name,
		"user_email":   p.Email,
		"user_phone":   p.Phone,
		"service_type": p.ServiceType,
		"date":         p.Date,
		"time":         p.Time,
		"notes":        p.Notes,
		"uid":          p.UID,
		"created_at":   createdAt(p.CreatedAt),
	}
}

func createdAt(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// classifySendError marks client errors other than timeouts and throttling
// as permanent.
func classifySendError(err error) error {
	if errors.Is(err, mailer.ErrNotConfigured) {
		return err
	}
	var httpErr *httpretry.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
		httpErr.StatusCode != http.StatusRequestTimeout && httpErr.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}

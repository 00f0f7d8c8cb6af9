// Package booking holds the submit handlers behind the client's forms. Each
// one writes its primary record through the document store and then
// performs, stages or queues the side effect depending on connectivity.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/appointment"
	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/docstore"
	"github.com/agentworkforce/relaysync/internal/notice"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/pendingedit"
)

const (
	ContactsCollection = "contacts"

	DefaultRecentWindow = 2000 * time.Millisecond
	DefaultProbeTimeout = 1200 * time.Millisecond

	contactStatusNew = "new"
)

var ErrInvalidInput = errors.New("invalid input")

// Connectivity is the view of the connectivity monitor the handlers use to
// decide whether to try a side effect now.
type Connectivity interface {
	IsOnline() bool
	WasRecentlyOffline(window time.Duration) bool
	ProbeReachable(ctx context.Context, timeout time.Duration) bool
}

// Outcome reports what happened to a submission's side effect.
type Outcome struct {
	ID string `json:"id,omitempty"`
	// Delivered is set when the side effect completed during the call.
	Delivered bool `json:"delivered"`
	// Deferred is set when the side effect was queued or staged for the
	// next reconnect.
	Deferred bool `json:"deferred"`
}

type Options struct {
	RecentWindow time.Duration
	ProbeTimeout time.Duration
	Presenter    notice.Presenter
	Clock        clock.Clock
	Logger       *slog.Logger
}

type Handlers struct {
	store     docstore.Store
	outbox    *outbox.Outbox
	edits     *pendingedit.Store
	committer pendingedit.Committer
	monitor   Connectivity
	opts      Options
	logger    *slog.Logger
}

func New(store docstore.Store, ob *outbox.Outbox, edits *pendingedit.Store, committer pendingedit.Committer, monitor Connectivity, opts Options) (*Handlers, error) {
	if store == nil || ob == nil || edits == nil || committer == nil || monitor == nil {
		return nil, errors.New("booking requires a store, outbox, pending edit store, committer and monitor")
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = DefaultRecentWindow
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Presenter == nil {
		opts.Presenter = notice.Discard
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		outbox:    ob,
		edits:     edits,
		committer: committer,
		monitor:   monitor,
		opts:      opts,
		logger:    opts.Logger.With("component", "booking"),
	}, nil
}

// offline reports whether a side effect should be deferred without trying
// it. A connection that came back moments ago counts as offline.
func (h *Handlers) offline(ctx context.Context) bool {
	if h.monitor.WasRecentlyOffline(h.opts.RecentWindow) || !h.monitor.IsOnline() {
		return true
	}
	return !h.monitor.ProbeReachable(ctx, h.opts.ProbeTimeout)
}

type ContactForm struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message"`
}

func (f ContactForm) validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(f.Email)); err != nil {
		return fmt.Errorf("%w: email %q", ErrInvalidInput, f.Email)
	}
	if strings.TrimSpace(f.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	return nil
}

// SubmitContact stores a contact message and notifies the owner.
func (h *Handlers) SubmitContact(ctx context.Context, form ContactForm) (Outcome, error) {
	if err := form.validate(); err != nil {
		return Outcome{}, err
	}
	now := h.opts.Clock.Now().UTC()
	id, err := h.store.Add(ctx, ContactsCollection, map[string]any{
		"name":      strings.TrimSpace(form.Name),
		"email":     strings.TrimSpace(form.Email),
		"phone":     strings.TrimSpace(form.Phone),
		"message":   strings.TrimSpace(form.Message),
		"status":    contactStatusNew,
		"createdAt": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("save contact message: %w", err)
	}
	out, err := h.sideEffect(ctx, outbox.ContactMessage{
		Name:      strings.TrimSpace(form.Name),
		Email:     strings.TrimSpace(form.Email),
		Phone:     strings.TrimSpace(form.Phone),
		Message:   strings.TrimSpace(form.Message),
		Status:    contactStatusNew,
		CreatedAt: now,
	})
	out.ID = id
	if err == nil {
		h.opts.Presenter.Present(ctx, notice.Success("Message sent", 3000*time.Millisecond))
	}
	return out, err
}

type AppointmentForm struct {
	OwnerID     string `json:"uid"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	ServiceType string `json:"serviceType"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Notes       string `json:"notes,omitempty"`
}

func (f AppointmentForm) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"uid": f.OwnerID, "name": f.Name, "phone": f.Phone,
		"serviceType": f.ServiceType, "date": f.Date, "time": f.Time,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(f.Email)); err != nil {
		return fmt.Errorf("%w: email %q", ErrInvalidInput, f.Email)
	}
	return nil
}

// RequestAppointment stores a pending appointment and notifies the owner.
func (h *Handlers) RequestAppointment(ctx context.Context, form AppointmentForm) (Outcome, error) {
	if err := form.validate(); err != nil {
		return Outcome{}, err
	}
	now := h.opts.Clock.Now().UTC()
	id, err := h.store.Add(ctx, appointment.Collection, map[string]any{
		appointment.FieldOwner:       form.OwnerID,
		"name":                       strings.TrimSpace(form.Name),
		"email":                      strings.TrimSpace(form.Email),
		"phone":                      strings.TrimSpace(form.Phone),
		appointment.FieldServiceType: form.ServiceType,
		appointment.FieldDate:        form.Date,
		appointment.FieldTime:        form.Time,
		"notes":                      strings.TrimSpace(form.Notes),
		appointment.FieldStatus:      string(appointment.StatusPending),
		appointment.FieldCreatedAt:   now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("save appointment: %w", err)
	}
	out, err := h.sideEffect(ctx, outbox.AppointmentNotification{
		Name:        strings.TrimSpace(form.Name),
		Email:       strings.TrimSpace(form.Email),
		Phone:       strings.TrimSpace(form.Phone),
		ServiceType: form.ServiceType,
		Date:        form.Date,
		Time:        form.Time,
		Notes:       strings.TrimSpace(form.Notes),
		UID:         form.OwnerID,
		CreatedAt:   now,
	})
	out.ID = id
	if err == nil {
		h.opts.Presenter.Present(ctx, notice.Success("Appointment requested", 3000*time.Millisecond))
	}
	return out, err
}

func (h *Handlers) sideEffect(ctx context.Context, payload outbox.Payload) (Outcome, error) {
	if h.offline(ctx) {
		if _, err := h.outbox.Enqueue(ctx, payload); err != nil {
			return Outcome{}, err
		}
		h.opts.Presenter.Present(ctx, notice.Warning("Saved offline. The notification will be sent when you reconnect", 4000*time.Millisecond))
		return Outcome{Deferred: true}, nil
	}
	sent, err := h.outbox.Deliver(ctx, payload)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Delivered: sent, Deferred: !sent}, nil
}

// SaveProfile writes the profile directly when the network is usable and
// stages it otherwise. A failed direct write is staged as well.
func (h *Handlers) SaveProfile(ctx context.Context, ownerID string, p pendingedit.Profile) (Outcome, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Outcome{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Name) == "" {
		return Outcome{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	out := Outcome{ID: ownerID}
	if !h.offline(ctx) {
		err := h.committer.CommitProfile(ctx, ownerID, p)
		if err == nil {
			if err := h.edits.Clear(); err != nil {
				h.logger.Warn("clear staged edit failed", "error", err)
			}
			h.opts.Presenter.Present(ctx, notice.Success("Profile updated", 3000*time.Millisecond))
			out.Delivered = true
			return out, nil
		}
		h.logger.Warn("profile save failed; staging", "owner", ownerID, "error", err)
	}
	if err := h.edits.Save(pendingedit.Edit{OwnerID: ownerID, Fields: p}); err != nil {
		return Outcome{}, err
	}
	h.opts.Presenter.Present(ctx, notice.Warning("Changes saved locally. They will sync when you reconnect", 4000*time.Millisecond))
	out.Deferred = true
	return out, nil
}

// SetAppointmentStatus changes an appointment's status. Any stored spelling
// of a status is accepted and written in canonical form.
func (h *Handlers) SetAppointmentStatus(ctx context.Context, id, status string) error {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: appointment id %q", ErrInvalidInput, id)
	}
	st, err := appointment.ParseStatus(status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return h.store.Update(ctx, docstore.Path(appointment.Collection, id), map[string]any{
		appointment.FieldStatus: string(st),
		"updatedAt":             h.opts.Clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

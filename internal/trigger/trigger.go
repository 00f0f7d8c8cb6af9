// Package trigger runs server-side reactions to document changes. Approval
// pushes are the only reaction: when an appointment moves from pending to
// approved its owner's device gets a push message.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/appointment"
	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/docstore"
)

const (
	DefaultUsersCollection = "users"
	DefaultTokenField      = "fcmToken"
	DefaultSendTimeout     = 10 * time.Second
)

type Options struct {
	UsersCollection string
	TokenField      string
	SendTimeout     time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
}

type change struct {
	id     string
	before map[string]any
	after  map[string]any
}

// ApprovalPush watches the appointments collection and pushes approvals.
type ApprovalPush struct {
	store  docstore.Store
	push   PushSender
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]map[string]any
}

func NewApprovalPush(store docstore.Store, push PushSender, opts Options) (*ApprovalPush, error) {
	if store == nil || push == nil {
		return nil, errors.New("trigger requires a store and a push sender")
	}
	if opts.UsersCollection == "" {
		opts.UsersCollection = DefaultUsersCollection
	}
	if opts.TokenField == "" {
		opts.TokenField = DefaultTokenField
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ApprovalPush{
		store:  store,
		push:   push,
		opts:   opts,
		logger: opts.Logger.With("component", "trigger"),
	}, nil
}

// Run watches appointments until ctx is done. The first snapshot only
// records current state; later snapshots are diffed against it and each
// approval is handled in order on the calling goroutine.
func (a *ApprovalPush) Run(ctx context.Context) error {
	changes := make(chan change, 64)
	failures := make(chan error, 1)

	a.mu.Lock()
	a.last = nil
	a.mu.Unlock()
	cancel := a.store.Subscribe(docstore.Collection(appointment.Collection), docstore.SubscribeOptions{}, docstore.Observer{
		Next: func(snap docstore.Snapshot) {
			for _, c := range a.diff(snap) {
				select {
				case changes <- c:
				case <-ctx.Done():
					return
				}
			}
		},
		Error: func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failures:
			return fmt.Errorf("watch appointments: %w", err)
		case c := <-changes:
			if err := a.HandleChange(ctx, c.id, c.before, c.after); err != nil {
				a.logger.Error("approval push failed", "id", c.id, "error", err)
			}
		}
	}
}

func (a *ApprovalPush) diff(snap docstore.Snapshot) []change {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := make(map[string]map[string]any, len(snap.Docs))
	for _, doc := range snap.Docs {
		next[doc.ID] = doc.Fields
	}
	seeded := a.last != nil
	var out []change
	if seeded {
		for _, doc := range snap.Docs {
			before, ok := a.last[doc.ID]
			if !ok || !isApproval(before, doc.Fields) {
				continue
			}
			out = append(out, change{id: doc.ID, before: before, after: doc.Fields})
		}
	}
	a.last = next
	return out
}

// HandleChange reacts to one appointment update. It returns nil when the
// update is not an approval.
func (a *ApprovalPush) HandleChange(ctx context.Context, id string, before, after map[string]any) error {
	if !isApproval(before, after) {
		return nil
	}
	if sent, _ := after[appointment.FieldPushSent].(bool); sent {
		return nil
	}
	uid, _ := after[appointment.FieldOwner].(string)
	if uid == "" {
		a.logger.Warn("approved appointment has no owner", "id", id)
		return nil
	}
	userPath := docstore.Path(a.opts.UsersCollection, uid)
	user, err := a.store.Get(ctx, userPath)
	if errors.Is(err, docstore.ErrNotFound) {
		a.logger.Warn("owner has no profile; skipping push", "id", id, "owner", uid)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load owner %s: %w", uid, err)
	}
	token := user.String(a.opts.TokenField)
	if token == "" {
		a.logger.Warn("owner has no push token", "id", id, "owner", uid)
		return nil
	}

	serviceType, _ := after[appointment.FieldServiceType].(string)
	if serviceType == "" {
		serviceType = "your service"
	}
	date, _ := after[appointment.FieldDate].(string)
	at, _ := after[appointment.FieldTime].(string)
	sendCtx, cancel := context.WithTimeout(ctx, a.opts.SendTimeout)
	messageID, err := a.push.SendPush(sendCtx, PushMessage{
		Token: token,
		Title: "Appointment approved",
		Body:  fmt.Sprintf("Your appointment for %s has been approved", serviceType),
		Data: map[string]string{
			"appointmentId": id,
			"type":          "appointment_approved",
			"date":          date,
			"time":          at,
		},
	})
	cancel()
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			if clearErr := a.store.Update(ctx, userPath, map[string]any{a.opts.TokenField: nil}); clearErr != nil {
				a.logger.Error("could not remove invalid push token", "owner", uid, "error", clearErr)
			} else {
				a.logger.Info("removed invalid push token", "owner", uid)
			}
		}
		return fmt.Errorf("send push for %s: %w", id, err)
	}
	a.logger.Info("approval push sent", "id", id, "owner", uid, "message_id", messageID)
	return a.store.Update(ctx, docstore.Path(appointment.Collection, id), map[string]any{
		appointment.FieldPushSent:   true,
		appointment.FieldPushSentAt: a.opts.Clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

func isApproval(before, after map[string]any) bool {
	b, _ := before[appointment.FieldStatus].(string)
	s, _ := after[appointment.FieldStatus].(string)
	return appointment.Normalize(b) == string(appointment.StatusPending) &&
		appointment.Normalize(s) == string(appointment.StatusApproved)
}

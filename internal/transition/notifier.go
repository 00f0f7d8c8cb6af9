// Package transition watches the signed-in user's documents and announces
// a watched state change exactly once per document.
package transition

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/appointment"
	"github.com/agentworkforce/relaysync/internal/auth"
	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/docstore"
	"github.com/agentworkforce/relaysync/internal/notice"
)

const (
	DefaultMarkerTimeout = 10 * time.Second

	approvedTitle = "Your appointment was approved"
)

type State string

// Memo is what the notifier remembers about one document.
type Memo struct {
	LastObserved State
	Notified     bool
}

type Options struct {
	Collection    string
	OwnerField    string
	StateField    string
	From          State
	To            State
	MarkerField   string
	MarkerAtField string
	// Normalize maps a stored state value onto State. The default parses
	// appointment statuses.
	Normalize func(v any) State
	// Describe builds the system notification for a document that made
	// the watched transition.
	Describe      func(doc docstore.Document) notice.SystemNotification
	Presenter     notice.Presenter
	System        notice.SystemNotifier
	MarkerTimeout time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// AppointmentApprovalOptions watches appointments going from pending to
// approved.
func AppointmentApprovalOptions() Options {
	return Options{
		Collection:    appointment.Collection,
		OwnerField:    appointment.FieldOwner,
		StateField:    appointment.FieldStatus,
		From:          State(appointment.StatusPending),
		To:            State(appointment.StatusApproved),
		MarkerField:   appointment.FieldApprovedNotified,
		MarkerAtField: appointment.FieldApprovedNotifiedAt,
		Normalize:     normalizeStatus,
		Describe:      describeApproval,
	}
}

func normalizeStatus(v any) State {
	s, _ := v.(string)
	return State(appointment.Normalize(s))
}

func describeApproval(doc docstore.Document) notice.SystemNotification {
	var parts []string
	if date := doc.String(appointment.FieldDate); date != "" {
		parts = append(parts, "Date: "+date)
	}
	if at := doc.String(appointment.FieldTime); at != "" {
		parts = append(parts, "Time: "+at)
	}
	return notice.SystemNotification{
		Title: approvedTitle,
		Body:  strings.Join(parts, " • "),
		Tag:   "appointment-approved-" + doc.ID,
		Data:  map[string]string{"appointmentId": doc.ID},
	}
}

type Notifier struct {
	store  docstore.Store
	auth   auth.Provider
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	started    bool
	gen        uint64
	authCancel func()
	feedCancel func()
	memos      map[string]*Memo
}

// New creates a notifier. Zero option fields take the appointment approval
// defaults.
func New(store docstore.Store, provider auth.Provider, opts Options) (*Notifier, error) {
	if store == nil || provider == nil {
		return nil, errors.New("transition requires a store and an auth provider")
	}
	defaults := AppointmentApprovalOptions()
	if opts.Collection == "" {
		opts.Collection = defaults.Collection
	}
	if opts.OwnerField == "" {
		opts.OwnerField = defaults.OwnerField
	}
	if opts.StateField == "" {
		opts.StateField = defaults.StateField
	}
	if opts.From == "" {
		opts.From = defaults.From
	}
	if opts.To == "" {
		opts.To = defaults.To
	}
	if opts.MarkerField == "" {
		opts.MarkerField = defaults.MarkerField
	}
	if opts.MarkerAtField == "" {
		opts.MarkerAtField = defaults.MarkerAtField
	}
	if opts.Normalize == nil {
		opts.Normalize = defaults.Normalize
	}
	if opts.Describe == nil {
		opts.Describe = defaults.Describe
	}
	if opts.Presenter == nil {
		opts.Presenter = notice.Discard
	}
	if opts.MarkerTimeout <= 0 {
		opts.MarkerTimeout = DefaultMarkerTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.System == nil {
		opts.System = notice.LogSystemNotifier{Logger: opts.Logger}
	}
	return &Notifier{
		store:  store,
		auth:   provider,
		opts:   opts,
		logger: opts.Logger.With("component", "transition", "collection", opts.Collection),
		memos:  map[string]*Memo{},
	}, nil
}

// Start follows the auth provider. Calling it again while started does
// nothing.
func (n *Notifier) Start() {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()

	cancel := n.auth.Subscribe(n.onUser)

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		cancel()
		return
	}
	n.authCancel = cancel
}

// Stop releases every subscription and forgets all memos. Remote markers
// are left as they are.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	n.gen++
	authCancel, feedCancel := n.authCancel, n.feedCancel
	n.authCancel, n.feedCancel = nil, nil
	n.memos = map[string]*Memo{}
	n.mu.Unlock()

	if authCancel != nil {
		authCancel()
	}
	if feedCancel != nil {
		feedCancel()
	}
}

// Memo returns what the notifier remembers about document id.
func (n *Notifier) Memo(id string) (Memo, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.memos[id]
	if !ok {
		return Memo{}, false
	}
	return *m, true
}

func (n *Notifier) onUser(u *auth.User) {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.gen++
	gen := n.gen
	previous := n.feedCancel
	n.feedCancel = nil
	n.memos = map[string]*Memo{}
	n.mu.Unlock()

	if previous != nil {
		previous()
	}
	if u == nil || u.ID == "" {
		n.logger.Debug("signed out; not watching")
		return
	}

	q := docstore.Collection(n.opts.Collection).Where(n.opts.OwnerField, docstore.OpEqual, u.ID)
	cancel := n.store.Subscribe(q, docstore.SubscribeOptions{}, docstore.Observer{
		Next: func(snap docstore.Snapshot) { n.onSnapshot(gen, snap) },
		Error: func(err error) {
			n.logger.Error("watch failed", "owner", u.ID, "error", err)
		},
	})

	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		cancel()
		return
	}
	n.feedCancel = cancel
	n.mu.Unlock()
	n.logger.Info("watching documents", "owner", u.ID)
}

func (n *Notifier) onSnapshot(gen uint64, snap docstore.Snapshot) {
	var fire []docstore.Document
	n.mu.Lock()
	if gen != n.gen {
		n.mu.Unlock()
		return
	}
	present := make(map[string]struct{}, len(snap.Docs))
	for _, doc := range snap.Docs {
		present[doc.ID] = struct{}{}
		state := n.opts.Normalize(doc.Fields[n.opts.StateField])
		memo, seen := n.memos[doc.ID]
		if !seen {
			n.memos[doc.ID] = &Memo{LastObserved: state}
			continue
		}
		if memo.LastObserved == n.opts.From && state == n.opts.To && !doc.Bool(n.opts.MarkerField) && !memo.Notified {
			memo.Notified = true
			fire = append(fire, doc)
		}
		memo.LastObserved = state
	}
	for id := range n.memos {
		if _, ok := present[id]; !ok {
			delete(n.memos, id)
		}
	}
	n.mu.Unlock()

	for _, doc := range fire {
		n.announce(doc)
	}
}

func (n *Notifier) announce(doc docstore.Document) {
	ctx := context.Background()
	sys := n.opts.Describe(doc)
	if err := n.opts.System.NotifySystem(ctx, sys); err != nil {
		n.logger.Warn("system notification failed", "id", doc.ID, "error", err)
	}
	n.opts.Presenter.Present(ctx, notice.Success(sys.Title, 3000*time.Millisecond))
	n.logger.Info("transition announced", "id", doc.ID, "state", string(n.opts.To))

	markCtx, cancel := context.WithTimeout(ctx, n.opts.MarkerTimeout)
	defer cancel()
	err := n.store.Update(markCtx, doc.Path, map[string]any{
		n.opts.MarkerField:   true,
		n.opts.MarkerAtField: n.opts.Clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		n.logger.Warn("could not persist notified marker", "id", doc.ID, "error", err)
	}
}

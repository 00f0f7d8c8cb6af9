// Package reconcile turns document store snapshots into a sorted, enriched
// list of entities whose pending-sync flags follow the store's own
// metadata.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaysync/internal/docstore"
	"github.com/agentworkforce/relaysync/internal/notice"
	"github.com/agentworkforce/relaysync/internal/pubsub"
)

const (
	DefaultEnrichConcurrency = 4
	DefaultEnrichTimeout     = 5 * time.Second

	feedErrorMessage = "Could not load live updates"
)

// Entity is one document as shown to the user. PendingSync mirrors the
// store's HasPendingWrites flag for the document.
type Entity struct {
	ID          string         `json:"id"`
	Path        string         `json:"path"`
	Fields      map[string]any `json:"fields"`
	PendingSync bool           `json:"pendingSync"`
}

// Enricher adds derived fields to an entity, for example a display name
// looked up from another collection.
type Enricher interface {
	Enrich(ctx context.Context, e *Entity) error
}

type EnricherFunc func(ctx context.Context, e *Entity) error

func (f EnricherFunc) Enrich(ctx context.Context, e *Entity) error {
	return f(ctx, e)
}

type OnlineChecker interface {
	IsOnline() bool
}

type Options struct {
	// SortField orders entities descending. Entities without it sort last.
	SortField         string
	Enrichers         []Enricher
	EnrichConcurrency int
	EnrichTimeout     time.Duration
	// Normalize rewrites fields before enrichment, e.g. to canonicalise a
	// status value.
	Normalize func(fields map[string]any) map[string]any
	Presenter notice.Presenter
	Logger    *slog.Logger
}

type Reconciler struct {
	store   docstore.Store
	monitor OnlineChecker
	opts    Options
	logger  *slog.Logger
}

func New(store docstore.Store, monitor OnlineChecker, opts Options) (*Reconciler, error) {
	if store == nil || monitor == nil {
		return nil, errors.New("reconcile requires a store and a monitor")
	}
	if opts.EnrichConcurrency <= 0 {
		opts.EnrichConcurrency = DefaultEnrichConcurrency
	}
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = DefaultEnrichTimeout
	}
	if opts.Presenter == nil {
		opts.Presenter = notice.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		monitor: monitor,
		opts:    opts,
		logger:  opts.Logger.With("component", "reconcile"),
	}, nil
}

// Subscribe opens a live feed for q. Cached snapshots arrive first and are
// followed by server confirmations.
func (r *Reconciler) Subscribe(q docstore.Query) (*Feed, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		r:      r,
		query:  q,
		stream: pubsub.NewBroadcaster[[]Entity](),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.work()
	f.stopSub = r.store.Subscribe(q, docstore.SubscribeOptions{IncludeMetadataChanges: true}, docstore.Observer{
		Next:  f.post,
		Error: f.fail,
	})
	return f, nil
}

// Feed is one live query. Snapshots are processed by a single worker; a
// snapshot that arrives while another is being enriched replaces any
// snapshot still waiting.
type Feed struct {
	r      *Reconciler
	query  docstore.Query
	stream *pubsub.Broadcaster[[]Entity]

	mu      sync.Mutex
	pending *docstore.Snapshot
	wake    chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopSub  func()
	stopOnce sync.Once
}

// Current returns a copy of the latest published entities that the caller
// may modify.
func (f *Feed) Current() []Entity {
	entities, _ := f.stream.Latest()
	out := slices.Clone(entities)
	for i := range out {
		out[i].Fields = copyFields(out[i].Fields)
	}
	return out
}

// Subscribe calls fn with every published list, starting with the latest
// one if any, until the feed is stopped. The list is shared between
// subscribers and must be treated as read-only; use Current for a private
// copy.
func (f *Feed) Subscribe(fn func([]Entity)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	return f.stream.Subscribe(func(entities []Entity) {
		if f.ctx.Err() != nil {
			return
		}
		fn(entities)
	})
}

// Unsubscribe stops the feed without waiting for the worker, so it may be
// called from a Subscribe callback. No callback starts after it returns. It
// is safe to call more than once.
func (f *Feed) Unsubscribe() {
	f.stopOnce.Do(func() {
		if f.stopSub != nil {
			f.stopSub()
		}
		f.cancel()
	})
}

func (f *Feed) post(snap docstore.Snapshot) {
	f.mu.Lock()
	f.pending = &snap
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Feed) fail(err error) {
	f.r.logger.Error("live query failed", "collection", f.query.Collection, "error", err)
	if f.r.monitor.IsOnline() {
		f.r.opts.Presenter.Present(f.ctx, notice.Danger(feedErrorMessage, 3000*time.Millisecond))
	}
}

func (f *Feed) work() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.wake:
		}
		f.mu.Lock()
		snap := f.pending
		f.pending = nil
		f.mu.Unlock()
		if snap == nil {
			continue
		}
		entities := f.r.build(f.ctx, *snap)
		if f.ctx.Err() != nil {
			return
		}
		f.stream.Publish(entities)
	}
}

func (r *Reconciler) build(ctx context.Context, snap docstore.Snapshot) []Entity {
	entities := make([]Entity, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		fields := copyFields(doc.Fields)
		if r.opts.Normalize != nil {
			fields = r.opts.Normalize(fields)
		}
		entities = append(entities, Entity{
			ID:          doc.ID,
			Path:        doc.Path,
			Fields:      fields,
			PendingSync: doc.HasPendingWrites,
		})
	}
	r.enrich(ctx, entities)
	sortEntities(entities, r.opts.SortField)
	return entities
}

// enrich runs every enricher on every entity. A failed lookup is logged and
// leaves the entity as it was.
func (r *Reconciler) enrich(ctx context.Context, entities []Entity) {
	if len(r.opts.Enrichers) == 0 || len(entities) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(r.opts.EnrichConcurrency)
	for i := range entities {
		e := &entities[i]
		g.Go(func() error {
			for _, enricher := range r.opts.Enrichers {
				candidate := Entity{ID: e.ID, Path: e.Path, Fields: copyFields(e.Fields), PendingSync: e.PendingSync}
				enrichCtx, cancel := context.WithTimeout(ctx, r.opts.EnrichTimeout)
				err := enricher.Enrich(enrichCtx, &candidate)
				cancel()
				if err != nil {
					r.logger.Warn("enrichment failed", "id", e.ID, "error", err)
					continue
				}
				e.Fields = candidate.Fields
			}
			return nil
		})
	}
	_ = g.Wait()
}

func sortEntities(entities []Entity, field string) {
	sort.SliceStable(entities, func(i, j int) bool {
		if field != "" {
			a, aok := sortValue(entities[i].Fields, field)
			b, bok := sortValue(entities[j].Fields, field)
			switch {
			case aok && !bok:
				return true
			case !aok && bok:
				return false
			case aok && bok:
				if cmp, ok := docstore.Compare(a, b); ok && cmp != 0 {
					return cmp > 0
				}
			}
		}
		return entities[i].ID < entities[j].ID
	})
}

func sortValue(fields map[string]any, field string) (any, bool) {
	v, ok := fields[field]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return v, true
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

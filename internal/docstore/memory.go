package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/kv"
)

const defaultMemoryStorageKey = "docstore.state"

type mutationKind string

const (
	mutationSet    mutationKind = "set"
	mutationMerge  mutationKind = "merge"
	mutationUpdate mutationKind = "update"
	mutationDelete mutationKind = "delete"
)

type mutation struct {
	Kind       mutationKind   `json:"kind"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields,omitempty"`
}

type memoryState struct {
	Documents map[string]map[string]map[string]any `json:"documents"`
	Pending   []mutation                           `json:"pending,omitempty"`
}

type MemoryOptions struct {
	// Offline starts the store disconnected from its authoritative side.
	Offline bool
	// Storage persists confirmed documents and pending writes. Nil keeps
	// everything in memory.
	Storage    kv.Storage
	StorageKey string
	Logger     *slog.Logger

	// writeBehind keeps every local write pending until a CachedStore
	// reports the remote acknowledged it.
	writeBehind bool
}

// MemoryStore is an in-process document store with the cache semantics of
// a hosted one. While offline, writes are applied to the local view and
// flagged as pending; SetOnline(true) confirms them in order.
type MemoryStore struct {
	storage     kv.Storage
	storageKey  string
	logger      *slog.Logger
	writeBehind bool

	mu        sync.Mutex
	online    bool
	confirmed map[string]map[string]map[string]any
	pending   []mutation
	listeners map[int]*listener
	nextID    int

	deliverMu  sync.Mutex
	queue      []delivery
	delivering bool
}

type listener struct {
	query   Query
	opts    SubscribeOptions
	obs     Observer
	stopped atomic.Bool

	lastData string
	lastFull string
}

type delivery struct {
	l    *listener
	snap Snapshot
	err  error
}

func NewMemoryStore() *MemoryStore {
	s, _ := OpenMemoryStore(MemoryOptions{})
	return s
}

func OpenMemoryStore(opts MemoryOptions) (*MemoryStore, error) {
	if opts.StorageKey == "" {
		opts.StorageKey = defaultMemoryStorageKey
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &MemoryStore{
		storage:     opts.Storage,
		storageKey:  opts.StorageKey,
		logger:      opts.Logger.With("component", "docstore"),
		writeBehind: opts.writeBehind,
		online:      !opts.Offline,
		confirmed:   map[string]map[string]map[string]any{},
		listeners:   map[int]*listener{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if s.online && !s.writeBehind && len(s.pending) > 0 {
		s.mu.Lock()
		err := s.commitPendingLocked()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MemoryStore) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline connects or disconnects the store. Going online confirms every
// pending write in the order it was made.
func (s *MemoryStore) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	if online && !s.writeBehind {
		if err := s.commitPendingLocked(); err != nil {
			s.logger.Error("persisting confirmed writes failed", "error", err)
		}
	}
	s.enqueueSnapshotsLocked()
	s.mu.Unlock()
	s.drain()
}

// PendingWrites reports how many local writes await confirmation.
func (s *MemoryStore) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *MemoryStore) Get(_ context.Context, path string) (Document, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.localDocLocked(collection, id)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return doc, nil
}

func (s *MemoryStore) Set(_ context.Context, path string, fields map[string]any, merge bool) error {
	kind := mutationSet
	if merge {
		kind = mutationMerge
	}
	return s.write(path, kind, fields)
}

func (s *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	return s.write(path, mutationUpdate, fields)
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	return s.write(path, mutationDelete, nil)
}

func (s *MemoryStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if err := (Query{Collection: collection}).Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Set(ctx, Path(collection, id), fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(q), nil
}

func (s *MemoryStore) Subscribe(q Query, opts SubscribeOptions, obs Observer) (cancel func()) {
	l := &listener{query: q, opts: opts, obs: obs}
	if err := q.Validate(); err != nil {
		s.enqueue(delivery{l: l, err: err})
		s.drain()
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.enqueueLocked(delivery{l: l, snap: s.snapshotLocked(q)})
	s.mu.Unlock()
	s.drain()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.stopped.Store(true)
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// ServerSet writes directly to the authoritative side, as another client
// would. Local listeners see the change only while online.
func (s *MemoryStore) ServerSet(path string, fields map[string]any, merge bool) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	normalized, err := NormalizeFields(fields)
	if err != nil {
		return err
	}
	kind := mutationSet
	if merge {
		kind = mutationMerge
	}
	s.mu.Lock()
	s.applyConfirmedLocked(mutation{Kind: kind, Collection: collection, ID: id, Fields: normalized})
	err = s.persistLocked()
	if s.online {
		s.enqueueSnapshotsLocked()
	}
	s.mu.Unlock()
	s.drain()
	return err
}

// nextPending returns the oldest unacknowledged write.
func (s *MemoryStore) nextPending() (mutation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return mutation{}, false
	}
	m := s.pending[0]
	m.Fields = copyFields(m.Fields)
	return m, true
}

// settleNext removes the oldest pending write. With applied it becomes part
// of the confirmed state; otherwise it is discarded and the local view
// reverts.
func (s *MemoryStore) settleNext(applied bool) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	m := s.pending[0]
	s.pending = s.pending[1:]
	if applied {
		s.applyConfirmedLocked(m)
	}
	err := s.persistLocked()
	s.enqueueSnapshotsLocked()
	s.mu.Unlock()
	s.drain()
	return err
}

// applyServerDocs makes docs the confirmed result of q: matching confirmed
// documents missing from docs are removed and the rest are replaced.
func (s *MemoryStore) applyServerDocs(q Query, docs []Document) error {
	incoming := make(map[string]map[string]any, len(docs))
	for _, d := range docs {
		collection, id, err := SplitPath(d.Path)
		if err != nil || collection != q.Collection {
			collection, id = q.Collection, d.ID
		}
		if id == "" {
			continue
		}
		fields, err := NormalizeFields(d.Fields)
		if err != nil {
			return err
		}
		incoming[id] = fields
	}
	s.mu.Lock()
	for id, fields := range s.confirmed[q.Collection] {
		if _, ok := incoming[id]; !ok && q.Matches(q.Collection, id, fields) {
			delete(s.confirmed[q.Collection], id)
		}
	}
	for id, fields := range incoming {
		s.applyConfirmedLocked(mutation{Kind: mutationSet, Collection: q.Collection, ID: id, Fields: fields})
	}
	err := s.persistLocked()
	s.enqueueSnapshotsLocked()
	s.mu.Unlock()
	s.drain()
	return err
}

// BreakListeners fails every live subscription with err, the way a hosted
// store reports a revoked permission or a dropped channel.
func (s *MemoryStore) BreakListeners(err error) {
	s.mu.Lock()
	for id, l := range s.listeners {
		delete(s.listeners, id)
		s.enqueueLocked(delivery{l: l, err: err})
	}
	s.mu.Unlock()
	s.drain()
}

func (s *MemoryStore) write(path string, kind mutationKind, fields map[string]any) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	var normalized map[string]any
	if kind != mutationDelete {
		if normalized, err = NormalizeFields(fields); err != nil {
			return err
		}
	}
	m := mutation{Kind: kind, Collection: collection, ID: id, Fields: normalized}

	s.mu.Lock()
	if kind == mutationUpdate {
		if _, ok := s.localFieldsLocked(collection, id); !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
	}
	s.pending = append(s.pending, m)
	s.enqueueSnapshotsLocked()
	if s.online && !s.writeBehind {
		err = s.commitPendingLocked()
		s.enqueueSnapshotsLocked()
	} else {
		err = s.persistLocked()
	}
	s.mu.Unlock()
	s.drain()
	return err
}

func (s *MemoryStore) commitPendingLocked() error {
	for _, m := range s.pending {
		if !s.applyConfirmedLocked(m) {
			s.logger.Warn("dropping write to missing document", "path", Path(m.Collection, m.ID), "kind", string(m.Kind))
		}
	}
	s.pending = nil
	return s.persistLocked()
}

func (s *MemoryStore) applyConfirmedLocked(m mutation) bool {
	docs := s.confirmed[m.Collection]
	current, exists := docs[m.ID]
	next, ok := applyMutation(current, exists, m)
	if !ok {
		if m.Kind == mutationDelete {
			if docs != nil {
				delete(docs, m.ID)
			}
			return true
		}
		return false
	}
	if docs == nil {
		docs = map[string]map[string]any{}
		s.confirmed[m.Collection] = docs
	}
	docs[m.ID] = next
	return true
}

// applyMutation returns the fields after m and whether the document exists.
func applyMutation(current map[string]any, exists bool, m mutation) (map[string]any, bool) {
	switch m.Kind {
	case mutationSet:
		return copyFields(m.Fields), true
	case mutationMerge:
		next := copyFields(current)
		for k, v := range m.Fields {
			next[k] = v
		}
		return next, true
	case mutationUpdate:
		if !exists {
			return nil, false
		}
		next := copyFields(current)
		for k, v := range m.Fields {
			next[k] = v
		}
		return next, true
	case mutationDelete:
		return nil, false
	}
	return current, exists
}

func (s *MemoryStore) localFieldsLocked(collection, id string) (map[string]any, bool) {
	fields, exists := s.confirmed[collection][id]
	for _, m := range s.pending {
		if m.Collection == collection && m.ID == id {
			fields, exists = applyMutation(fields, exists, m)
		}
	}
	return fields, exists
}

func (s *MemoryStore) hasPendingLocked(collection, id string) bool {
	for _, m := range s.pending {
		if m.Collection == collection && m.ID == id {
			return true
		}
	}
	return false
}

func (s *MemoryStore) localDocLocked(collection, id string) (Document, bool) {
	fields, ok := s.localFieldsLocked(collection, id)
	if !ok {
		return Document{}, false
	}
	return Document{
		ID:               id,
		Path:             Path(collection, id),
		Fields:           copyFields(fields),
		HasPendingWrites: s.hasPendingLocked(collection, id),
		FromCache:        !s.online,
	}, true
}

func (s *MemoryStore) queryLocked(q Query) []Document {
	ids := map[string]struct{}{}
	for id := range s.confirmed[q.Collection] {
		ids[id] = struct{}{}
	}
	for _, m := range s.pending {
		if m.Collection == q.Collection {
			ids[m.ID] = struct{}{}
		}
	}
	docs := make([]Document, 0, len(ids))
	for id := range ids {
		doc, ok := s.localDocLocked(q.Collection, id)
		if !ok || !q.Matches(q.Collection, id, doc.Fields) {
			continue
		}
		docs = append(docs, doc)
	}
	sortDocuments(docs)
	return docs
}

func (s *MemoryStore) snapshotLocked(q Query) Snapshot {
	docs := s.queryLocked(q)
	snap := Snapshot{Docs: docs, FromCache: !s.online}
	for _, d := range docs {
		if d.HasPendingWrites {
			snap.HasPendingWrites = true
			break
		}
	}
	return snap
}

func (s *MemoryStore) enqueueSnapshotsLocked() {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		l := s.listeners[id]
		s.enqueueLocked(delivery{l: l, snap: s.snapshotLocked(l.query)})
	}
}

// enqueueLocked must be called with s.mu held so that deliveries keep the
// order of the state changes that produced them.
func (s *MemoryStore) enqueueLocked(d delivery) {
	s.enqueue(d)
}

func (s *MemoryStore) enqueue(d delivery) {
	s.deliverMu.Lock()
	s.queue = append(s.queue, d)
	s.deliverMu.Unlock()
}

// drain delivers queued snapshots outside s.mu. Observers may call back
// into the store; their writes are queued and delivered by the outermost
// drain.
func (s *MemoryStore) drain() {
	s.deliverMu.Lock()
	if s.delivering {
		s.deliverMu.Unlock()
		return
	}
	s.delivering = true
	for len(s.queue) > 0 {
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.deliverMu.Unlock()
		d.l.deliver(d)
		s.deliverMu.Lock()
	}
	s.delivering = false
	s.deliverMu.Unlock()
}

func (l *listener) deliver(d delivery) {
	if l.stopped.Load() {
		return
	}
	if d.err != nil {
		l.stopped.Store(true)
		if l.obs.Error != nil {
			l.obs.Error(d.err)
		}
		return
	}
	full, data := snapshotSignatures(d.snap)
	if full == l.lastFull {
		return
	}
	if !l.opts.IncludeMetadataChanges && data == l.lastData && l.lastFull != "" {
		l.lastFull = full
		return
	}
	l.lastFull = full
	l.lastData = data
	if l.obs.Next != nil {
		l.obs.Next(d.snap)
	}
}

func snapshotSignatures(snap Snapshot) (full, data string) {
	type dataDoc struct {
		Path   string         `json:"p"`
		Fields map[string]any `json:"f"`
	}
	docs := make([]dataDoc, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		docs = append(docs, dataDoc{Path: d.Path, Fields: d.Fields})
	}
	dataBytes, _ := json.Marshal(docs)
	fullBytes, _ := json.Marshal(snap)
	return string(fullBytes), string(dataBytes)
}

func (s *MemoryStore) load() error {
	if s.storage == nil {
		return nil
	}
	raw, ok, err := s.storage.GetItem(s.storageKey)
	if err != nil || !ok {
		return err
	}
	var state memoryState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("decode %s: %w", s.storageKey, err)
	}
	if state.Documents != nil {
		s.confirmed = state.Documents
	}
	s.pending = state.Pending
	return nil
}

func (s *MemoryStore) persistLocked() error {
	if s.storage == nil {
		return nil
	}
	data, err := json.Marshal(memoryState{Documents: s.confirmed, Pending: s.pending})
	if err != nil {
		return err
	}
	return s.storage.SetItem(s.storageKey, string(data))
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyFields(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}

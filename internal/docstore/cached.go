package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultCacheRetryInterval = 5 * time.Second
	maxCacheRetryInterval     = time.Minute
)

type CachedOptions struct {
	Memory MemoryOptions
	// RetryInterval paces listen restarts and the first flush retry after
	// a failure. Later retries back off exponentially.
	RetryInterval time.Duration
}

// CachedStore puts a MemoryStore in front of a remote store. Reads and
// subscriptions are served from the cache. Writes land in the cache as
// pending and are sent to the remote in order; each one is confirmed
// locally once the remote acknowledges it. While online, every subscribed
// query is also listened to on the remote and the results replace the
// cached copies.
type CachedStore struct {
	remote        Store
	cache         *MemoryStore
	logger        *slog.Logger
	retryInterval time.Duration

	flushMu sync.Mutex
	wake    chan struct{}

	mu      sync.Mutex
	online  bool
	mirrors map[string]*mirror
}

type mirror struct {
	query   Query
	refs    int
	running bool
	gen     uint64
	stop    func()
}

func OpenCachedStore(remote Store, opts CachedOptions) (*CachedStore, error) {
	if remote == nil {
		return nil, errors.New("cached store requires a remote store")
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultCacheRetryInterval
	}
	memOpts := opts.Memory
	memOpts.writeBehind = true
	cache, err := OpenMemoryStore(memOpts)
	if err != nil {
		return nil, err
	}
	return &CachedStore{
		remote:        remote,
		cache:         cache,
		logger:        cache.logger.With("mode", "cached"),
		retryInterval: opts.RetryInterval,
		wake:          make(chan struct{}, 1),
		online:        !memOpts.Offline,
		mirrors:       map[string]*mirror{},
	}, nil
}

func (c *CachedStore) IsOnline() bool {
	return c.cache.IsOnline()
}

// PendingWrites reports how many writes the remote has not acknowledged.
func (c *CachedStore) PendingWrites() int {
	return c.cache.PendingWrites()
}

// SetOnline switches the cache and the remote listens. Pending writes are
// sent by Run after the switch.
func (c *CachedStore) SetOnline(online bool) {
	c.cache.SetOnline(online)

	c.mu.Lock()
	c.online = online
	keys := make([]string, 0, len(c.mirrors))
	var stops []func()
	for key, m := range c.mirrors {
		keys = append(keys, key)
		if !online && m.running {
			m.running = false
			m.gen++
			if m.stop != nil {
				stops = append(stops, m.stop)
			}
			m.stop = nil
		}
	}
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if !online {
		return
	}
	sort.Strings(keys)
	for _, key := range keys {
		c.startMirror(key)
	}
	c.signal()
}

func (c *CachedStore) Get(ctx context.Context, path string) (Document, error) {
	doc, err := c.cache.Get(ctx, path)
	if err == nil || !errors.Is(err, ErrNotFound) || !c.IsOnline() {
		return doc, err
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return Document{}, err
	}
	remoteDoc, err := c.remote.Get(ctx, path)
	if err != nil {
		return Document{}, err
	}
	if err := c.cache.applyServerDocs(Doc(collection, id), []Document{remoteDoc}); err != nil {
		c.logger.Warn("caching fetched document failed", "path", path, "error", err)
	}
	return c.cache.Get(ctx, path)
}

func (c *CachedStore) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	if err := c.cache.Set(ctx, path, fields, merge); err != nil {
		return err
	}
	c.flushIfOnline(ctx)
	return nil
}

func (c *CachedStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if _, err := c.Get(ctx, path); err != nil && !errors.Is(err, ErrUnavailable) {
		return err
	}
	if err := c.cache.Update(ctx, path, fields); err != nil {
		return err
	}
	c.flushIfOnline(ctx)
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, path string) error {
	if err := c.cache.Delete(ctx, path); err != nil {
		return err
	}
	c.flushIfOnline(ctx)
	return nil
}

func (c *CachedStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id, err := c.cache.Add(ctx, collection, fields)
	if err != nil {
		return "", err
	}
	c.flushIfOnline(ctx)
	return id, nil
}

// Query refreshes the cached result from the remote when online and answers
// from the cache, so pending writes are included.
func (c *CachedStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if c.IsOnline() {
		docs, err := c.remote.Query(ctx, q)
		switch {
		case err == nil:
			if err := c.cache.applyServerDocs(q, docs); err != nil {
				c.logger.Warn("caching query result failed", "collection", q.Collection, "error", err)
			}
		case errors.Is(err, ErrUnavailable):
			c.logger.Debug("query answered from cache", "collection", q.Collection, "error", err)
		default:
			return nil, err
		}
	}
	return c.cache.Query(ctx, q)
}

func (c *CachedStore) Subscribe(q Query, opts SubscribeOptions, obs Observer) (cancel func()) {
	if err := q.Validate(); err != nil {
		return c.cache.Subscribe(q, opts, obs)
	}
	stopLocal := c.cache.Subscribe(q, opts, obs)

	key := queryKey(q)
	c.mu.Lock()
	m := c.mirrors[key]
	if m == nil {
		m = &mirror{query: q}
		c.mirrors[key] = m
	}
	m.refs++
	c.mu.Unlock()
	c.startMirror(key)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopLocal()
			c.release(key)
		})
	}
}

// Flush sends pending writes to the remote, oldest first, until none are
// left or one cannot be delivered. Writes the remote rejects as invalid or
// aimed at a missing document are discarded. Concurrent calls return at
// once while a flush is in progress; the running flush picks up their
// writes.
func (c *CachedStore) Flush(ctx context.Context) error {
	if !c.flushMu.TryLock() {
		return nil
	}
	defer c.flushMu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, ok := c.cache.nextPending()
		if !ok {
			return nil
		}
		err := c.send(ctx, m)
		path := Path(m.Collection, m.ID)
		switch {
		case err == nil:
			if err := c.cache.settleNext(true); err != nil {
				c.logger.Error("persisting confirmed write failed", "path", path, "error", err)
			}
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
			c.logger.Warn("remote rejected cached write; discarding", "path", path, "kind", string(m.Kind), "error", err)
			if err := c.cache.settleNext(false); err != nil {
				c.logger.Error("persisting discarded write failed", "path", path, "error", err)
			}
		default:
			return fmt.Errorf("flush %s: %w", path, err)
		}
	}
}

// Run sends pending writes whenever the store comes online and retries
// failed flushes with exponential backoff. It also restarts remote listens
// that ended. It returns when ctx is done.
func (c *CachedStore) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = maxCacheRetryInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()
	var retry <-chan time.Time
	c.signal()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
			c.restartMirrors()
			if retry != nil {
				continue
			}
		case <-retry:
		}
		retry = nil
		if !c.IsOnline() || c.PendingWrites() == 0 {
			bo.Reset()
			continue
		}
		if err := c.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			c.logger.Warn("cached writes not delivered; will retry", "pending", c.PendingWrites(), "retry_in", delay, "error", err)
			retry = time.After(delay)
			continue
		}
		bo.Reset()
	}
}

func (c *CachedStore) flushIfOnline(ctx context.Context) {
	if !c.IsOnline() {
		return
	}
	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("write kept in cache", "pending", c.PendingWrites(), "error", err)
		c.signal()
	}
}

func (c *CachedStore) send(ctx context.Context, m mutation) error {
	path := Path(m.Collection, m.ID)
	switch m.Kind {
	case mutationSet:
		return c.remote.Set(ctx, path, m.Fields, false)
	case mutationMerge:
		return c.remote.Set(ctx, path, m.Fields, true)
	case mutationUpdate:
		return c.remote.Update(ctx, path, m.Fields)
	case mutationDelete:
		return c.remote.Delete(ctx, path)
	}
	return fmt.Errorf("%w: unknown write kind %q", ErrInvalidInput, m.Kind)
}

func (c *CachedStore) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *CachedStore) startMirror(key string) {
	c.mu.Lock()
	m := c.mirrors[key]
	if m == nil || m.running || !c.online {
		c.mu.Unlock()
		return
	}
	m.running = true
	m.gen++
	gen, q := m.gen, m.query
	c.mu.Unlock()

	stop := c.remote.Subscribe(q, SubscribeOptions{}, Observer{
		Next: func(snap Snapshot) {
			if !c.mirrorLive(key, gen) {
				return
			}
			if err := c.cache.applyServerDocs(q, snap.Docs); err != nil {
				c.logger.Warn("caching remote snapshot failed", "collection", q.Collection, "error", err)
			}
		},
		Error: func(err error) {
			c.logger.Warn("remote listen ended", "collection", q.Collection, "error", err)
			c.endMirror(key, gen)
		},
	})

	c.mu.Lock()
	if m.gen != gen || !m.running {
		c.mu.Unlock()
		stop()
		return
	}
	m.stop = stop
	c.mu.Unlock()
}

func (c *CachedStore) mirrorLive(key string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.mirrors[key]
	return m != nil && m.running && m.gen == gen
}

func (c *CachedStore) endMirror(key string, gen uint64) {
	c.mu.Lock()
	m := c.mirrors[key]
	if m == nil || m.gen != gen {
		c.mu.Unlock()
		return
	}
	m.running = false
	m.gen++
	stop := m.stop
	m.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *CachedStore) restartMirrors() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.mirrors))
	for key, m := range c.mirrors {
		if !m.running {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	sort.Strings(keys)
	for _, key := range keys {
		c.startMirror(key)
	}
}

func (c *CachedStore) release(key string) {
	c.mu.Lock()
	m := c.mirrors[key]
	if m == nil {
		c.mu.Unlock()
		return
	}
	m.refs--
	if m.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.mirrors, key)
	m.running = false
	m.gen++
	stop := m.stop
	m.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func queryKey(q Query) string {
	data, _ := json.Marshal(q)
	return string(data)
}

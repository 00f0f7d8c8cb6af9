package docstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/kv"
)

type switchableRemote struct {
	*MemoryStore
	down   atomic.Bool
	reject atomic.Bool
	sets   atomic.Int32
}

func (r *switchableRemote) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	if r.down.Load() {
		return fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	if r.reject.Load() {
		return fmt.Errorf("%w: rejected", ErrInvalidInput)
	}
	r.sets.Add(1)
	return r.MemoryStore.Set(ctx, path, fields, merge)
}

func newSwitchableRemote() *switchableRemote {
	return &switchableRemote{MemoryStore: NewMemoryStore()}
}

func idsOf(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func TestCachedStoreOfflineWriteReachesRemoteOnFlush(t *testing.T) {
	ctx := context.Background()
	remote := newSwitchableRemote()
	c, err := OpenCachedStore(remote, CachedOptions{Memory: MemoryOptions{Offline: true}})
	require.NoError(t, err)

	id, err := c.Add(ctx, "contacts", map[string]any{"name": "Ana"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.PendingWrites())

	doc, err := c.Get(ctx, Path("contacts", id))
	require.NoError(t, err)
	assert.True(t, doc.HasPendingWrites)
	assert.True(t, doc.FromCache)
	_, err = remote.Get(ctx, Path("contacts", id))
	require.ErrorIs(t, err, ErrNotFound)

	c.SetOnline(true)
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.PendingWrites())

	stored, err := remote.Get(ctx, Path("contacts", id))
	require.NoError(t, err)
	assert.Equal(t, "Ana", stored.String("name"))
	doc, err = c.Get(ctx, Path("contacts", id))
	require.NoError(t, err)
	assert.False(t, doc.HasPendingWrites)
	assert.False(t, doc.FromCache)
}

func TestCachedStoreKeepsWritesWhileRemoteUnreachable(t *testing.T) {
	ctx := context.Background()
	remote := newSwitchableRemote()
	remote.down.Store(true)
	c, err := OpenCachedStore(remote, CachedOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "users/u1", map[string]any{"name": "Ana"}, false))
	require.NoError(t, c.Set(ctx, "users/u1", map[string]any{"phone": "555"}, true))
	assert.Equal(t, 2, c.PendingWrites())
	require.ErrorIs(t, c.Flush(ctx), ErrUnavailable)
	assert.Equal(t, 2, c.PendingWrites())

	remote.down.Store(false)
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, int32(2), remote.sets.Load(), "writes are replayed in order")
	stored, err := remote.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ana", "phone": "555"}, stored.Fields)
}

func TestCachedStoreDiscardsRejectedWrite(t *testing.T) {
	ctx := context.Background()
	remote := newSwitchableRemote()
	remote.reject.Store(true)
	c, err := OpenCachedStore(remote, CachedOptions{Memory: MemoryOptions{Offline: true}})
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "contacts/c1", map[string]any{"name": "Ana"}, false))
	c.SetOnline(true)
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.PendingWrites())
	_, err = c.Get(ctx, "contacts/c1")
	assert.ErrorIs(t, err, ErrNotFound, "local view reverts once the write is discarded")
}

func TestCachedStoreFollowsRemoteOnlyWhileOnline(t *testing.T) {
	remote := newSwitchableRemote()
	c, err := OpenCachedStore(remote, CachedOptions{})
	require.NoError(t, err)

	var seen [][]string
	cancel := c.Subscribe(Collection("appointments"), SubscribeOptions{}, Observer{
		Next: func(snap Snapshot) { seen = append(seen, idsOf(snap.Docs)) },
	})
	defer cancel()

	require.NoError(t, remote.ServerSet("appointments/a", map[string]any{"status": "pending"}, false))
	require.NotEmpty(t, seen)
	assert.Equal(t, []string{"a"}, seen[len(seen)-1])

	c.SetOnline(false)
	require.NoError(t, remote.ServerSet("appointments/b", map[string]any{"status": "pending"}, false))
	assert.Equal(t, []string{"a"}, seen[len(seen)-1])

	c.SetOnline(true)
	assert.Equal(t, []string{"a", "b"}, seen[len(seen)-1])

	cancel()
	require.NoError(t, remote.ServerSet("appointments/c", map[string]any{"status": "pending"}, false))
	docs, err := c.cache.Query(context.Background(), Collection("appointments"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, idsOf(docs), "no remote listen after the last subscriber left")
}

func TestCachedStoreGetFallsBackToRemoteWhenOnline(t *testing.T) {
	ctx := context.Background()
	remote := newSwitchableRemote()
	require.NoError(t, remote.ServerSet("users/u1", map[string]any{"name": "Ana"}, false))
	c, err := OpenCachedStore(remote, CachedOptions{})
	require.NoError(t, err)

	doc, err := c.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", doc.String("name"))

	require.NoError(t, c.Update(ctx, "users/u1", map[string]any{"phone": "555"}))
	stored, err := remote.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, "555", stored.String("phone"))

	c.SetOnline(false)
	doc, err = c.Get(ctx, "users/u1")
	require.NoError(t, err, "cached copy serves reads offline")
	assert.True(t, doc.FromCache)
	_, err = c.Get(ctx, "users/u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStorePendingWritesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	storage := kv.NewMemoryStorage()
	remote := newSwitchableRemote()
	opts := CachedOptions{Memory: MemoryOptions{Offline: true, Storage: storage, StorageKey: "cache"}}

	first, err := OpenCachedStore(remote, opts)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "contacts/c1", map[string]any{"name": "Ana"}, false))

	opts.Memory.Offline = false
	second, err := OpenCachedStore(remote, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, second.PendingWrites(), "reopening online does not confirm unsent writes")
	require.NoError(t, second.Flush(ctx))
	_, err = remote.Get(ctx, "contacts/c1")
	require.NoError(t, err)
}

func TestCachedStoreRunFlushesAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote := newSwitchableRemote()
	c, err := OpenCachedStore(remote, CachedOptions{
		Memory:        MemoryOptions{Offline: true},
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.NoError(t, c.Set(ctx, "contacts/c1", map[string]any{"name": "Ana"}, false))
	remote.down.Store(true)
	c.SetOnline(true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, c.PendingWrites())

	remote.down.Store(false)
	require.Eventually(t, func() bool { return c.PendingWrites() == 0 }, 2*time.Second, 5*time.Millisecond)
	_, err = remote.Get(context.Background(), "contacts/c1")
	require.NoError(t, err)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

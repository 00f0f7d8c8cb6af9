package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/docstore"
	"github.com/agentworkforce/relaysync/internal/notice"
)

type staticOnline struct{ online atomic.Bool }

func (s *staticOnline) IsOnline() bool { return s.online.Load() }

func onlineChecker(online bool) *staticOnline {
	s := &staticOnline{}
	s.online.Store(online)
	return s
}

func ids(entities []Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}

func TestPendingSyncFollowsStoreMetadata(t *testing.T) {
	store, err := docstore.OpenMemoryStore(docstore.MemoryOptions{Offline: true})
	require.NoError(t, err)
	r, err := New(store, store, Options{})
	require.NoError(t, err)
	feed, err := r.Subscribe(docstore.Collection("appointments"))
	require.NoError(t, err)
	defer feed.Unsubscribe()

	require.NoError(t, store.Set(context.Background(), "appointments/a1", map[string]any{"status": "pending"}, false))
	require.Eventually(t, func() bool {
		current := feed.Current()
		return len(current) == 1 && current[0].PendingSync
	}, time.Second, 5*time.Millisecond)

	store.SetOnline(true)
	require.Eventually(t, func() bool {
		current := feed.Current()
		return len(current) == 1 && !current[0].PendingSync
	}, time.Second, 5*time.Millisecond)
}

func TestEntitiesSortDescendingWithMissingValuesLast(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "appointments/b", map[string]any{"createdAt": "2026-01-02T00:00:00Z"}, false))
	require.NoError(t, store.Set(ctx, "appointments/a", map[string]any{"createdAt": "2026-01-02T00:00:00Z"}, false))
	require.NoError(t, store.Set(ctx, "appointments/c", map[string]any{"createdAt": "2026-03-01T00:00:00Z"}, false))
	require.NoError(t, store.Set(ctx, "appointments/d", map[string]any{"note": "no timestamp"}, false))

	r, err := New(store, store, Options{SortField: "createdAt"})
	require.NoError(t, err)
	feed, err := r.Subscribe(docstore.Collection("appointments"))
	require.NoError(t, err)
	defer feed.Unsubscribe()

	require.Eventually(t, func() bool { return len(feed.Current()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids(feed.Current()))
}

func TestNormalizeRunsBeforePublishing(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "appointments/a", map[string]any{"status": "Aprobada"}, false))
	r, err := New(store, store, Options{Normalize: func(fields map[string]any) map[string]any {
		if s, ok := fields["status"].(string); ok {
			fields["status"] = strings.ToLower(s)
		}
		return fields
	}})
	require.NoError(t, err)
	feed, err := r.Subscribe(docstore.Collection("appointments"))
	require.NoError(t, err)
	defer feed.Unsubscribe()

	require.Eventually(t, func() bool { return len(feed.Current()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "aprobada", feed.Current()[0].Fields["status"])
}

func TestFailedEnrichmentLeavesEntityUnenriched(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "users/u1", map[string]any{"name": "Ana"}, false))
	require.NoError(t, store.Set(ctx, "appointments/a", map[string]any{"uid": "u1"}, false))
	require.NoError(t, store.Set(ctx, "appointments/b", map[string]any{"uid": "u2"}, false))

	failing := EnricherFunc(func(_ context.Context, e *Entity) error {
		e.Fields["partial"] = true
		if e.ID == "b" {
			return errors.New("lookup failed")
		}
		e.Fields["flag"] = "ok"
		return nil
	})
	r, err := New(store, store, Options{Enrichers: []Enricher{NewOwnerNameEnricher(store), failing}})
	require.NoError(t, err)
	feed, err := r.Subscribe(docstore.Collection("appointments"))
	require.NoError(t, err)
	defer feed.Unsubscribe()

	require.Eventually(t, func() bool { return len(feed.Current()) == 2 }, time.Second, 5*time.Millisecond)
	byID := map[string]Entity{}
	for _, e := range feed.Current() {
		byID[e.ID] = e
	}
	assert.Equal(t, "Ana", byID["a"].Fields["ownerName"])
	assert.Equal(t, "ok", byID["a"].Fields["flag"])
	assert.NotContains(t, byID["b"].Fields, "ownerName", "unknown owner")
	assert.NotContains(t, byID["b"].Fields, "partial", "failed enrichment must not leak partial writes")
}

func TestNewerSnapshotReplacesWaitingOne(t *testing.T) {
	store := docstore.NewMemoryStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	blocking := EnricherFunc(func(ctx context.Context, e *Entity) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})
	r, err := New(store, store, Options{Enrichers: []Enricher{blocking}, EnrichConcurrency: 1})
	require.NoError(t, err)
	feed, err := r.Subscribe(docstore.Collection("appointments"))
	require.NoError(t, err)
	defer feed.Unsubscribe()

	var mu sync.Mutex
	var published [][]string
	cancel := feed.Subscribe(func(entities []Entity) {
		mu.Lock()
		published = append(published, ids(entities))
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, store.ServerSet("appointments/a", map[string]any{"n": 1.0}, false))
	<-entered
	require.NoError(t, store.ServerSet("appointments/b", map[string]any{"n": 2.0}, false))
	require.NoError(t, store.ServerSet("appointments/c", map[string]any{"n": 3.0}, false))
	close(release)

	require.Eventually(t, func() bool { return len(feed.Current()) == 3 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, list := range published {
		assert.NotEqual(t, 2, len(list), "intermediate snapshot should have been replaced")
	}
	assert.Equal(t, []string{"a", "b", "c"}, published[len(published)-1])
}

func TestFeedErrorNoticeOnlyWhenOnline(t *testing.T) {
	for _, online := range []bool{true, false} {
		store := docstore.NewMemoryStore()
		recorder := &notice.Recorder{}
		r, err := New(store, onlineChecker(online), Options{Presenter: recorder})
		require.NoError(t, err)
		feed, err := r.Subscribe(docstore.Collection("appointments"))
		require.NoError(t, err)

		store.BreakListeners(errors.New("permission denied"))
		if online {
			require.Len(t, recorder.Notices(), 1)
			assert.Equal(t, notice.LevelDanger, recorder.Notices()[0].Level)
		} else {
			assert.Empty(t, recorder.Notices())
		}
		feed.Unsubscribe()
	}
}

func TestUnsubscribeStopsUpdatesAndIsIdempotent(t *testing.T) {
	store := docstore.NewMemoryStore()
	r, err := New(store, store, Options{})
	require.NoError(t, err)
	feed, err := r.Subscribe(docstore.Collection("appointments"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := feed.stream.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	feed.Unsubscribe()
	feed.Unsubscribe()
	require.NoError(t, store.ServerSet("appointments/a", map[string]any{"n": 1.0}, false))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, feed.Current())
}

func TestUnsubscribeFromFeedCallbackReturns(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.ServerSet("appointments/a", map[string]any{"n": 1.0}, false))
	r, err := New(store, store, Options{})
	require.NoError(t, err)
	feed, err := r.Subscribe(docstore.Collection("appointments"))
	require.NoError(t, err)

	returned := make(chan struct{})
	var once sync.Once
	cancel := feed.Subscribe(func(entities []Entity) {
		if len(entities) == 0 {
			return
		}
		once.Do(func() {
			feed.Unsubscribe()
			close(returned)
		})
	})
	defer cancel()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe inside a feed callback did not return")
	}
	select {
	case <-feed.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	feed.Unsubscribe()

	require.NoError(t, store.ServerSet("appointments/b", map[string]any{"n": 2.0}, false))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a"}, ids(feed.Current()))
}

func TestCurrentReturnsPrivateCopy(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.ServerSet("appointments/a", map[string]any{"status": "pending"}, false))
	r, err := New(store, store, Options{})
	require.NoError(t, err)
	feed, err := r.Subscribe(docstore.Collection("appointments"))
	require.NoError(t, err)
	defer feed.Unsubscribe()
	require.Eventually(t, func() bool { return len(feed.Current()) == 1 }, time.Second, 5*time.Millisecond)

	first := feed.Current()
	first[0].Fields["status"] = "mutated"
	first[0].ID = "other"

	second := feed.Current()
	assert.Equal(t, "a", second[0].ID)
	assert.Equal(t, "pending", second[0].Fields["status"])
}

func TestSubscribeRejectsInvalidQuery(t *testing.T) {
	store := docstore.NewMemoryStore()
	r, err := New(store, store, Options{})
	require.NoError(t, err)
	_, err = r.Subscribe(docstore.Query{})
	require.ErrorIs(t, err, docstore.ErrInvalidInput)
}

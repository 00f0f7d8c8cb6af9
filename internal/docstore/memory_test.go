package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/kv"
)

func TestMemoryStoreCRUDAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "appointments/a1", map[string]any{"uid": "u1", "status": "pending", "seq": 1}, false))
	require.NoError(t, s.Set(ctx, "appointments/a2", map[string]any{"uid": "u2", "status": "pending", "seq": 2}, false))
	require.NoError(t, s.Update(ctx, "appointments/a1", map[string]any{"status": "approved"}))

	doc, err := s.Get(ctx, "appointments/a1")
	require.NoError(t, err)
	assert.Equal(t, "approved", doc.String("status"))
	assert.Equal(t, "u1", doc.String("uid"))
	assert.Equal(t, float64(1), doc.Fields["seq"], "numbers are normalised to float64")
	assert.False(t, doc.HasPendingWrites)

	docs, err := s.Query(ctx, Collection("appointments").Where("uid", OpEqual, "u2"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a2", docs[0].ID)

	docs, err = s.Query(ctx, Collection("appointments").Where("seq", OpGreaterEqual, 1))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	require.NoError(t, s.Delete(ctx, "appointments/a2"))
	_, err = s.Get(ctx, "appointments/a2")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Update(ctx, "appointments/missing", map[string]any{"status": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "not-a-path")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStoreMergeKeepsOtherFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "users/u1", map[string]any{"name": "Ana", "phone": "1"}, false))
	require.NoError(t, s.Set(ctx, "users/u1", map[string]any{"phone": "2"}, true))
	doc, err := s.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ana", "phone": "2"}, doc.Fields)

	require.NoError(t, s.Set(ctx, "users/u1", map[string]any{"phone": "3"}, false))
	doc, err = s.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"phone": "3"}, doc.Fields)
}

func TestMemoryStoreOfflineWritesArePendingUntilOnline(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemoryStore(MemoryOptions{Offline: true})
	require.NoError(t, err)

	var snaps []Snapshot
	cancel := s.Subscribe(Collection("appointments"), SubscribeOptions{IncludeMetadataChanges: true}, Observer{
		Next: func(snap Snapshot) { snaps = append(snaps, snap) },
	})
	defer cancel()
	require.Len(t, snaps, 1)
	assert.Empty(t, snaps[0].Docs)
	assert.True(t, snaps[0].FromCache)

	require.NoError(t, s.Set(ctx, "appointments/a1", map[string]any{"status": "pending"}, false))
	assert.Equal(t, 1, s.PendingWrites())
	doc, err := s.Get(ctx, "appointments/a1")
	require.NoError(t, err)
	assert.True(t, doc.HasPendingWrites)
	assert.True(t, doc.FromCache)

	require.Len(t, snaps, 2)
	require.Len(t, snaps[1].Docs, 1)
	assert.True(t, snaps[1].Docs[0].HasPendingWrites)

	s.SetOnline(true)
	assert.Equal(t, 0, s.PendingWrites())
	require.Len(t, snaps, 3)
	assert.False(t, snaps[2].Docs[0].HasPendingWrites)
	assert.False(t, snaps[2].FromCache)
}

func TestMemoryStoreSkipsMetadataOnlySnapshotsByDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var withMeta, withoutMeta int
	c1 := s.Subscribe(Collection("users"), SubscribeOptions{IncludeMetadataChanges: true}, Observer{Next: func(Snapshot) { withMeta++ }})
	defer c1()
	c2 := s.Subscribe(Collection("users"), SubscribeOptions{}, Observer{Next: func(Snapshot) { withoutMeta++ }})
	defer c2()

	require.NoError(t, s.Set(ctx, "users/u1", map[string]any{"name": "Ana"}, false))
	assert.Equal(t, 3, withMeta, "initial, local write, server confirmation")
	assert.Equal(t, 2, withoutMeta, "initial, local write")
}

func TestMemoryStoreObserverMayWriteBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "appointments/a1", map[string]any{"status": "approved"}, false))

	var seen []bool
	cancel := s.Subscribe(Doc("appointments", "a1"), SubscribeOptions{}, Observer{
		Next: func(snap Snapshot) {
			doc := snap.Docs[0]
			seen = append(seen, doc.Bool("approvedNotified"))
			if !doc.Bool("approvedNotified") {
				require.NoError(t, s.Update(ctx, "appointments/a1", map[string]any{"approvedNotified": true}))
			}
		},
	})
	defer cancel()
	assert.Equal(t, []bool{false, true}, seen)
}

func TestMemoryStoreServerWritesReachListenersOnlyOnline(t *testing.T) {
	s := NewMemoryStore()
	var statuses []string
	cancel := s.Subscribe(Doc("appointments", "a1"), SubscribeOptions{}, Observer{
		Next: func(snap Snapshot) {
			if len(snap.Docs) == 1 {
				statuses = append(statuses, snap.Docs[0].String("status"))
			}
		},
	})
	defer cancel()

	require.NoError(t, s.ServerSet("appointments/a1", map[string]any{"status": "pending"}, false))
	s.SetOnline(false)
	require.NoError(t, s.ServerSet("appointments/a1", map[string]any{"status": "approved"}, true))
	assert.Equal(t, []string{"pending"}, statuses)

	s.SetOnline(true)
	assert.Equal(t, []string{"pending", "approved"}, statuses)
}

func TestMemoryStoreBreakListenersStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	broken := errors.New("permission denied")
	var errs []error
	nexts := 0
	cancel := s.Subscribe(Collection("users"), SubscribeOptions{}, Observer{
		Next:  func(Snapshot) { nexts++ },
		Error: func(err error) { errs = append(errs, err) },
	})
	s.BreakListeners(broken)
	require.NoError(t, s.Set(ctx, "users/u1", map[string]any{"name": "x"}, false))
	cancel()
	cancel()

	assert.Equal(t, 1, nexts)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], broken)
}

func TestMemoryStorePersistsThroughStorage(t *testing.T) {
	ctx := context.Background()
	storage := kv.NewMemoryStorage()
	s, err := OpenMemoryStore(MemoryOptions{Storage: storage, Offline: true})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "users/u1", map[string]any{"name": "Ana"}, false))

	reopened, err := OpenMemoryStore(MemoryOptions{Storage: storage, Offline: true})
	require.NoError(t, err)
	doc, err := reopened.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.True(t, doc.HasPendingWrites, "pending writes survive a restart")

	confirmed, err := OpenMemoryStore(MemoryOptions{Storage: storage})
	require.NoError(t, err)
	doc, err = confirmed.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.False(t, doc.HasPendingWrites)
	assert.Equal(t, "Ana", doc.String("name"))
}

func TestQueryValidate(t *testing.T) {
	assert.NoError(t, Collection("users").Where("uid", OpEqual, "u1").Validate())
	assert.ErrorIs(t, Collection("").Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Collection("a/b").Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Collection("users").Where("uid", Op("~"), "x").Validate(), ErrInvalidInput)
}

func TestCompareOrdersScalars(t *testing.T) {
	cmp, ok := Compare("2026-01-02T00:00:00Z", "2026-01-01T00:00:00Z")
	require.True(t, ok)
	assert.Equal(t, 1, cmp)
	_, ok = Compare("1", float64(1))
	assert.False(t, ok)
	assert.True(t, Equal(map[string]any{"a": float64(1)}, map[string]any{"a": float64(1)}))
}

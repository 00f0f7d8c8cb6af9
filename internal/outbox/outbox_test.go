package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/kv"
)

type fakeDispatcher struct {
	mu           sync.Mutex
	calls        []PendingOperation
	fail         func(op PendingOperation) error
	unconfigured bool
	onDispatch   func(op PendingOperation)
}

func (d *fakeDispatcher) IsConfigured() bool { return !d.unconfigured }

func (d *fakeDispatcher) Dispatch(_ context.Context, op PendingOperation) error {
	d.mu.Lock()
	d.calls = append(d.calls, op)
	fail, hook := d.fail, d.onDispatch
	d.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	if fail != nil {
		return fail(op)
	}
	return nil
}

func (d *fakeDispatcher) Calls() []PendingOperation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PendingOperation(nil), d.calls...)
}

type fixture struct {
	storage    *kv.MemoryStorage
	dispatcher *fakeDispatcher
	monitor    *connectivity.Monitor
	clock      *clock.Fake
	outbox     *Outbox
	reader     *sdkmetric.ManualReader
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Time{})
	f := &fixture{
		storage:    kv.NewMemoryStorage(),
		dispatcher: &fakeDispatcher{},
		monitor:    connectivity.NewMonitor(connectivity.Options{Initial: online, Clock: fake}),
		clock:      fake,
		reader:     sdkmetric.NewManualReader(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	ob, err := New(f.storage, f.dispatcher, f.monitor, Options{Clock: fake, Meter: mp.Meter("outbox-test")})
	require.NoError(t, err)
	f.outbox = ob
	return f
}

func contact(name string) ContactMessage {
	return ContactMessage{Name: name, Email: name + "@example.com", Message: "hello", CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func TestDrainSendsEveryOperationInEnqueueOrder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for _, name := range []string{"ana", "bea", "carla"} {
		_, err := f.outbox.Enqueue(ctx, contact(name))
		require.NoError(t, err)
	}
	_, err := f.outbox.Enqueue(ctx, AppointmentNotification{Name: "dora", Email: "dora@example.com", Date: "2026-03-02", Time: "10:00"})
	require.NoError(t, err)

	res := f.outbox.Drain(ctx)
	assert.Equal(t, DrainResult{Attempted: 4, Sent: 4}, res)
	assert.Equal(t, 0, f.outbox.Len())

	calls := f.dispatcher.Calls()
	require.Len(t, calls, 4)
	var names []string
	for _, op := range calls {
		payload, err := DecodePayload(op)
		require.NoError(t, err)
		switch p := payload.(type) {
		case ContactMessage:
			names = append(names, p.Name)
		case AppointmentNotification:
			names = append(names, p.Name)
		}
	}
	assert.Equal(t, []string{"ana", "bea", "carla", "dora"}, names)
}

func TestAlwaysFailingOperationIsEvictedAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.dispatcher.fail = func(PendingOperation) error { return errors.New("smtp down") }
	_, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)

	for pass := 1; pass < DefaultMaxAttempts; pass++ {
		res := f.outbox.Drain(ctx)
		assert.Equal(t, 1, res.Failed)
		pending, err := f.outbox.Pending()
		require.NoError(t, err)
		require.Len(t, pending, 1, "still queued after pass %d", pass)
		assert.Equal(t, pass, pending[0].Attempts)
	}
	res := f.outbox.Drain(ctx)
	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, 0, f.outbox.Len())
	assert.Len(t, f.dispatcher.Calls(), DefaultMaxAttempts)

	f.outbox.Drain(ctx)
	assert.Len(t, f.dispatcher.Calls(), DefaultMaxAttempts, "evicted operations are never retried")
}

func TestOneFailureDoesNotBlockLaterOperations(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	first, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)
	_, err = f.outbox.Enqueue(ctx, contact("bea"))
	require.NoError(t, err)
	f.dispatcher.fail = func(op PendingOperation) error {
		if op.ID == first.ID {
			return errors.New("rejected")
		}
		return nil
	}

	res := f.outbox.Drain(ctx)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	pending, err := f.outbox.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

func TestDrainIsNoOpWhileOffline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)

	res := f.outbox.Drain(ctx)
	assert.Equal(t, SkipOffline, res.Skipped)
	assert.Equal(t, 1, res.Remaining)
	assert.Empty(t, f.dispatcher.Calls())
}

func TestDrainSkipsUnconfiguredDispatcherWithoutBurningAttempts(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.dispatcher.unconfigured = true
	_, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Equal(t, SkipNotConfigured, f.outbox.Drain(ctx).Skipped)
	}
	pending, err := f.outbox.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
}

func TestDrainIsNotReentrant(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)

	var nested DrainResult
	f.dispatcher.onDispatch = func(PendingOperation) { nested = f.outbox.Drain(ctx) }
	res := f.outbox.Drain(ctx)
	assert.Equal(t, SkipBusy, nested.Skipped)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, f.dispatcher.Calls(), 1)
}

func TestEnqueueDuringDrainWaitsForNextPass(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)

	var late PendingOperation
	f.dispatcher.onDispatch = func(PendingOperation) {
		if late.ID == "" {
			var err error
			late, err = f.outbox.Enqueue(ctx, contact("bea"))
			require.NoError(t, err)
		}
	}
	res := f.outbox.Drain(ctx)
	assert.Equal(t, 1, res.Attempted)
	pending, err := f.outbox.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1, "the mid-drain enqueue must not be lost")
	assert.Equal(t, late.ID, pending[0].ID)

	res = f.outbox.Drain(ctx)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 0, f.outbox.Len())
}

func TestUnknownKindIsEvictedWithoutDispatch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	raw, err := json.Marshal([]PendingOperation{{ID: "legacy", Kind: "fax", Payload: json.RawMessage(`{}`)}})
	require.NoError(t, err)
	require.NoError(t, f.storage.SetItem(StorageKey, string(raw)))

	res := f.outbox.Drain(ctx)
	assert.Equal(t, 1, res.Evicted)
	assert.Empty(t, f.dispatcher.Calls())
	assert.Equal(t, 0, f.outbox.Len())
}

func TestPermanentErrorEvictsImmediately(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.dispatcher.fail = func(PendingOperation) error { return fmt.Errorf("%w: bad template", ErrPermanent) }
	_, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)

	res := f.outbox.Drain(ctx)
	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, 0, f.outbox.Len())
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.outbox.Enqueue(context.Background(), ContactMessage{Name: "ana", Email: "not-an-email"})
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, err = f.outbox.Enqueue(context.Background(), AppointmentNotification{Name: "ana", Email: "a@x.com"})
	require.ErrorIs(t, err, ErrInvalidPayload, "date and time are required")
	assert.Equal(t, 0, f.outbox.Len())
}

func TestAttemptsSurviveRestart(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.dispatcher.fail = func(PendingOperation) error { return errors.New("timeout") }
	_, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)
	f.outbox.Drain(ctx)

	restarted, err := New(f.storage, &fakeDispatcher{}, f.monitor, Options{})
	require.NoError(t, err)
	pending, err := restarted.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestCorruptQueueIsTreatedAsEmpty(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.storage.SetItem(StorageKey, "{broken"))
	assert.Equal(t, 0, f.outbox.Len())
	_, err := f.outbox.Enqueue(context.Background(), contact("ana"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.outbox.Len())
	require.NoError(t, f.outbox.Clear())
	assert.Equal(t, 0, f.outbox.Len())

	require.NoError(t, f.storage.SetItem(StorageKey, "{broken"))
	pending, err := f.outbox.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, DrainResult{}, f.outbox.Drain(context.Background()), "drain sees the same empty queue as Len")
	assert.Empty(t, f.dispatcher.Calls())
}

type flakyStorage struct {
	kv.Storage
	failReads  atomic.Bool
	failWrites atomic.Bool
}

var errStorageDown = errors.New("disk unavailable")

func (s *flakyStorage) GetItem(key string) (string, bool, error) {
	if s.failReads.Load() {
		return "", false, errStorageDown
	}
	return s.Storage.GetItem(key)
}

func (s *flakyStorage) SetItem(key, value string) error {
	if s.failWrites.Load() {
		return errStorageDown
	}
	return s.Storage.SetItem(key, value)
}

func (s *flakyStorage) RemoveItem(key string) error {
	if s.failWrites.Load() {
		return errStorageDown
	}
	return s.Storage.RemoveItem(key)
}

func TestDrainStopsWhenAttemptCountCannotBePersisted(t *testing.T) {
	storage := &flakyStorage{Storage: kv.NewMemoryStorage()}
	dispatcher := &fakeDispatcher{fail: func(PendingOperation) error { return errors.New("timeout") }}
	monitor := connectivity.NewMonitor(connectivity.Options{Initial: true})
	ob, err := New(storage, dispatcher, monitor, Options{})
	require.NoError(t, err)
	ctx := context.Background()
	for _, name := range []string{"ana", "bea"} {
		_, err := ob.Enqueue(ctx, contact(name))
		require.NoError(t, err)
	}

	storage.failWrites.Store(true)
	res := ob.Drain(ctx)
	assert.Equal(t, SkipStorage, res.Skipped)
	assert.Equal(t, 1, res.Attempted)
	assert.Len(t, dispatcher.Calls(), 1, "second operation is not attempted")

	storage.failWrites.Store(false)
	pending, err := ob.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Equal(t, 0, pending[1].Attempts)

	res = ob.Drain(ctx)
	assert.Equal(t, SkipNone, res.Skipped)
	assert.Equal(t, 2, res.Attempted)
	pending, err = ob.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestStorageReadFailureSkipsDrainAndEnqueue(t *testing.T) {
	storage := &flakyStorage{Storage: kv.NewMemoryStorage()}
	dispatcher := &fakeDispatcher{}
	ob, err := New(storage, dispatcher, connectivity.NewMonitor(connectivity.Options{Initial: true}), Options{})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = ob.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)

	storage.failReads.Store(true)
	assert.Equal(t, SkipStorage, ob.Drain(ctx).Skipped)
	assert.Empty(t, dispatcher.Calls())
	_, err = ob.Enqueue(ctx, contact("bea"))
	require.ErrorIs(t, err, errStorageDown)

	storage.failReads.Store(false)
	assert.Equal(t, 1, ob.Len(), "the queued operation was not overwritten")
}

func TestOfflineEnqueueDrainsAutomaticallyAfterReconnect(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.outbox.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	original := ContactMessage{Name: "Ana", Email: "a@x.com"}
	_, err := f.outbox.Enqueue(ctx, original)
	require.NoError(t, err)
	f.monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		f.clock.Advance(DefaultSettleDelay)
		return f.outbox.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	calls := f.dispatcher.Calls()
	require.Len(t, calls, 1)
	payload, err := DecodePayload(calls[0])
	require.NoError(t, err)
	assert.Equal(t, original, payload)
}

func TestDrainRecordsMetrics(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.outbox.Enqueue(ctx, contact("ana"))
	require.NoError(t, err)
	_, err = f.outbox.Enqueue(ctx, contact("bea"))
	require.NoError(t, err)
	f.dispatcher.fail = func(op PendingOperation) error {
		if len(f.dispatcher.Calls()) == 1 {
			return nil
		}
		return errors.New("boom")
	}
	f.outbox.Drain(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), counterValue(t, rm, "relaysync.outbox.enqueued"))
	assert.Equal(t, int64(1), counterValue(t, rm, "relaysync.outbox.sent"))
	assert.Equal(t, int64(1), counterValue(t, rm, "relaysync.outbox.failed"))
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestDeliverSendsDirectlyOrQueuesOnFailure(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sent, err := f.outbox.Deliver(ctx, contact("ana"))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 0, f.outbox.Len())

	f.dispatcher.fail = func(PendingOperation) error { return errors.New("timeout") }
	sent, err = f.outbox.Deliver(ctx, contact("bea"))
	require.NoError(t, err)
	assert.False(t, sent)
	pending, err := f.outbox.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts, "the direct send does not count against the retry budget")

	f.dispatcher.fail = func(PendingOperation) error { return fmt.Errorf("%w: rejected", ErrPermanent) }
	sent, err = f.outbox.Deliver(ctx, contact("carla"))
	require.ErrorIs(t, err, ErrPermanent)
	assert.False(t, sent)
	assert.Equal(t, 1, f.outbox.Len())
}

func TestDeliverQueuesWhenDispatcherUnconfigured(t *testing.T) {
	f := newFixture(t, true)
	f.dispatcher.unconfigured = true
	sent, err := f.outbox.Deliver(context.Background(), contact("ana"))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, f.outbox.Len())
	assert.Empty(t, f.dispatcher.Calls())
}

// Package outbox is a durable queue of side-effecting operations (owner
// notification emails) that could not be performed when they were
// requested. Operations are retried on reconnect and evicted after a bounded
// number of failed attempts.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/kv"
	"github.com/agentworkforce/relaysync/internal/telemetry"
)

const (
	StorageKey = "outbox.pending_operations"

	DefaultMaxAttempts  = 3
	DefaultSendTimeout  = 10 * time.Second
	DefaultStartupDelay = 2 * time.Second
	DefaultSettleDelay  = time.Second
)

// Connectivity is the part of the connectivity monitor the outbox needs.
type Connectivity interface {
	IsOnline() bool
	RunOnReconnect(ctx context.Context, opts connectivity.ReconnectOptions, fn func(context.Context))
}

type Options struct {
	MaxAttempts  int
	SendTimeout  time.Duration
	StartupDelay time.Duration
	SettleDelay  time.Duration
	// ProbeOnReconnect requires the network to answer a probe before an
	// automatic drain.
	ProbeOnReconnect bool
	Clock            clock.Clock
	Logger           *slog.Logger
	Meter            metric.Meter
}

type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipBusy          SkipReason = "drain already running"
	SkipOffline       SkipReason = "offline"
	SkipNotConfigured SkipReason = "dispatcher not configured"
	// SkipStorage means the queue could not be read, or a pass stopped
	// because an updated queue could not be persisted.
	SkipStorage SkipReason = "outbox storage unavailable"
)

type DrainResult struct {
	Skipped   SkipReason `json:"skipped,omitempty"`
	Attempted int        `json:"attempted"`
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Evicted   int        `json:"evicted"`
	Remaining int        `json:"remaining"`
}

type Outbox struct {
	storage    kv.Storage
	dispatcher Dispatcher
	monitor    Connectivity
	opts       Options
	logger     *slog.Logger
	metrics    outboxMetrics

	// mu guards every read-modify-write of the persisted queue.
	mu       sync.Mutex
	draining atomic.Bool
}

func New(storage kv.Storage, dispatcher Dispatcher, monitor Connectivity, opts Options) (*Outbox, error) {
	if storage == nil || dispatcher == nil || monitor == nil {
		return nil, errors.New("outbox requires storage, dispatcher and monitor")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.StartupDelay <= 0 {
		opts.StartupDelay = DefaultStartupDelay
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = telemetry.Meter("github.com/agentworkforce/relaysync/internal/outbox")
	}
	metrics, err := newOutboxMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}
	if _, err := compiledSchemas(); err != nil {
		return nil, err
	}
	return &Outbox{
		storage:    storage,
		dispatcher: dispatcher,
		monitor:    monitor,
		opts:       opts,
		logger:     opts.Logger.With("component", "outbox"),
		metrics:    metrics,
	}, nil
}

// NewOperation validates payload and wraps it in a fresh operation.
func NewOperation(payload Payload, now time.Time) (PendingOperation, error) {
	if payload == nil {
		return PendingOperation{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	kind := payload.Kind()
	raw, err := json.Marshal(payload)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validatePayload(kind, raw); err != nil {
		return PendingOperation{}, err
	}
	return PendingOperation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: now.UTC(),
	}, nil
}

// Enqueue validates and persists payload as a new operation.
func (o *Outbox) Enqueue(ctx context.Context, payload Payload) (PendingOperation, error) {
	op, err := NewOperation(payload, o.opts.Clock.Now())
	if err != nil {
		return PendingOperation{}, err
	}
	if err := o.enqueue(ctx, op); err != nil {
		return PendingOperation{}, err
	}
	return op, nil
}

// Deliver sends payload once right away and queues it when that send fails
// for a reason a later retry could fix. It reports whether the payload was
// delivered.
func (o *Outbox) Deliver(ctx context.Context, payload Payload) (bool, error) {
	op, err := NewOperation(payload, o.opts.Clock.Now())
	if err != nil {
		return false, err
	}
	if !o.dispatcher.IsConfigured() {
		return false, o.enqueue(ctx, op)
	}
	err = o.dispatch(ctx, op)
	switch {
	case err == nil:
		o.metrics.sent.Add(ctx, 1, kindAttr(op.Kind))
		o.logger.Info("operation sent", "id", op.ID, "kind", string(op.Kind))
		return true, nil
	case errors.Is(err, ErrPermanent):
		o.metrics.evicted.Add(ctx, 1, kindAttr(op.Kind))
		o.logger.Error("operation rejected", "id", op.ID, "kind", string(op.Kind), "error", err)
		return false, err
	}
	o.metrics.failed.Add(ctx, 1, kindAttr(op.Kind))
	o.logger.Warn("direct send failed; queueing", "id", op.ID, "kind", string(op.Kind), "error", err)
	return false, o.enqueue(ctx, op)
}

func (o *Outbox) enqueue(ctx context.Context, op PendingOperation) error {
	kind := op.Kind
	o.mu.Lock()
	defer o.mu.Unlock()
	queue, err := o.readLocked()
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	queue = append(queue, op)
	if err := o.saveLocked(queue); err != nil {
		return fmt.Errorf("persist outbox: %w", err)
	}
	o.metrics.enqueued.Add(ctx, 1, kindAttr(kind))
	o.logger.Info("operation enqueued", "id", op.ID, "kind", string(kind), "pending", len(queue))
	return nil
}

// Drain attempts every operation queued when the pass starts, in enqueue
// order. Operations enqueued during the pass wait for the next one.
func (o *Outbox) Drain(ctx context.Context) DrainResult {
	if !o.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: SkipBusy}
	}
	defer o.draining.Store(false)

	if !o.monitor.IsOnline() {
		return DrainResult{Skipped: SkipOffline, Remaining: o.Len()}
	}
	if !o.dispatcher.IsConfigured() {
		o.logger.Warn("dispatcher not configured; leaving operations queued")
		return DrainResult{Skipped: SkipNotConfigured, Remaining: o.Len()}
	}

	ops, err := o.Pending()
	if err != nil {
		o.logger.Error("read outbox failed", "error", err)
		return DrainResult{Skipped: SkipStorage}
	}
	var res DrainResult
	for _, op := range ops {
		if res.Skipped != SkipNone {
			break
		}
		if ctx.Err() != nil || !o.monitor.IsOnline() {
			o.logger.Info("drain interrupted", "remaining", len(ops)-res.Attempted)
			break
		}
		res.Attempted++
		err := o.dispatch(ctx, op)
		switch {
		case err == nil:
			res.Sent++
			o.metrics.sent.Add(ctx, 1, kindAttr(op.Kind))
			o.logger.Info("operation sent", "id", op.ID, "kind", string(op.Kind))
			res.Skipped = o.persistStep(o.remove(op.ID), op.ID)
		case errors.Is(err, ErrPermanent):
			res.Evicted++
			o.metrics.evicted.Add(ctx, 1, kindAttr(op.Kind))
			o.logger.Error("operation evicted", "id", op.ID, "kind", string(op.Kind), "reason", "permanent", "error", err)
			res.Skipped = o.persistStep(o.remove(op.ID), op.ID)
		default:
			res.Failed++
			o.metrics.failed.Add(ctx, 1, kindAttr(op.Kind))
			attempts := op.Attempts + 1
			if attempts >= o.opts.MaxAttempts {
				res.Evicted++
				o.metrics.evicted.Add(ctx, 1, kindAttr(op.Kind))
				o.logger.Error("operation evicted", "id", op.ID, "kind", string(op.Kind), "attempts", attempts, "error", err)
				res.Skipped = o.persistStep(o.remove(op.ID), op.ID)
				continue
			}
			o.logger.Warn("operation failed", "id", op.ID, "kind", string(op.Kind), "attempts", attempts, "error", err)
			res.Skipped = o.persistStep(o.setAttempts(op.ID, attempts), op.ID)
		}
	}
	res.Remaining = o.Len()
	return res
}

// persistStep ends the pass when the queue update after an operation could
// not be saved.
func (o *Outbox) persistStep(err error, id string) SkipReason {
	if err == nil {
		return SkipNone
	}
	o.logger.Error("persist outbox failed; stopping pass", "id", id, "error", err)
	return SkipStorage
}

func (o *Outbox) dispatch(ctx context.Context, op PendingOperation) error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if err := validatePayload(op.Kind, op.Payload); err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, o.opts.SendTimeout)
	defer cancel()
	return o.dispatcher.Dispatch(sendCtx, op)
}

// Run drains once at startup when online and after every reconnect. It
// blocks until ctx is done.
func (o *Outbox) Run(ctx context.Context) {
	o.monitor.RunOnReconnect(ctx, connectivity.ReconnectOptions{
		Name:         "outbox",
		StartupDelay: o.opts.StartupDelay,
		SettleDelay:  o.opts.SettleDelay,
		Probe:        o.opts.ProbeOnReconnect,
	}, func(ctx context.Context) {
		res := o.Drain(ctx)
		if res.Attempted > 0 {
			o.logger.Info("drain pass finished", "sent", res.Sent, "failed", res.Failed, "evicted", res.Evicted, "remaining", res.Remaining)
		}
	})
}

// Pending returns a copy of the queued operations in enqueue order. A
// corrupt queue reads as empty; a storage failure is returned.
func (o *Outbox) Pending() ([]PendingOperation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	queue, err := o.readLocked()
	if err != nil {
		return nil, err
	}
	if queue == nil {
		queue = []PendingOperation{}
	}
	return queue, nil
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.loadLocked())
}

// Clear drops every queued operation.
func (o *Outbox) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.storage.RemoveItem(StorageKey)
}

func (o *Outbox) remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	queue, err := o.readLocked()
	if err != nil {
		return err
	}
	kept := queue[:0]
	for _, op := range queue {
		if op.ID != id {
			kept = append(kept, op)
		}
	}
	return o.saveLocked(kept)
}

func (o *Outbox) setAttempts(id string, attempts int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	queue, err := o.readLocked()
	if err != nil {
		return err
	}
	for i := range queue {
		if queue[i].ID == id {
			queue[i].Attempts = attempts
		}
	}
	return o.saveLocked(queue)
}

func (o *Outbox) loadLocked() []PendingOperation {
	queue, err := o.readLocked()
	if err != nil {
		o.logger.Error("read outbox failed", "error", err)
		return nil
	}
	return queue
}

// readLocked reads the queue. A corrupt queue is logged and read as empty
// so that one bad write cannot wedge the outbox.
func (o *Outbox) readLocked() ([]PendingOperation, error) {
	raw, ok, err := o.storage.GetItem(StorageKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var queue []PendingOperation
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		o.logger.Error("decode outbox failed; starting empty", "error", err)
		return nil, nil
	}
	return queue, nil
}

func (o *Outbox) saveLocked(queue []PendingOperation) error {
	if len(queue) == 0 {
		return o.storage.RemoveItem(StorageKey)
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	return o.storage.SetItem(StorageKey, string(data))
}

type outboxMetrics struct {
	enqueued metric.Int64Counter
	sent     metric.Int64Counter
	failed   metric.Int64Counter
	evicted  metric.Int64Counter
}

func newOutboxMetrics(m metric.Meter) (outboxMetrics, error) {
	var out outboxMetrics
	var err error
	if out.enqueued, err = m.Int64Counter("relaysync.outbox.enqueued",
		metric.WithDescription("Operations added to the outbox")); err != nil {
		return out, err
	}
	if out.sent, err = m.Int64Counter("relaysync.outbox.sent",
		metric.WithDescription("Operations delivered by a drain pass")); err != nil {
		return out, err
	}
	if out.failed, err = m.Int64Counter("relaysync.outbox.failed",
		metric.WithDescription("Failed delivery attempts")); err != nil {
		return out, err
	}
	if out.evicted, err = m.Int64Counter("relaysync.outbox.evicted",
		metric.WithDescription("Operations dropped after permanent failure or max attempts")); err != nil {
		return out, err
	}
	return out, nil
}

func kindAttr(k Kind) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", string(k)))
}

package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentworkforce/relaysync/internal/clock"
)

var (
	errUnreachable  = errors.New("network unreachable")
	errWentOffline  = errors.New("went offline while settling")
	defaultMaxProbe = 10 * time.Second
)

// ReconnectOptions controls when RunOnReconnect invokes its callback.
type ReconnectOptions struct {
	// Name labels log records.
	Name         string
	StartupDelay time.Duration
	SettleDelay  time.Duration
	// Probe requires ProbeReachable to succeed before each run, retrying
	// with exponential backoff for at most ProbeMaxElapsed.
	Probe           bool
	ProbeTimeout    time.Duration
	ProbeMaxElapsed time.Duration
}

// RunOnReconnect calls fn once StartupDelay after start when already
// online, and SettleDelay after every offline to online transition. Runs
// are serialised on the calling goroutine. It blocks until ctx is done.
func (m *Monitor) RunOnReconnect(ctx context.Context, opts ReconnectOptions, fn func(context.Context)) {
	if fn == nil {
		<-ctx.Done()
		return
	}
	logger := m.logger.With("trigger", opts.Name)
	trigger := make(chan struct{}, 1)

	var (
		timerMu sync.Mutex
		pending clock.Timer
		stopped bool
	)
	schedule := func(d time.Duration) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if stopped {
			return
		}
		if pending != nil {
			pending.Stop()
		}
		pending = m.clock.AfterFunc(d, func() {
			if !m.IsOnline() {
				return
			}
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
	}
	cancelPending := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if pending != nil {
			pending.Stop()
			pending = nil
		}
	}

	first := true
	previous := false
	unsubscribe := m.Subscribe(func(online bool) {
		switch {
		case first && online:
			schedule(opts.StartupDelay)
		case online && !previous:
			schedule(opts.SettleDelay)
		case !online:
			cancelPending()
		}
		first = false
		previous = online
	})
	defer func() {
		unsubscribe()
		timerMu.Lock()
		stopped = true
		if pending != nil {
			pending.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			if opts.Probe && !m.waitReachable(ctx, opts) {
				logger.Warn("network not reachable after reconnect; skipping run")
				continue
			}
			fn(ctx)
		}
	}
}

func (m *Monitor) waitReachable(ctx context.Context, opts ReconnectOptions) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = opts.ProbeMaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = defaultMaxProbe
	}
	err := backoff.Retry(func() error {
		if !m.IsOnline() {
			return backoff.Permanent(errWentOffline)
		}
		if m.ProbeReachable(ctx, opts.ProbeTimeout) {
			return nil
		}
		return errUnreachable
	}, backoff.WithContext(b, ctx))
	return err == nil
}

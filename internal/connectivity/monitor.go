// Package connectivity tracks the online/offline state of the client and
// answers whether the network is actually usable.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/notice"
	"github.com/agentworkforce/relaysync/internal/pubsub"
)

const (
	DefaultProbeTimeout   = 1200 * time.Millisecond
	DefaultNoticeDebounce = 800 * time.Millisecond

	transitionNoticeDuration = 1800 * time.Millisecond
	ensureNoticeDuration     = 2500 * time.Millisecond
)

type Options struct {
	Initial        bool
	Clock          clock.Clock
	Presenter      notice.Presenter
	NoticeDebounce time.Duration
	// ProbeURLs are tried in order; the first is normally the origin's
	// /health endpoint and the rest are external fallbacks.
	ProbeURLs  []string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Monitor struct {
	clock      clock.Clock
	presenter  notice.Presenter
	debounce   time.Duration
	probeURLs  []string
	httpClient *http.Client
	logger     *slog.Logger
	stream     *pubsub.Broadcaster[bool]

	// setMu orders state changes with their publication.
	setMu sync.Mutex

	mu            sync.Mutex
	online        bool
	sawOffline    bool
	lastOfflineAt time.Time
	announced     bool
	noticeTimer   clock.Timer
	noticeGen     uint64
}

func NewMonitor(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Presenter == nil {
		opts.Presenter = notice.Discard
	}
	if opts.NoticeDebounce <= 0 {
		opts.NoticeDebounce = DefaultNoticeDebounce
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	urls := make([]string, 0, len(opts.ProbeURLs))
	for _, raw := range opts.ProbeURLs {
		if raw = strings.TrimSpace(raw); raw != "" {
			urls = append(urls, raw)
		}
	}
	return &Monitor{
		clock:      opts.Clock,
		presenter:  opts.Presenter,
		debounce:   opts.NoticeDebounce,
		probeURLs:  urls,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger.With("component", "connectivity"),
		stream:     pubsub.NewBroadcasterWith(opts.Initial),
		online:     opts.Initial,
		announced:  opts.Initial,
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a system-level online/offline event. Repeated events
// with the same value are ignored.
func (m *Monitor) SetOnline(online bool) {
	m.setMu.Lock()
	defer m.setMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if !online {
		m.sawOffline = true
		m.lastOfflineAt = m.clock.Now()
	}
	m.scheduleNoticeLocked()
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	m.stream.Publish(online)
}

// Subscribe calls fn with the current state and then with every
// transition. Callbacks must not call SetOnline.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	return m.stream.Subscribe(fn)
}

// WasRecentlyOffline reports whether an offline transition was observed
// less than window ago.
func (m *Monitor) WasRecentlyOffline(window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sawOffline {
		return false
	}
	return m.clock.Now().Sub(m.lastOfflineAt) < window
}

// EnsureOnline reports the online flag and warns the user when an action
// needs a connection that is not there.
func (m *Monitor) EnsureOnline(ctx context.Context, actionLabel string) bool {
	if m.IsOnline() {
		return true
	}
	if strings.TrimSpace(actionLabel) == "" {
		actionLabel = "this action"
	}
	m.presenter.Present(ctx, notice.Warning(fmt.Sprintf("Offline: %s requires a connection", actionLabel), ensureNoticeDuration))
	return false
}

func (m *Monitor) scheduleNoticeLocked() {
	if m.noticeTimer != nil {
		m.noticeTimer.Stop()
	}
	m.noticeGen++
	gen := m.noticeGen
	m.noticeTimer = m.clock.AfterFunc(m.debounce, func() { m.flushNotice(gen) })
}

func (m *Monitor) flushNotice(gen uint64) {
	m.mu.Lock()
	if gen != m.noticeGen || m.online == m.announced {
		m.mu.Unlock()
		return
	}
	online := m.online
	m.announced = online
	m.noticeTimer = nil
	m.mu.Unlock()

	if online {
		m.presenter.Present(context.Background(), notice.Success("Connection restored", transitionNoticeDuration))
		return
	}
	m.presenter.Present(context.Background(), notice.Info("You are offline", transitionNoticeDuration))
}

// ProbeReachable issues a HEAD request to each probe URL in turn and reports
// whether any answered within timeout. It never changes the online flag.
// Without probe URLs the online flag is returned.
func (m *Monitor) ProbeReachable(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if len(m.probeURLs) == 0 {
		return m.IsOnline()
	}
	for _, target := range m.probeURLs {
		if m.probeOnce(ctx, target, timeout) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (m *Monitor) probeOnce(ctx context.Context, target string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, target, nil)
	if err != nil {
		m.logger.Warn("invalid probe url", "url", target, "error", err)
		return false
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", "url", target, "error", err)
		return false
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return true
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

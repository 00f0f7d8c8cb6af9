// Package notice carries short-lived, non-blocking user messages (the
// "toasts" of the client) and one-shot system-level notifications.
package notice

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

type Notice struct {
	Level    Level         `json:"level"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

func Info(message string, d time.Duration) Notice {
	return Notice{Level: LevelInfo, Message: message, Duration: d}
}

func Success(message string, d time.Duration) Notice {
	return Notice{Level: LevelSuccess, Message: message, Duration: d}
}

func Warning(message string, d time.Duration) Notice {
	return Notice{Level: LevelWarning, Message: message, Duration: d}
}

func Danger(message string, d time.Duration) Notice {
	return Notice{Level: LevelDanger, Message: message, Duration: d}
}

// Presenter shows transient in-app notices. Implementations must not block
// for the notice's display duration.
type Presenter interface {
	Present(ctx context.Context, n Notice)
}

type PresenterFunc func(ctx context.Context, n Notice)

func (f PresenterFunc) Present(ctx context.Context, n Notice) {
	f(ctx, n)
}

// Discard drops every notice.
var Discard Presenter = PresenterFunc(func(context.Context, Notice) {})

// LogPresenter renders notices as structured log records.
type LogPresenter struct {
	Logger *slog.Logger
}

func (p LogPresenter) Present(ctx context.Context, n Notice) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelDanger:
		level = slog.LevelError
	}
	logger.Log(ctx, level, n.Message, "notice", string(n.Level), "duration", n.Duration)
}

// Fanout presents each notice on every wrapped presenter in order.
type Fanout []Presenter

func (f Fanout) Present(ctx context.Context, n Notice) {
	for _, p := range f {
		if p != nil {
			p.Present(ctx, n)
		}
	}
}

// Recorder keeps every presented notice; the CLI uses it to report what a
// command would have shown.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Present(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = nil
}

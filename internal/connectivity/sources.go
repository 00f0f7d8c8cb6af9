package connectivity

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FlagFileSource feeds the monitor from a flag file maintained by a network
// hook. A missing file, or one containing "offline", "down", "0" or "false",
// means offline; any other content means online.
type FlagFileSource struct {
	Monitor *Monitor
	Path    string
}

func (s FlagFileSource) Run(ctx context.Context) error {
	if s.Monitor == nil || strings.TrimSpace(s.Path) == "" {
		return errors.New("flag file source requires a monitor and a path")
	}
	path := filepath.Clean(s.Path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so that atomic replace and delete are seen.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	s.Monitor.SetOnline(readFlagFile(path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.Monitor.SetOnline(readFlagFile(path))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.Monitor.logger.Warn("flag file watcher error", "error", err)
		}
	}
}

// Online reads the flag file once.
func (s FlagFileSource) Online() bool {
	return readFlagFile(filepath.Clean(s.Path))
}

func readFlagFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "offline", "down", "0", "false":
		return false
	default:
		return true
	}
}

// ProbeSource polls ProbeReachable on a jittered interval and feeds the
// result into the monitor.
type ProbeSource struct {
	Monitor     *Monitor
	Interval    time.Duration
	JitterRatio float64
	Timeout     time.Duration
}

func (s ProbeSource) Run(ctx context.Context) {
	if s.Monitor == nil {
		return
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	jitter := clampJitterRatio(s.JitterRatio)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	s.Monitor.SetOnline(s.Monitor.ProbeReachable(ctx, s.Timeout))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			reachable := s.Monitor.ProbeReachable(ctx, s.Timeout)
			if ctx.Err() != nil {
				return
			}
			s.Monitor.SetOnline(reachable)
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

// Package pendingedit stages a single profile edit made while offline and
// commits it once the connection is back.
package pendingedit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/kv"
	"github.com/agentworkforce/relaysync/internal/notice"
)

const (
	StorageKey = "pendingedit.profile"

	DefaultCommitTimeout = 10 * time.Second
	DefaultStartupDelay  = 2 * time.Second
	DefaultSettleDelay   = time.Second

	committedMessage = "Profile updated: your changes were saved"
	retryMessage     = "Could not sync your profile. It will be retried."
)

var ErrInvalidInput = errors.New("invalid input")

type Profile struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// Edit is the staged profile change. A newer Save replaces it.
type Edit struct {
	OwnerID    string    `json:"ownerId"`
	Fields     Profile   `json:"fields"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (e Edit) same(other Edit) bool {
	return e.OwnerID == other.OwnerID && e.Fields == other.Fields && e.CapturedAt.Equal(other.CapturedAt)
}

// Committer writes a profile to the authoritative store.
type Committer interface {
	CommitProfile(ctx context.Context, ownerID string, p Profile) error
}

type Connectivity interface {
	IsOnline() bool
	RunOnReconnect(ctx context.Context, opts connectivity.ReconnectOptions, fn func(context.Context))
}

type Options struct {
	CommitTimeout    time.Duration
	StartupDelay     time.Duration
	SettleDelay      time.Duration
	ProbeOnReconnect bool
	Presenter        notice.Presenter
	Clock            clock.Clock
	Logger           *slog.Logger
}

type Store struct {
	storage   kv.Storage
	committer Committer
	monitor   Connectivity
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	committing atomic.Bool
}

func New(storage kv.Storage, committer Committer, monitor Connectivity, opts Options) (*Store, error) {
	if storage == nil || committer == nil || monitor == nil {
		return nil, errors.New("pendingedit requires storage, committer and monitor")
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	if opts.StartupDelay <= 0 {
		opts.StartupDelay = DefaultStartupDelay
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Presenter == nil {
		opts.Presenter = notice.Discard
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		storage:   storage,
		committer: committer,
		monitor:   monitor,
		opts:      opts,
		logger:    opts.Logger.With("component", "pendingedit"),
	}, nil
}

// Save stages edit, replacing whatever was staged before. A zero CapturedAt
// is stamped with the current time.
func (s *Store) Save(edit Edit) error {
	edit.OwnerID = strings.TrimSpace(edit.OwnerID)
	if edit.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if edit.CapturedAt.IsZero() {
		edit.CapturedAt = s.opts.Clock.Now().UTC()
	}
	data, err := json.Marshal(edit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.SetItem(StorageKey, string(data)); err != nil {
		return fmt.Errorf("persist pending edit: %w", err)
	}
	s.logger.Info("profile edit staged", "owner", edit.OwnerID)
	return nil
}

func (s *Store) Has() bool {
	edit, err := s.Get()
	return err == nil && edit != nil
}

// Get returns the staged edit, or nil when nothing is staged.
func (s *Store) Get() (*Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage.RemoveItem(StorageKey)
}

func (s *Store) loadLocked() (*Edit, error) {
	raw, ok, err := s.storage.GetItem(StorageKey)
	if err != nil || !ok {
		return nil, err
	}
	var edit Edit
	if err := json.Unmarshal([]byte(raw), &edit); err != nil {
		return nil, fmt.Errorf("decode pending edit: %w", err)
	}
	return &edit, nil
}

// TryCommit writes the staged edit through the committer. It reports
// whether an edit was committed. Concurrent calls, offline calls and calls
// with nothing staged return false without doing anything.
func (s *Store) TryCommit(ctx context.Context) (bool, error) {
	if !s.committing.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.committing.Store(false)

	if !s.monitor.IsOnline() {
		return false, nil
	}
	edit, err := s.Get()
	if err != nil {
		s.logger.Error("read pending edit failed", "error", err)
		return false, err
	}
	if edit == nil {
		return false, nil
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.opts.CommitTimeout)
	err = s.committer.CommitProfile(commitCtx, edit.OwnerID, edit.Fields)
	cancel()
	if err != nil {
		s.logger.Warn("profile commit failed", "owner", edit.OwnerID, "error", err)
		s.opts.Presenter.Present(ctx, notice.Danger(retryMessage, 3000*time.Millisecond))
		return false, err
	}

	s.clearIfSame(*edit)
	s.logger.Info("profile edit committed", "owner", edit.OwnerID)
	s.opts.Presenter.Present(ctx, notice.Success(committedMessage, 4000*time.Millisecond))
	return true, nil
}

// clearIfSame removes the slot only if it still holds committed. An edit
// saved while the commit was in flight stays staged.
func (s *Store) clearIfSame(committed Edit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked()
	if err != nil || current == nil || !current.same(committed) {
		return
	}
	if err := s.storage.RemoveItem(StorageKey); err != nil {
		s.logger.Error("clear pending edit failed", "error", err)
	}
}

// Run commits the staged edit at startup when online and after every
// reconnect. It blocks until ctx is done.
func (s *Store) Run(ctx context.Context) {
	s.monitor.RunOnReconnect(ctx, connectivity.ReconnectOptions{
		Name:         "pendingedit",
		StartupDelay: s.opts.StartupDelay,
		SettleDelay:  s.opts.SettleDelay,
		Probe:        s.opts.ProbeOnReconnect,
	}, func(ctx context.Context) {
		_, _ = s.TryCommit(ctx)
	})
}

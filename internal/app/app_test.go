package app

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/auth"
	"github.com/agentworkforce/relaysync/internal/booking"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/docstore"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/kv"
	"github.com/agentworkforce/relaysync/internal/notice"
	"github.com/agentworkforce/relaysync/internal/pendingedit"
)

func newTestApp(t *testing.T) (*App, *notice.Recorder) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	rec := &notice.Recorder{}
	a, err := New(cfg, Options{Presenter: rec, Storage: kv.NewMemoryStorage()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, rec
}

func TestOfflineContactIsCachedAndQueued(t *testing.T) {
	a, _ := newTestApp(t)
	require.NotNil(t, a.Local)
	require.True(t, a.Monitor.IsOnline())

	a.Monitor.SetOnline(false)
	assert.False(t, a.Local.IsOnline())

	out, err := a.Booking.SubmitContact(context.Background(), booking.ContactForm{
		Name:    "Ana",
		Email:   "ana@example.com",
		Message: "Need a crown",
	})
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.Equal(t, 1, a.Outbox.Len())
	assert.Equal(t, 1, a.Local.PendingWrites())

	a.Monitor.SetOnline(true)
	assert.Equal(t, 0, a.Local.PendingWrites())
	doc, err := a.Docs.Get(context.Background(), docstore.Path(booking.ContactsCollection, out.ID))
	require.NoError(t, err)
	assert.False(t, doc.HasPendingWrites)
	assert.Equal(t, "Ana", doc.String("name"))
}

func TestRemoteModeOfflineContactReachesServerAfterReconnect(t *testing.T) {
	hosted := docstore.NewMemoryStore()
	ts := httptest.NewServer(httpapi.NewServerWithConfig(hosted, httpapi.ServerConfig{JWTSecret: "test-secret"}))
	t.Cleanup(ts.Close)
	token, err := httpapi.SignToken("test-secret", "app", []string{httpapi.ScopeDocsRead, httpapi.ScopeDocsWrite}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Mode = "remote"
	cfg.Store.URL = ts.URL
	cfg.Store.Token = token
	a, err := New(cfg, Options{Presenter: &notice.Recorder{}, Storage: kv.NewMemoryStorage(), HTTPClient: ts.Client()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotNil(t, a.Cache)
	require.Nil(t, a.Local)

	a.Monitor.SetOnline(false)
	out, err := a.Booking.SubmitContact(context.Background(), booking.ContactForm{
		Name:    "Ana",
		Email:   "ana@example.com",
		Message: "Need a crown",
	})
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.Equal(t, 1, a.Outbox.Len())
	assert.Equal(t, 1, a.Cache.PendingWrites())
	path := docstore.Path(booking.ContactsCollection, out.ID)
	_, err = hosted.Get(context.Background(), path)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	feed, err := a.Reconciler.Subscribe(docstore.Collection(booking.ContactsCollection))
	require.NoError(t, err)
	defer feed.Unsubscribe()
	require.Eventually(t, func() bool {
		current := feed.Current()
		return len(current) == 1 && current[0].PendingSync
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	a.Monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		doc, err := hosted.Get(context.Background(), path)
		return err == nil && doc.String("name") == "Ana"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		current := feed.Current()
		return len(current) == 1 && !current[0].PendingSync
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, a.Cache.PendingWrites())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOfflineProfileIsStaged(t *testing.T) {
	a, _ := newTestApp(t)
	a.Monitor.SetOnline(false)

	out, err := a.Booking.SaveProfile(context.Background(), "u1", pendingProfile("Ana", "555"))
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.True(t, a.Edits.Has())
}

func TestNormalizeAppointmentCanonicalisesStatus(t *testing.T) {
	fields := normalizeAppointment(map[string]any{"status": "Completa"})
	assert.Equal(t, "completed", fields["status"])

	fields = normalizeAppointment(map[string]any{"other": 1})
	_, ok := fields["status"]
	assert.False(t, ok)
}

func TestRunStopsWithContext(t *testing.T) {
	a, _ := newTestApp(t)
	a.Session.SignIn(auth.User{ID: "u1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func pendingProfile(name, phone string) pendingedit.Profile {
	return pendingedit.Profile{Name: name, Phone: phone, Email: "ana@example.com"}
}

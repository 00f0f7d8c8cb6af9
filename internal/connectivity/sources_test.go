package connectivity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, time.Duration(0), jitteredIntervalWithSample(0, 0.2, 1))
}

func TestReadFlagFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "link")
	assert.False(t, readFlagFile(path), "missing file means offline")

	require.NoError(t, os.WriteFile(path, []byte("online\n"), 0o644))
	assert.True(t, readFlagFile(path))
	require.NoError(t, os.WriteFile(path, []byte(" OFFLINE "), 0o644))
	assert.False(t, readFlagFile(path))
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	assert.True(t, readFlagFile(path), "an empty existing file means online")
}

func TestFlagFileSourceFollowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net", "link")
	m := NewMonitor(Options{Initial: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- FlagFileSource{Monitor: m, Path: path}.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return !m.IsOnline() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("online"), 0o644))
	require.Eventually(t, m.IsOnline, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("offline"), 0o644))
	require.Eventually(t, func() bool { return !m.IsOnline() }, 2*time.Second, 10*time.Millisecond)
}

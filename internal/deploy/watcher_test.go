package deploy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchBuildOutputReportsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firmware.bin")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	stop := make(chan struct{})
	defer close(stop)

	changes, err := WatchBuildOutput(path, stop)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2 with more bytes"), 0o644))

	select {
	case changed := <-changes:
		require.Equal(t, filepath.Clean(path), changed)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestWatchBuildOutputIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firmware.bin")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	stop := make(chan struct{})
	defer close(stop)

	changes, err := WatchBuildOutput(path, stop)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	select {
	case changed := <-changes:
		t.Fatalf("unexpected notification for %s", changed)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatchBuildOutputStops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firmware.bin")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	stop := make(chan struct{})
	changes, err := WatchBuildOutput(path, stop)
	require.NoError(t, err)

	close(stop)

	select {
	case _, ok := <-changes:
		require.False(t, ok, "channel should close after stop")
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close")
	}
}

func TestWatchBuildOutputMissingDir(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)

	_, err := WatchBuildOutput(filepath.Join(t.TempDir(), "no", "such", "firmware.bin"), stop)
	require.Error(t, err)
}

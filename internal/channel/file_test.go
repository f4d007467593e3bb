package channel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

func newTestFileChannel(t *testing.T) *FileChannel {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decision.json")
	c := NewFileChannel(path, zap.NewNop())
	c.pollInterval = 10 * time.Millisecond
	return c
}

func TestFileChannel_AbsentReadsAsUnknown(t *testing.T) {
	c := newTestFileChannel(t)

	_, ok, err := c.Latest()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileChannel_PublishThenLatest(t *testing.T) {
	c := newTestFileChannel(t)

	want := domain.BlockDecision{IsBlocking: true, BlockedAppIDs: []string{"com.x"}}
	require.NoError(t, c.Publish(want))

	got, ok, err := c.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestFileChannel_LastWriteWins(t *testing.T) {
	c := newTestFileChannel(t)

	require.NoError(t, c.Publish(domain.BlockDecision{IsBlocking: true, BlockedAppIDs: []string{"com.x"}}))
	require.NoError(t, c.Publish(domain.BlockDecision{IsBlocking: false}))

	got, ok, err := c.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.IsBlocking)
	assert.Empty(t, got.BlockedAppIDs)
}

func TestFileChannel_CorruptFileDegradesToEmpty(t *testing.T) {
	c := newTestFileChannel(t)

	require.NoError(t, os.WriteFile(c.path, []byte("{not json"), 0600))

	_, ok, err := c.Latest()
	require.NoError(t, err)
	assert.False(t, ok, "corrupt slot must read as no decision")

	// And publishing over a corrupt file recovers it.
	require.NoError(t, c.Publish(domain.BlockDecision{IsBlocking: true, BlockedAppIDs: []string{"com.x"}}))
	got, ok, err := c.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsBlocking)
}

func TestFileChannel_WatchObservesPublish(t *testing.T) {
	c := newTestFileChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := c.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Publish(domain.BlockDecision{IsBlocking: true, BlockedAppIDs: []string{"com.x"}}))

	select {
	case d := <-updates:
		assert.True(t, d.IsBlocking)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never observed the publish")
	}
}

func TestFileChannel_WatchStopsOnCancel(t *testing.T) {
	c := newTestFileChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := c.Watch(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-updates:
		assert.False(t, open, "channel should close after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("watch goroutine did not terminate")
	}
}

package lock

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleLock_InProcess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "memory only", path: func(*testing.T) string { return "" }},
		{name: "with lock file", path: func(t *testing.T) string {
			return filepath.Join(t.TempDir(), "nested", "sync.lock")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := New(tt.path(t))
			assert.False(t, l.Held())

			ok, err := l.TryLock()
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, l.Held())

			ok, err = l.TryLock()
			require.NoError(t, err)
			assert.False(t, ok, "second acquisition must fail while held")

			require.NoError(t, l.Unlock())
			assert.False(t, l.Held())
			assert.ErrorIs(t, l.Unlock(), ErrNotHeld)

			ok, err = l.TryLock()
			require.NoError(t, err)
			assert.True(t, ok, "lock is reusable after release")
			require.NoError(t, l.Unlock())
		})
	}
}

func TestCycleLock_AcrossInstances(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sync.lock")
	first := New(path)
	second := New(path)

	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "the lock file is exclusive")

	require.NoError(t, first.Unlock())

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock())
}

func TestCycleLock_Concurrent(t *testing.T) {
	t.Parallel()

	l := New(filepath.Join(t.TempDir(), "sync.lock"))

	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		start    = make(chan struct{})
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, err := l.TryLock(); err == nil && ok {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
	require.NoError(t, l.Unlock())
}

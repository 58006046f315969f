package flock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/solo/pkg/oneshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_Uncontended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	waited := false

	h, err := Acquire(context.Background(), path, Options{
		OnWaitStart: func() { waited = true },
	})
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.False(t, waited, "uncontended lock should not report a wait")
	assert.Equal(t, path, h.Path())

	_, err = os.Stat(path)
	assert.NoError(t, err, "lock file should exist")

	require.NoError(t, h.Release())
}

func TestAcquire_InvalidDir(t *testing.T) {
	_, err := Acquire(context.Background(), "/nonexistent/dir/lock", Options{})
	assert.Error(t, err)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	first, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)

	var waitStarts atomic.Int32
	done := make(chan *Handle, 1)
	go func() {
		h, err := Acquire(context.Background(), path, Options{
			OnWaitStart:  func() { waitStarts.Add(1) },
			PollInterval: 5 * time.Millisecond,
		})
		assert.NoError(t, err)
		done <- h
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second acquisition should block while the lock is held")
	default:
	}

	require.NoError(t, first.Release())

	select {
	case h := <-done:
		require.NotNil(t, h)
		assert.Equal(t, int32(1), waitStarts.Load(), "OnWaitStart should fire exactly once")
		require.NoError(t, h.Release())
	case <-time.After(2 * time.Second):
		t.Fatal("second acquisition never completed")
	}
}

func TestAcquire_Cancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	holder, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)

	cancel := oneshot.New[bool]()
	h, err := Acquire(context.Background(), path, Options{
		OnWaitStart:  func() { go cancel.Resolve(true) },
		Cancel:       cancel,
		PollInterval: 5 * time.Millisecond,
	})
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, ErrCancelled))

	require.NoError(t, holder.Release())

	// The cancelled attempt must not have left anything held.
	again, err := TryAcquire(path)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.NoError(t, again.Release())
}

func TestAcquire_CancelledBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	h, err := Acquire(context.Background(), path, Options{Cancel: oneshot.Resolved(true)})
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestAcquire_ContextDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	holder, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = Acquire(ctx, path, Options{PollInterval: 5 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_AtMostOneHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	var holders atomic.Int32
	var maxHolders atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := Acquire(context.Background(), path, Options{PollInterval: time.Millisecond})
			if !assert.NoError(t, err) {
				return
			}

			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)

			assert.NoError(t, h.Release())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxHolders.Load())
}

func TestTryAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	h, err := TryAcquire(path)
	require.NoError(t, err)
	require.NotNil(t, h)

	other, err := TryAcquire(path)
	require.NoError(t, err)
	assert.Nil(t, other, "lock held by another description should not be granted")

	require.NoError(t, h.Release())
}

func TestHandle_ReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	h, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Release())
		}()
	}
	wg.Wait()

	var nilHandle *Handle
	assert.NoError(t, nilHandle.Release())
}

package lock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "run.lock")

	l, err := Acquire(path, "convergence", Options{StaleAfter: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), l.Record().PID)

	holder, err := Inspect(path)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "convergence", holder.Job)

	_, err = Acquire(path, "nightly-maintenance", Options{StaleAfter: time.Hour})
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release())
	holder, err = Inspect(path)
	require.NoError(t, err)
	assert.Nil(t, holder)

	l, err = Acquire(path, "nightly-maintenance", Options{StaleAfter: time.Hour})
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release(), "releasing twice is harmless")
}

func TestStaleReclamation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := Acquire(path, "convergence", Options{PID: 1234, Now: func() time.Time { return start }})
	require.NoError(t, err)

	t.Run("newer than the threshold", func(t *testing.T) {
		_, err := Acquire(path, "convergence", Options{
			StaleAfter: time.Hour,
			Now:        func() time.Time { return start.Add(time.Minute * 59) },
		})
		assert.ErrorIs(t, err, ErrHeld)
	})

	t.Run("older than the threshold", func(t *testing.T) {
		l, err := Acquire(path, "convergence", Options{
			StaleAfter: time.Hour,
			Now:        func() time.Time { return start.Add(time.Minute * 61) },
		})
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), l.Record().PID)

		holder, err := Inspect(path)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), holder.PID)
	})

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no tombstones are left behind")
}

func TestStaleCorruptLockUsesMtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	require.NoError(t, os.WriteFile(path, []byte("{\"pid\":"), 0644))

	_, err := Acquire(path, "convergence", Options{StaleAfter: time.Hour})
	assert.ErrorIs(t, err, ErrHeld)

	old := time.Now().Add(-time.Hour * 3)
	require.NoError(t, os.Chtimes(path, old, old))

	l, err := Acquire(path, "convergence", Options{StaleAfter: time.Hour})
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	start := time.Now().Add(-time.Hour * 2)

	stale, err := Acquire(path, "convergence", Options{PID: 1, Now: func() time.Time { return start }})
	require.NoError(t, err)

	fresh, err := Acquire(path, "convergence", Options{StaleAfter: time.Hour})
	require.NoError(t, err)

	require.NoError(t, stale.Release())
	holder, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, fresh.Record().PID, holder.PID)
}

func TestMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		held     int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Acquire(path, "convergence", Options{StaleAfter: time.Hour})

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				acquired++
			} else if assert.ErrorIs(t, err, ErrHeld) {
				held++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, acquired)
	assert.Equal(t, 7, held)
}

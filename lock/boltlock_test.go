package lock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locks.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAcquireFreshLock(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.Acquire("results", "instance-a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireBlockedByOtherInstance(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.Acquire("results", "instance-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Acquire("results", "instance-b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcquireIsReentrantForSameInstance(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Acquire("results", "instance-a")
	require.NoError(t, err)

	ok, err := s.Acquire("results", "instance-a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireSucceedsAfterExpiry(t *testing.T) {
	s := openTestStore(t)
	s.SetExpiry(10 * time.Millisecond)

	ok, err := s.Acquire("results", "instance-a")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, err = s.Acquire("results", "instance-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Acquire("results", "instance-a")
	require.NoError(t, err)

	require.NoError(t, s.Release("results", "instance-b"))

	ok, err := s.Acquire("results", "instance-c")
	require.NoError(t, err)
	require.False(t, ok, "lock should still be held by instance-a")
}

func TestReleaseThenReacquireByAnotherInstance(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Acquire("results", "instance-a")
	require.NoError(t, err)

	require.NoError(t, s.Release("results", "instance-a"))

	ok, err := s.Acquire("results", "instance-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseOfUnknownKeyIsNoop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Release("nonexistent", "instance-a"))
}

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore checks the contract every backend must satisfy.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "queue", []byte(`[1]`)))
	require.NoError(t, s.Set(ctx, "queue", []byte(`[1,2]`)))

	got, err := s.Get(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(got))

	require.NoError(t, s.Delete(ctx, "queue"))
	require.NoError(t, s.Delete(ctx, "queue"))
	_, err = s.Get(ctx, "queue")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(dir)
	require.NoError(t, err)
	exerciseStore(t, s)

	// A second instance on the same directory sees what the first one wrote.
	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	reopened, err := NewFile(dir)
	require.NoError(t, err)
	got, err := reopened.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files must not survive a write")
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := NewSQL(DriverSQLite, path)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RTC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RTC_TEST_REDIS_ADDR not set")
	}
	s, err := NewRedis(RedisOptions{Addr: addr, Prefix: "realtime-test:"})
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "etcd"})
	require.ErrorIs(t, err, ErrUnknownDriver)

	s, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = New(Config{Driver: DriverMemory, Breaker: true})
	require.NoError(t, err)
	assert.IsType(t, &Breaker{}, s)
}

type failingStore struct {
	*Memory
	calls int
}

func (f *failingStore) Set(context.Context, string, []byte) error {
	f.calls++
	return errors.New("backend down")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	backend := &failingStore{Memory: NewMemory()}
	b := NewBreaker(backend, "test")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Set(ctx, "k", nil))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Set(ctx, "k", nil)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, backend.calls, "open breaker must not reach the backend")
}

func TestBreakerTreatsNotFoundAsSuccess(t *testing.T) {
	b := NewBreaker(NewMemory(), "test")
	for i := 0; i < 5; i++ {
		_, err := b.Get(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

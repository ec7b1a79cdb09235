package services_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packager/models"
	"packager/services"
	"packager/testsupport"
)

type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	fail  error
	freed []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (f *fakeLocker) Acquire(ctx context.Context, videoID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return false, f.fail
	}
	if f.held[videoID] {
		return false, nil
	}
	f.held[videoID] = true
	return true, nil
}

func (f *fakeLocker) Release(ctx context.Context, videoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, videoID)
	f.freed = append(f.freed, videoID)
	return nil
}

func (f *fakeLocker) Held(videoID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[videoID]
}

func TestRegistry_ClaimAndRelease(t *testing.T) {
	root := filepath.Join(t.TempDir(), "outputs")
	locker := newFakeLocker()
	reg := services.NewRegistry(root, testsupport.NewMemStore(), locker, time.Hour, zerolog.Nop())
	ctx := context.Background()

	dir, err := reg.Claim(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "v1"), dir)
	assert.DirExists(t, dir)
	assert.True(t, reg.InFlight("v1"))
	assert.True(t, locker.Held("v1"))

	_, err = reg.Claim(ctx, "v1")
	assert.ErrorIs(t, err, models.ErrJobExists)

	reg.Release(ctx, "v1")
	assert.False(t, reg.InFlight("v1"))
	assert.False(t, locker.Held("v1"))
}

func TestRegistry_ClaimAndRunInDifferentProcesses(t *testing.T) {
	locker := newFakeLocker()
	store := testsupport.NewMemStore()
	intake := services.NewRegistry(filepath.Join(t.TempDir(), "a"), store, locker, time.Hour, zerolog.Nop())
	runner := services.NewRegistry(filepath.Join(t.TempDir(), "b"), store, locker, time.Hour, zerolog.Nop())
	ctx := context.Background()

	_, err := intake.Claim(ctx, "v1")
	require.NoError(t, err)
	runner.Track("v1")

	intake.Forget("v1")
	assert.False(t, intake.InFlight("v1"))
	assert.True(t, runner.InFlight("v1"))
	assert.True(t, locker.Held("v1"))

	runner.Release(ctx, "v1")
	assert.False(t, runner.InFlight("v1"))
	assert.False(t, locker.Held("v1"))
}

func TestRegistry_SameProcessHoldsUntilBothFinish(t *testing.T) {
	reg := services.NewRegistry(t.TempDir(), testsupport.NewMemStore(), nil, 0, zerolog.Nop())
	ctx := context.Background()

	_, err := reg.Claim(ctx, "v1")
	require.NoError(t, err)
	reg.Track("v1")

	reg.Forget("v1")
	assert.True(t, reg.InFlight("v1"), "worker still holds the id")

	reg.Release(ctx, "v1")
	assert.False(t, reg.InFlight("v1"))

	reg.Release(ctx, "v1")
	assert.False(t, reg.InFlight("v1"))
}

func TestRegistry_RejectsExistingLocalOutput(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "v1"), 0o755))
	locker := newFakeLocker()
	reg := services.NewRegistry(root, testsupport.NewMemStore(), locker, time.Hour, zerolog.Nop())

	_, err := reg.Claim(context.Background(), "v1")
	assert.ErrorIs(t, err, models.ErrJobExists)
	assert.False(t, reg.InFlight("v1"))
	assert.False(t, locker.Held("v1"), "lock must be dropped when the claim is rejected")
}

func TestRegistry_RejectsPublishedVideo(t *testing.T) {
	store := testsupport.NewMemStore()
	store.Put("videos/v1/480p/segment0.ts", []byte("ts"))
	root := t.TempDir()
	reg := services.NewRegistry(root, store, nil, 0, zerolog.Nop())

	_, err := reg.Claim(context.Background(), "v1")
	assert.ErrorIs(t, err, models.ErrJobExists)
	assert.NoDirExists(t, filepath.Join(root, "v1"))
}

func TestRegistry_RejectsLockHeldElsewhere(t *testing.T) {
	locker := newFakeLocker()
	locker.held["v1"] = true
	reg := services.NewRegistry(t.TempDir(), testsupport.NewMemStore(), locker, time.Hour, zerolog.Nop())

	_, err := reg.Claim(context.Background(), "v1")
	assert.ErrorIs(t, err, models.ErrJobExists)
	assert.False(t, reg.InFlight("v1"))
}

func TestRegistry_LockerError(t *testing.T) {
	locker := newFakeLocker()
	locker.fail = errors.New("redis down")
	reg := services.NewRegistry(t.TempDir(), testsupport.NewMemStore(), locker, time.Hour, zerolog.Nop())

	_, err := reg.Claim(context.Background(), "v1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrJobExists)
	assert.False(t, reg.InFlight("v1"))
}

func TestRegistry_InvalidID(t *testing.T) {
	reg := services.NewRegistry(t.TempDir(), testsupport.NewMemStore(), nil, 0, zerolog.Nop())

	_, err := reg.Claim(context.Background(), "../escape")
	assert.ErrorIs(t, err, models.ErrInvalidVideoID)
}

func TestRegistry_ConcurrentClaimsOneWins(t *testing.T) {
	reg := services.NewRegistry(t.TempDir(), testsupport.NewMemStore(), newFakeLocker(), time.Hour, zerolog.Nop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Claim(context.Background(), "same"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRedisLocker_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	locker := services.NewRedisLocker(client, "packager-test:")
	id := "lock-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = locker.Release(ctx, id) })

	ok, err := locker.Acquire(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, id))
	ok, err = locker.Acquire(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

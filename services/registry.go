package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"packager/logging"
	"packager/models"
)

// Locker is a cross-process mutual exclusion on job ids.
type Locker interface {
	Acquire(ctx context.Context, videoID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, videoID string) error
}

type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(videoID string) string {
	return l.prefix + "lock:" + videoID
}

func (l *RedisLocker) Acquire(ctx context.Context, videoID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(videoID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", videoID, err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, videoID string) error {
	if err := l.client.Del(ctx, l.key(videoID)).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", videoID, err)
	}
	return nil
}

// Registry keeps two jobs from writing under the same id. It only guards
// against collisions; the object store remains the authority on status.
type Registry struct {
	outputRoot string
	store      ObjectStore
	locker     Locker
	lockTTL    time.Duration
	logger     zerolog.Logger

	// inFlight counts local holders of an id: the request that claimed it
	// and the worker running it, which need not share a process.
	mu       sync.Mutex
	inFlight map[string]int
}

// NewRegistry builds a registry rooted at outputRoot. locker may be nil for
// a single process deployment.
func NewRegistry(outputRoot string, store ObjectStore, locker Locker, lockTTL time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		outputRoot: outputRoot,
		store:      store,
		locker:     locker,
		lockTTL:    lockTTL,
		logger:     logging.WithComponent(logger, "registry"),
		inFlight:   make(map[string]int),
	}
}

func (r *Registry) OutputDir(videoID string) string {
	return filepath.Join(r.outputRoot, videoID)
}

// Claim reserves videoID and creates its local output directory. It fails
// with models.ErrJobExists when the id is running here, has local output,
// already has objects in storage, or is locked by another process.
func (r *Registry) Claim(ctx context.Context, videoID string) (string, error) {
	if err := models.ValidateVideoID(videoID); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.inFlight[videoID] > 0 {
		r.mu.Unlock()
		return "", fmt.Errorf("video %s in flight: %w", videoID, models.ErrJobExists)
	}
	r.inFlight[videoID] = 1
	r.mu.Unlock()

	outputDir, locked, err := r.claim(ctx, videoID)
	if err != nil {
		if locked {
			if relErr := r.locker.Release(ctx, videoID); relErr != nil {
				r.logger.Warn().Err(relErr).Str("video_id", videoID).Msg("failed to release lock after rejected claim")
			}
		}
		r.forget(videoID)
		return "", err
	}
	return outputDir, nil
}

func (r *Registry) claim(ctx context.Context, videoID string) (string, bool, error) {
	keys, err := r.store.List(ctx, models.VideoPrefix(videoID))
	if err != nil {
		return "", false, fmt.Errorf("check storage for %s: %w", videoID, err)
	}
	if len(keys) > 0 {
		return "", false, fmt.Errorf("video %s already published: %w", videoID, models.ErrJobExists)
	}

	locked := false
	if r.locker != nil {
		ok, err := r.locker.Acquire(ctx, videoID, r.lockTTL)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, fmt.Errorf("video %s locked elsewhere: %w", videoID, models.ErrJobExists)
		}
		locked = true
	}

	if err := os.MkdirAll(r.outputRoot, 0o755); err != nil {
		return "", locked, fmt.Errorf("create output root: %w", err)
	}
	dir := r.OutputDir(videoID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", locked, fmt.Errorf("video %s has local output: %w", videoID, models.ErrJobExists)
		}
		return "", locked, fmt.Errorf("create output dir: %w", err)
	}
	return dir, locked, nil
}

// Track marks videoID as running in this process, for a job claimed by any
// instance. Each Track is paired with a Release.
func (r *Registry) Track(videoID string) {
	r.mu.Lock()
	r.inFlight[videoID]++
	r.mu.Unlock()
}

// Forget drops the hold taken by Claim once the claiming request is done
// with the job. The cross-process lock stays with whoever runs the job.
func (r *Registry) Forget(videoID string) {
	r.forget(videoID)
}

// Release drops a local hold and frees the cross-process lock on videoID.
// It leaves the output directory alone.
func (r *Registry) Release(ctx context.Context, videoID string) {
	r.forget(videoID)
	if r.locker == nil {
		return
	}
	if err := r.locker.Release(ctx, videoID); err != nil {
		r.logger.Warn().Err(err).Str("video_id", videoID).Msg("failed to release lock")
	}
}

func (r *Registry) InFlight(videoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[videoID] > 0
}

func (r *Registry) forget(videoID string) {
	r.mu.Lock()
	if r.inFlight[videoID] <= 1 {
		delete(r.inFlight, videoID)
	} else {
		r.inFlight[videoID]--
	}
	r.mu.Unlock()
}

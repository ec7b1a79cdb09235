package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"packager/logging"
	"packager/models"
)

// Catalog answers questions about published videos straight from the object
// store. The presence of a video's master playlist is the only readiness
// signal.
type Catalog struct {
	store  ObjectStore
	logger zerolog.Logger
}

func NewCatalog(store ObjectStore, logger zerolog.Logger) *Catalog {
	return &Catalog{store: store, logger: logging.WithComponent(logger, "catalog")}
}

// Status reports ready with the master's metadata once it exists, and
// processing otherwise. Unknown, running and failed jobs all look the same.
func (c *Catalog) Status(ctx context.Context, videoID string) (*models.VideoStatus, error) {
	if err := models.ValidateVideoID(videoID); err != nil {
		return nil, err
	}

	key := models.MasterKey(videoID)
	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", key, err)
	}
	if !exists {
		return &models.VideoStatus{Status: models.StatusProcessing}, nil
	}

	meta, err := c.store.Metadata(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return &models.VideoStatus{Status: models.StatusProcessing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", key, err)
	}

	updated := meta.UpdatedAt
	return &models.VideoStatus{
		Status:            models.StatusReady,
		MasterPlaylistURL: c.store.PublicURL(key),
		UpdatedAt:         &updated,
		Size:              meta.Size,
	}, nil
}

// List returns one summary per published video, in key order.
func (c *Catalog) List(ctx context.Context) ([]models.VideoSummary, error) {
	keys, err := c.store.List(ctx, models.VideosRoot)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}

	videos := make([]models.VideoSummary, 0)
	for _, key := range keys {
		id, ok := models.VideoIDFromKey(key)
		if !ok || key != models.MasterKey(id) {
			continue
		}
		meta, err := c.store.Metadata(ctx, key)
		if errors.Is(err, models.ErrNotFound) {
			// Deleted since the listing was taken.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", key, err)
		}
		videos = append(videos, models.VideoSummary{
			VideoID:           id,
			MasterPlaylistURL: c.store.PublicURL(key),
			UpdatedAt:         meta.UpdatedAt,
			Size:              meta.Size,
		})
	}
	return videos, nil
}

// Delete removes every object under the video's prefix and returns how many
// were removed. The master goes first so status flips to processing before
// the rest disappears. Not atomic: a failure part way leaves the remainder.
func (c *Catalog) Delete(ctx context.Context, videoID string) (int, error) {
	if err := models.ValidateVideoID(videoID); err != nil {
		return 0, err
	}

	prefix := models.VideoPrefix(videoID)
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("video %s: %w", videoID, models.ErrNotFound)
	}

	master := models.MasterKey(videoID)
	ordered := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == master {
			ordered = append([]string{key}, ordered...)
			continue
		}
		ordered = append(ordered, key)
	}

	deleted := 0
	for _, key := range ordered {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Error().Err(err).Str("video_id", videoID).Int("deleted", deleted).Msg("delete interrupted")
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted++
	}

	c.logger.Info().Str("video_id", videoID).Int("deleted", deleted).Msg("video deleted")
	return deleted, nil
}

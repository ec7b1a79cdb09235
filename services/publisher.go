package services

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"packager/logging"
	"packager/models"
)

const (
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
	ContentTypeDefault  = "application/octet-stream"

	DefaultCacheControl      = "public, max-age=31536000"
	DefaultUploadConcurrency = 4
)

type PublisherOptions struct {
	CacheControl string
	Public       bool
	Concurrency  int
}

type Publisher struct {
	store  ObjectStore
	opts   PublisherOptions
	logger zerolog.Logger
}

func NewPublisher(store ObjectStore, opts PublisherOptions, logger zerolog.Logger) *Publisher {
	if opts.CacheControl == "" {
		opts.CacheControl = DefaultCacheControl
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultUploadConcurrency
	}
	return &Publisher{
		store:  store,
		opts:   opts,
		logger: logging.WithComponent(logger, "publisher"),
	}
}

// ContentTypeFor maps an artifact file name to the type players expect.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return ContentTypePlaylist
	case ".ts":
		return ContentTypeSegment
	default:
		return ContentTypeDefault
	}
}

// Publish uploads every regular file under localDir to remotePrefix plus its
// slash separated relative path. The root master playlist goes last, so it
// only becomes visible once everything it references is in place. Uploads
// that already succeeded are not rolled back on failure.
func (p *Publisher) Publish(ctx context.Context, localDir, remotePrefix string) (int, error) {
	logger := p.logger.With().Str("prefix", remotePrefix).Logger()

	files, err := collectFiles(localDir)
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", localDir, err)
	}

	var artifacts []string
	hasMaster := false
	for _, rel := range files {
		if rel == models.MasterPlaylistName {
			hasMaster = true
			continue
		}
		artifacts = append(artifacts, rel)
	}
	if !hasMaster {
		return 0, fmt.Errorf("%s: %w", localDir, models.ErrMissingMaster)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, rel := range artifacts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return p.upload(gctx, localDir, rel, remotePrefix)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("publish aborted")
		return 0, err
	}

	if err := p.upload(ctx, localDir, models.MasterPlaylistName, remotePrefix); err != nil {
		logger.Error().Err(err).Msg("master playlist upload failed")
		return 0, err
	}

	uploaded := len(artifacts) + 1
	logger.Info().Int("objects", uploaded).Msg("published")
	return uploaded, nil
}

func (p *Publisher) upload(ctx context.Context, localDir, rel, remotePrefix string) error {
	key := remotePrefix + rel
	err := p.store.Upload(ctx, filepath.Join(localDir, filepath.FromSlash(rel)), key, UploadOptions{
		ContentType:  ContentTypeFor(rel),
		CacheControl: p.opts.CacheControl,
		Public:       p.opts.Public,
	})
	if err != nil {
		return &models.PublishError{Key: key, Err: err}
	}
	p.logger.Debug().Str("key", key).Msg("uploaded")
	return nil
}

// collectFiles walks root depth first with an explicit stack and returns
// the slash separated relative paths of its regular files.
func collectFiles(root string) ([]string, error) {
	var files []string
	stack := []string{""}
	for len(stack) > 0 {
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}

		var dirs []string
		for _, entry := range entries {
			child := path.Join(rel, entry.Name())
			switch {
			case entry.IsDir():
				dirs = append(dirs, child)
			case entry.Type().IsRegular():
				files = append(files, child)
			}
		}
		// Reverse push so the first directory by name is visited first.
		for i := len(dirs) - 1; i >= 0; i-- {
			stack = append(stack, dirs[i])
		}
	}
	return files, nil
}

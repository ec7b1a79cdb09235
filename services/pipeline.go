package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"packager/logging"
	"packager/models"
)

// Encoder turns the input into one rendition under outputDir and returns the
// path of its playlist.
type Encoder interface {
	Encode(ctx context.Context, inputPath string, spec models.RenditionSpec, outputDir string) (string, error)
}

var errNoRenditions = errors.New("no renditions configured")

type Pipeline struct {
	encoder     Encoder
	renditions  []models.RenditionSpec
	concurrency int
	logger      zerolog.Logger
}

// NewPipeline builds an orchestrator over the rendition table. A concurrency
// below 1 runs renditions one after another.
func NewPipeline(encoder Encoder, renditions []models.RenditionSpec, concurrency int, logger zerolog.Logger) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	table := make([]models.RenditionSpec, len(renditions))
	copy(table, renditions)
	return &Pipeline{
		encoder:     encoder,
		renditions:  table,
		concurrency: concurrency,
		logger:      logging.WithComponent(logger, "pipeline"),
	}
}

func (p *Pipeline) Renditions() []models.RenditionSpec {
	out := make([]models.RenditionSpec, len(p.renditions))
	copy(out, p.renditions)
	return out
}

// Run encodes every rendition and then writes outputDir/master.m3u8. The
// first failure stops renditions that have not started yet and no master is
// written.
func (p *Pipeline) Run(ctx context.Context, inputPath, outputDir string) (*models.MasterPlaylist, error) {
	videoID := filepath.Base(outputDir)
	logger := p.logger.With().Str("video_id", videoID).Logger()

	if len(p.renditions) == 0 {
		return nil, &models.PipelineError{VideoID: videoID, Err: errNoRenditions}
	}

	results := make([]models.RenditionResult, len(p.renditions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, spec := range p.renditions {
		results[i].Spec = spec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return err
			}
			path, err := p.encoder.Encode(gctx, inputPath, spec, outputDir)
			if err != nil {
				results[i].Err = err
				return err
			}
			results[i].PlaylistPath = path
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("rendition failed, aborting job")
		return nil, &models.PipelineError{VideoID: videoID, Err: err}
	}

	for _, r := range results {
		if !r.Succeeded() {
			return nil, &models.PipelineError{
				VideoID: videoID,
				Err:     fmt.Errorf("rendition %s produced no playlist", r.Spec.Name),
			}
		}
	}

	content := SynthesizeMaster(results)
	path, err := WriteMasterPlaylist(outputDir, content)
	if err != nil {
		return nil, &models.PipelineError{VideoID: videoID, Err: err}
	}

	logger.Info().Int("renditions", len(results)).Msg("master playlist written")
	return &models.MasterPlaylist{Path: path, Content: content, Renditions: results}, nil
}

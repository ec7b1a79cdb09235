package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"packager/config"
	"packager/logging"
	"packager/models"
	"packager/services"
)

const (
	claimTimeout     = 30 * time.Second
	redisBackoff     = 5 * time.Second
	recoveryInterval = 5 * time.Minute
)

type Pipeline interface {
	Run(ctx context.Context, inputPath, outputDir string) (*models.MasterPlaylist, error)
}

type Publisher interface {
	Publish(ctx context.Context, localDir, remotePrefix string) (int, error)
}

// Claims is the part of the job registry the pool holds while a job runs.
type Claims interface {
	Track(videoID string)
	Release(ctx context.Context, videoID string)
	InFlight(videoID string) bool
}

type URLResolver interface {
	PublicURL(key string) string
}

type Dependencies struct {
	Queue     JobQueue
	Pipeline  Pipeline
	Publisher Publisher
	Claims    Claims
	URLs      URLResolver
	Ledger    services.JobLedger
	Notifier  services.Notifier
}

type Pool struct {
	config    *config.Config
	queue     JobQueue
	pipeline  Pipeline
	publisher Publisher
	claims    Claims
	urls      URLResolver
	ledger    services.JobLedger
	notifier  services.Notifier
	logger    zerolog.Logger

	claimTimeout time.Duration
	backoff      time.Duration
}

func NewPool(cfg *config.Config, deps Dependencies, logger zerolog.Logger) *Pool {
	p := &Pool{
		config:       cfg,
		queue:        deps.Queue,
		pipeline:     deps.Pipeline,
		publisher:    deps.Publisher,
		claims:       deps.Claims,
		urls:         deps.URLs,
		ledger:       deps.Ledger,
		notifier:     deps.Notifier,
		logger:       logging.WithComponent(logger, "worker"),
		claimTimeout: claimTimeout,
		backoff:      redisBackoff,
	}
	if p.ledger == nil {
		p.ledger = services.NoopLedger{}
	}
	if p.notifier == nil {
		p.notifier = services.NoopNotifier{}
	}
	return p
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	logger := p.logger.With().Int("worker_id", workerID).Logger()
	logger.Info().Msg("starting")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return
		default:
		}

		payload, err := p.queue.Claim(ctx, p.claimTimeout)
		if errors.Is(err, ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error().Err(err).Msg("queue error")
			select {
			case <-ctx.Done():
			case <-time.After(p.backoff):
			}
			continue
		}

		var job models.VideoJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			logger.Error().Err(err).Msg("failed to parse job")
			// Drop malformed payloads so they do not wedge the processing list.
			if err := p.queue.Ack(ctx, payload); err != nil {
				logger.Error().Err(err).Msg("failed to drop malformed job")
			}
			continue
		}

		p.processJob(ctx, workerID, &job, payload)
	}
}

// processJob runs one job to a terminal state. There are no retries: a
// failed job lands on the failed queue and stays there.
func (p *Pool) processJob(ctx context.Context, workerID int, job *models.VideoJob, payload string) {
	logger := p.logger.With().Int("worker_id", workerID).Str("video_id", job.VideoID).Logger()
	logger.Info().Str("input", job.InputPath).Msg("processing video")

	// Bookkeeping must survive a shutdown that cancels the job itself.
	bg := context.WithoutCancel(ctx)
	p.claims.Track(job.VideoID)
	defer p.claims.Release(bg, job.VideoID)
	defer p.cleanup(logger, job.OutputDir)

	if err := p.ledger.UpdateVideoStatus(bg, job.VideoID, models.StatusProcessing, "", nil); err != nil {
		logger.Warn().Err(err).Msg("failed to update ledger")
	}
	p.setStatus(bg, logger, job.VideoID, map[string]interface{}{"status": string(models.StatusProcessing)})

	startTime := time.Now()

	master, err := p.pipeline.Run(ctx, job.InputPath, job.OutputDir)
	p.cleanup(logger, job.InputPath)
	if err != nil {
		p.handleJobFailure(bg, logger, job, payload, fmt.Sprintf("conversion failed: %v", err))
		return
	}

	prefix := models.VideoPrefix(job.VideoID)
	uploaded, err := p.publisher.Publish(ctx, job.OutputDir, prefix)
	if err != nil {
		logger.Warn().Str("prefix", prefix).Msg("publish failed; objects already uploaded under prefix are orphaned and need manual cleanup")
		p.handleJobFailure(bg, logger, job, payload, fmt.Sprintf("publish failed: %v", err))
		return
	}

	duration := time.Since(startTime)
	masterURL := p.urls.PublicURL(models.MasterKey(job.VideoID))
	metadata := map[string]interface{}{
		"worker_id":   workerID,
		"duration_ms": duration.Milliseconds(),
		"renditions":  len(master.Renditions),
		"objects":     uploaded,
	}

	if err := p.ledger.UpdateVideoStatus(bg, job.VideoID, models.StatusReady, masterURL, metadata); err != nil {
		logger.Warn().Err(err).Msg("failed to update ledger to ready")
	}
	p.setStatus(bg, logger, job.VideoID, map[string]interface{}{
		"status":     string(models.StatusReady),
		"master_url": masterURL,
	})
	p.notify(bg, logger, services.VideoEvent{
		VideoID:           job.VideoID,
		Status:            models.StatusReady,
		MasterPlaylistURL: masterURL,
	})
	p.complete(bg, logger, &models.JobOutcome{
		VideoID:           job.VideoID,
		Status:            models.StatusReady,
		MasterPlaylistURL: masterURL,
	})

	if err := p.queue.Ack(bg, payload); err != nil {
		logger.Error().Err(err).Msg("failed to ack job")
	}

	logger.Info().
		Int("objects", uploaded).
		Float64("seconds", duration.Seconds()).
		Str("master_url", masterURL).
		Msg("video ready")
}

func (p *Pool) handleJobFailure(ctx context.Context, logger zerolog.Logger, job *models.VideoJob, payload string, errorMsg string) {
	logger.Error().Str("error", errorMsg).Msg("video failed")

	if err := p.queue.Fail(ctx, payload); err != nil {
		logger.Error().Err(err).Msg("failed to move job to failed queue")
	}
	if err := p.ledger.UpdateVideoStatus(ctx, job.VideoID, models.StatusFailed, "", nil); err != nil {
		logger.Warn().Err(err).Msg("failed to update ledger to failed")
	}
	if err := p.ledger.UpdateVideoError(ctx, job.VideoID, errorMsg); err != nil {
		logger.Warn().Err(err).Msg("failed to record ledger error")
	}
	p.setStatus(ctx, logger, job.VideoID, map[string]interface{}{
		"status": string(models.StatusFailed),
		"error":  errorMsg,
	})
	p.notify(ctx, logger, services.VideoEvent{
		VideoID: job.VideoID,
		Status:  models.StatusFailed,
		Error:   errorMsg,
	})
	p.complete(ctx, logger, &models.JobOutcome{
		VideoID: job.VideoID,
		Status:  models.StatusFailed,
		Error:   errorMsg,
	})
}

func (p *Pool) setStatus(ctx context.Context, logger zerolog.Logger, videoID string, fields map[string]interface{}) {
	if err := p.queue.SetStatus(ctx, videoID, fields); err != nil {
		logger.Warn().Err(err).Msg("failed to update status hash")
	}
}

func (p *Pool) notify(ctx context.Context, logger zerolog.Logger, event services.VideoEvent) {
	if err := p.notifier.Notify(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("failed to publish event")
	}
}

func (p *Pool) complete(ctx context.Context, logger zerolog.Logger, outcome *models.JobOutcome) {
	if err := p.queue.Complete(ctx, outcome); err != nil {
		logger.Error().Err(err).Msg("failed to report outcome to waiting request")
	}
}

func (p *Pool) cleanup(logger zerolog.Logger, path string) {
	if err := services.Cleanup(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("cleanup failed")
	}
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	logger := p.logger.With().Str("loop", "recovery").Logger()
	logger.Info().Dur("stale_after", p.config.JobStaleAfter).Msg("starting stale job recovery loop")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return
		case <-ticker.C:
			p.recoverStaleJobs(ctx)
		}
	}
}

// recoverStaleJobs fails jobs left on the processing list by a worker that
// went away. Jobs still running in this process are left alone.
func (p *Pool) recoverStaleJobs(ctx context.Context) int {
	logger := p.logger.With().Str("loop", "recovery").Logger()

	payloads, err := p.queue.Processing(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read processing queue")
		return 0
	}

	recovered := 0
	for _, payload := range payloads {
		var job models.VideoJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			continue
		}
		if p.claims.InFlight(job.VideoID) || time.Since(job.CreatedAt) <= p.config.JobStaleAfter {
			continue
		}

		jobLogger := logger.With().Str("video_id", job.VideoID).Logger()
		p.handleJobFailure(ctx, jobLogger, &job, payload,
			fmt.Sprintf("job timeout - exceeded %s in processing", p.config.JobStaleAfter))
		p.claims.Release(ctx, job.VideoID)
		p.cleanup(jobLogger, job.InputPath)
		p.cleanup(jobLogger, job.OutputDir)
		recovered++
	}

	if recovered > 0 {
		logger.Info().Int("count", recovered).Msg("failed stale jobs")
	}
	return recovered
}

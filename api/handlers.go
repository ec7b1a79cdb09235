package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"packager/logging"
	"packager/models"
	"packager/services"
)

// defaultOutcomeWait bounds how long an upload request waits for its job.
const defaultOutcomeWait = 3 * time.Hour

type Claimer interface {
	Claim(ctx context.Context, videoID string) (string, error)
	Forget(videoID string)
	Release(ctx context.Context, videoID string)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.VideoJob) error
	SetStatus(ctx context.Context, videoID string, fields map[string]interface{}) error
	AwaitOutcome(ctx context.Context, videoID string, timeout time.Duration) (*models.JobOutcome, error)
}

type VideoCatalog interface {
	Status(ctx context.Context, videoID string) (*models.VideoStatus, error)
	List(ctx context.Context) ([]models.VideoSummary, error)
	Delete(ctx context.Context, videoID string) (int, error)
}

type URLResolver interface {
	PublicURL(key string) string
}

type Dependencies struct {
	Intake   *Intake
	Registry Claimer
	Queue    Enqueuer
	Catalog  VideoCatalog
	URLs     URLResolver
	Ledger   services.JobLedger

	// OutcomeWait caps how long POST /upload blocks on its job.
	OutcomeWait time.Duration
}

type Handler struct {
	intake   *Intake
	registry Claimer
	queue    Enqueuer
	catalog  VideoCatalog
	urls     URLResolver
	ledger   services.JobLedger
	logger   zerolog.Logger

	outcomeWait time.Duration
}

func NewHandler(deps Dependencies, logger zerolog.Logger) *Handler {
	h := &Handler{
		intake:   deps.Intake,
		registry: deps.Registry,
		queue:    deps.Queue,
		catalog:  deps.Catalog,
		urls:     deps.URLs,
		ledger:   deps.Ledger,
		logger:   logging.WithComponent(logger, "api"),

		outcomeWait: deps.OutcomeWait,
	}
	if h.ledger == nil {
		h.ledger = services.NoopLedger{}
	}
	if h.outcomeWait <= 0 {
		h.outcomeWait = defaultOutcomeWait
	}
	return h
}

type uploadResponse struct {
	Status            models.JobStatus `json:"status"`
	VideoID           string           `json:"videoId"`
	MasterPlaylistURL string           `json:"masterPlaylistUrl"`
}

type deleteResponse struct {
	Status  string `json:"status"`
	VideoID string `json:"videoId"`
	Deleted int    `json:"deleted"`
}

// Upload accepts a video, stages it, queues a packaging job and waits for
// that job to finish. A failed job is a 500 to this request. If the client
// goes away first the job still runs to completion.
func (h *Handler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	logger := requestLogger(c, h.logger)

	if h.intake.maxBytes > 0 {
		// Leave room for multipart framing around the file itself.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.intake.maxBytes+1<<20)
	}

	fh, err := c.FormFile("video")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			abortError(c, http.StatusRequestEntityTooLarge, ErrTooLarge)
			return
		}
		abortError(c, http.StatusBadRequest, &models.IntakeError{Reason: "field \"video\"", Err: models.ErrNoFile})
		return
	}

	staged, err := h.intake.Stage(fh)
	if err != nil {
		logger.Warn().Err(err).Str("filename", fh.Filename).Msg("upload rejected")
		abortError(c, statusForError(err), err)
		return
	}

	videoID := models.VideoIDFromStagedName(staged)
	logger = logger.With().Str("video_id", videoID).Logger()

	outputDir, err := h.registry.Claim(ctx, videoID)
	if err != nil {
		os.Remove(staged)
		logger.Warn().Err(err).Msg("claim rejected")
		abortError(c, statusForError(err), err)
		return
	}

	job := &models.VideoJob{
		VideoID:      videoID,
		OriginalName: filepath.Base(fh.Filename),
		InputPath:    staged,
		OutputDir:    outputDir,
		Status:       models.StatusProcessing,
		CreatedAt:    time.Now().UTC(),
	}

	if err := h.ledger.RecordJob(ctx, job); err != nil {
		logger.Warn().Err(err).Msg("failed to record job in ledger")
	}

	if err := h.queue.Enqueue(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue job")
		os.Remove(staged)
		os.RemoveAll(outputDir)
		h.registry.Release(context.WithoutCancel(ctx), videoID)
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	if err := h.queue.SetStatus(ctx, videoID, map[string]interface{}{"status": string(models.StatusProcessing)}); err != nil {
		logger.Warn().Err(err).Msg("failed to update status hash")
	}

	logger.Info().Int64("bytes", fh.Size).Msg("video queued")

	// The worker holding the job may live in another process and releases
	// its own hold.
	defer h.registry.Forget(videoID)

	outcome, err := h.queue.AwaitOutcome(ctx, videoID, h.outcomeWait)
	switch {
	case err == nil && outcome.Status == models.StatusReady:
		logger.Info().Msg("video ready")
		c.JSON(http.StatusAccepted, uploadResponse{
			Status:            models.StatusProcessing,
			VideoID:           videoID,
			MasterPlaylistURL: h.urls.PublicURL(models.MasterKey(videoID)),
		})
	case err == nil:
		logger.Error().Str("error", outcome.Error).Msg("packaging failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Conversion failed", "videoId": videoID})
	case errors.Is(err, models.ErrNoOutcome):
		logger.Warn().Dur("waited", h.outcomeWait).Msg("gave up waiting for packaging")
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "packaging still running", "videoId": videoID})
	case ctx.Err() != nil:
		logger.Warn().Msg("client went away; job keeps running")
	default:
		logger.Error().Err(err).Msg("failed to wait for packaging")
		abortError(c, http.StatusInternalServerError, err)
	}
}

func (h *Handler) Status(c *gin.Context) {
	status, err := h.catalog.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) List(c *gin.Context) {
	videos, err := h.catalog.List(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, videos)
}

func (h *Handler) Delete(c *gin.Context) {
	videoID := c.Param("id")
	n, err := h.catalog.Delete(c.Request.Context(), videoID)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleteResponse{Status: "deleted", VideoID: videoID, Deleted: n})
}

func (h *Handler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (h *Handler) storeError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger := requestLogger(c, h.logger)
		logger.Error().Err(err).Msg("storage request failed")
	}
	abortError(c, status, err)
}

func statusForError(err error) int {
	var intakeErr *models.IntakeError
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrJobExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidVideoID), errors.As(err, &intakeErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortError(c *gin.Context, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"packager/logging"
	"packager/models"
)

const (
	SegmentSeconds   = 10
	KeyframeInterval = 48
	VideoCodec       = "libx264"
	AudioCodec       = "aac"
)

var errNoSegments = errors.New("ffmpeg produced no segments")

// CommandRunner runs an external program to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

type FFmpegService struct {
	binary string
	preset string
	runner CommandRunner
	logger zerolog.Logger
}

func NewFFmpegService(binary, preset string, logger zerolog.Logger) *FFmpegService {
	if binary == "" {
		binary = "ffmpeg"
	}
	if preset == "" {
		preset = "veryfast"
	}
	return &FFmpegService{
		binary: binary,
		preset: preset,
		runner: execRunner{},
		logger: logging.WithComponent(logger, "ffmpeg"),
	}
}

// BuildArgs returns the ffmpeg arguments encoding inputPath into one HLS
// rendition under renditionDir. Scene-cut keyframes are disabled and the GOP
// is fixed so every rendition shares segment boundaries.
func (f *FFmpegService) BuildArgs(inputPath string, spec models.RenditionSpec, renditionDir string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-i", inputPath,
		"-c:v", VideoCodec,
		"-s", spec.Resolution(),
		"-b:v", fmt.Sprintf("%dk", spec.VideoBitrate),
		"-c:a", AudioCodec,
		"-preset", f.preset,
		"-g", strconv.Itoa(KeyframeInterval),
		"-keyint_min", strconv.Itoa(KeyframeInterval),
		"-sc_threshold", "0",
		"-hls_time", strconv.Itoa(SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(renditionDir, models.SegmentPattern),
		"-f", "hls",
		filepath.Join(renditionDir, models.SubPlaylistName),
	}
}

// Encode produces outputDir/{name}/index.m3u8 plus its segments. It blocks for
// the whole transcode and never retries.
func (f *FFmpegService) Encode(ctx context.Context, inputPath string, spec models.RenditionSpec, outputDir string) (string, error) {
	renditionDir := filepath.Join(outputDir, spec.Name)
	if err := os.MkdirAll(renditionDir, 0o755); err != nil {
		return "", &models.EncodeError{Rendition: spec.Name, Err: fmt.Errorf("create rendition dir: %w", err)}
	}

	logger := f.logger.With().Str("rendition", spec.Name).Str("input", filepath.Base(inputPath)).Logger()
	logger.Info().Str("resolution", spec.Resolution()).Int("bitrate_kbps", spec.VideoBitrate).Msg("encoding rendition")

	args := f.BuildArgs(inputPath, spec, renditionDir)
	if err := f.runner.Run(ctx, f.binary, args, newLogWriter(logger, "stdout"), newLogWriter(logger, "stderr")); err != nil {
		logger.Error().Err(err).Msg("ffmpeg exited with error")
		return "", &models.EncodeError{Rendition: spec.Name, Err: err}
	}

	playlist := filepath.Join(renditionDir, models.SubPlaylistName)
	if _, err := os.Stat(playlist); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("ffmpeg reported success but %s is missing", models.SubPlaylistName)
		}
		return "", &models.EncodeError{Rendition: spec.Name, Err: err}
	}

	// A playlist with no segments cannot be played, so it does not count.
	segments, err := filepath.Glob(filepath.Join(renditionDir, "segment*.ts"))
	if err != nil {
		return "", &models.EncodeError{Rendition: spec.Name, Err: err}
	}
	if len(segments) == 0 {
		return "", &models.EncodeError{Rendition: spec.Name, Err: errNoSegments}
	}

	logger.Info().Int("segments", len(segments)).Msg("rendition encoded")
	return playlist, nil
}

// logWriter forwards process output to the logger one line at a time.
type logWriter struct {
	logger zerolog.Logger
	stream string
}

func newLogWriter(logger zerolog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug().Str("stream", w.stream).Msg(string(line))
	}
	return total, nil
}

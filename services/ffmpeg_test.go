package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packager/models"
)

type runnerFunc func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error

func (f runnerFunc) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	return f(ctx, name, args, stdout, stderr)
}

// fakeFFmpeg writes the playlist and two segments where the real binary
// would, based on the output arguments it was handed.
func fakeFFmpeg(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	playlist := args[len(args)-1]
	dir := filepath.Dir(playlist)
	for _, seg := range []string{"segment0.ts", "segment1.ts"} {
		if err := os.WriteFile(filepath.Join(dir, seg), []byte("ts"), 0o644); err != nil {
			return err
		}
	}
	_, _ = io.WriteString(stderr, "frame=  120 fps=60\nvideo:1kB audio:1kB\n")
	return os.WriteFile(playlist, []byte("#EXTM3U\n#EXTINF:10,\nsegment0.ts\n"), 0o644)
}

func TestFFmpegService_BuildArgs(t *testing.T) {
	svc := NewFFmpegService("", "", zerolog.Nop())
	spec := models.RenditionSpec{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1400}

	args := svc.BuildArgs("/in/clip.mp4", spec, "/out/v1/480p")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-i /in/clip.mp4")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-s 854x480")
	assert.Contains(t, joined, "-b:v 1400k")
	assert.Contains(t, joined, "-c:a aac")
	assert.Contains(t, joined, "-preset veryfast")
	assert.Contains(t, joined, "-g 48")
	assert.Contains(t, joined, "-sc_threshold 0")
	assert.Contains(t, joined, "-hls_time 10")
	assert.Contains(t, joined, "-hls_list_size 0")
	assert.Contains(t, joined, "-hls_segment_filename "+filepath.Join("/out/v1/480p", "segment%d.ts"))
	assert.Equal(t, filepath.Join("/out/v1/480p", "index.m3u8"), args[len(args)-1])
}

func TestFFmpegService_EncodeSuccess(t *testing.T) {
	var logs bytes.Buffer
	svc := NewFFmpegService("/usr/bin/ffmpeg", "fast", zerolog.New(&logs).Level(zerolog.DebugLevel))
	var gotBinary string
	svc.runner = runnerFunc(func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
		gotBinary = name
		return fakeFFmpeg(ctx, name, args, stdout, stderr)
	})

	out := t.TempDir()
	spec := models.RenditionSpec{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800}

	path, err := svc.Encode(context.Background(), "/in/clip.mp4", spec, out)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/ffmpeg", gotBinary)
	assert.Equal(t, filepath.Join(out, "720p", "index.m3u8"), path)
	assert.FileExists(t, filepath.Join(out, "720p", "segment0.ts"))
	assert.Contains(t, logs.String(), "frame=  120 fps=60")
	assert.Contains(t, logs.String(), `"stream":"stderr"`)
}

func TestFFmpegService_EncodeFailure(t *testing.T) {
	svc := NewFFmpegService("ffmpeg", "", zerolog.Nop())
	cause := errors.New("exit status 1")
	svc.runner = runnerFunc(func(context.Context, string, []string, io.Writer, io.Writer) error {
		return cause
	})

	_, err := svc.Encode(context.Background(), "/in/clip.mp4", models.DefaultRenditions()[0], t.TempDir())

	var encErr *models.EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "480p", encErr.Rendition)
	assert.ErrorIs(t, err, cause)
}

func TestFFmpegService_EncodeMissingPlaylist(t *testing.T) {
	svc := NewFFmpegService("ffmpeg", "", zerolog.Nop())
	svc.runner = runnerFunc(func(context.Context, string, []string, io.Writer, io.Writer) error {
		return nil
	})

	_, err := svc.Encode(context.Background(), "/in/clip.mp4", models.DefaultRenditions()[0], t.TempDir())

	var encErr *models.EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Contains(t, err.Error(), "index.m3u8 is missing")
}

func TestFFmpegService_EncodeNoSegments(t *testing.T) {
	svc := NewFFmpegService("ffmpeg", "", zerolog.Nop())
	svc.runner = runnerFunc(func(_ context.Context, _ string, args []string, _, _ io.Writer) error {
		return os.WriteFile(args[len(args)-1], []byte("#EXTM3U\n#EXT-X-ENDLIST\n"), 0o644)
	})

	path, err := svc.Encode(context.Background(), "/in/empty.mp4", models.DefaultRenditions()[0], t.TempDir())

	assert.Empty(t, path)
	var encErr *models.EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "480p", encErr.Rendition)
	assert.ErrorIs(t, err, errNoSegments)
}

func TestLogWriter_SplitsLines(t *testing.T) {
	var logs bytes.Buffer
	w := newLogWriter(zerolog.New(&logs).Level(zerolog.DebugLevel), "stderr")

	input := []byte("one\n\n  two  \nthree")
	n, err := w.Write(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
	assert.Equal(t, 3, strings.Count(logs.String(), `"stream":"stderr"`))
}

package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusReady      JobStatus = "ready"
	StatusFailed     JobStatus = "failed"
)

// VideoJob is the unit of work carried on the queue. Only the worker that
// claimed it mutates Results and Status.
type VideoJob struct {
	VideoID      string            `json:"videoId"`
	OriginalName string            `json:"originalName"`
	InputPath    string            `json:"inputPath"`
	OutputDir    string            `json:"outputDir"`
	Status       JobStatus         `json:"status"`
	Results      []RenditionResult `json:"-"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// JobOutcome is the terminal result a worker hands back to the request that
// queued the job.
type JobOutcome struct {
	VideoID           string    `json:"videoId"`
	Status            JobStatus `json:"status"`
	MasterPlaylistURL string    `json:"masterPlaylistUrl,omitempty"`
	Error             string    `json:"error,omitempty"`
}

type MasterPlaylist struct {
	Path       string
	Content    string
	Renditions []RenditionResult
}

type VideoStatus struct {
	Status            JobStatus  `json:"status"`
	MasterPlaylistURL string     `json:"masterPlaylistUrl,omitempty"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
	Size              int64      `json:"size,omitempty"`
}

type VideoSummary struct {
	VideoID           string    `json:"videoId"`
	MasterPlaylistURL string    `json:"masterPlaylistUrl"`
	UpdatedAt         time.Time `json:"updatedAt"`
	Size              int64     `json:"size"`
}

const (
	VideosRoot         = "videos/"
	MasterPlaylistName = "master.m3u8"
	SubPlaylistName    = "index.m3u8"
	SegmentPattern     = "segment%d.ts"
)

// VideoPrefix is the storage prefix owning every object of one job.
func VideoPrefix(videoID string) string {
	return VideosRoot + videoID + "/"
}

func MasterKey(videoID string) string {
	return VideoPrefix(videoID) + MasterPlaylistName
}

// VideoIDFromKey returns the second path segment of a key under videos/.
func VideoIDFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, VideosRoot)
	if !ok {
		return "", false
	}
	id, _, found := strings.Cut(rest, "/")
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// VideoIDFromStagedName derives the job id from a staged upload path by
// dropping the directory and the extension.
func VideoIDFromStagedName(stagedPath string) string {
	base := filepath.Base(stagedPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// StagedName builds the staging file name for an upload accepted at now.
func StagedName(now time.Time, originalName string) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), SanitizeFilename(originalName))
}

func SanitizeFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}

// ValidateVideoID rejects ids that would escape their storage prefix.
func ValidateVideoID(videoID string) error {
	id := strings.TrimSpace(videoID)
	if id == "" || id == "." || id == ".." || id != videoID {
		return fmt.Errorf("%w: %q", ErrInvalidVideoID, videoID)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidVideoID, videoID)
	}
	return nil
}

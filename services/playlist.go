package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"packager/models"
)

const masterHeader = "#EXTM3U"

// SynthesizeMaster renders the multivariant playlist for the succeeded
// results, keeping their order. Failed results are left out.
func SynthesizeMaster(results []models.RenditionResult) string {
	lines := []string{masterHeader}
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		lines = append(lines,
			fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s", r.Spec.Bandwidth(), r.Spec.Resolution()),
			r.Spec.SubPlaylistRef(),
		)
	}
	return strings.Join(lines, "\n")
}

// WriteMasterPlaylist writes content to dir/master.m3u8. The file appears
// complete or not at all.
func WriteMasterPlaylist(dir, content string) (string, error) {
	tmp, err := os.CreateTemp(dir, ".master-*.m3u8")
	if err != nil {
		return "", fmt.Errorf("create temp playlist: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp playlist: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("chmod playlist: %w", err)
	}

	dest := filepath.Join(dir, models.MasterPlaylistName)
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("rename playlist: %w", err)
	}
	return dest, nil
}

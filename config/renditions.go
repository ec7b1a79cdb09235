package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"packager/models"
)

type renditionFile struct {
	Renditions []models.RenditionSpec `yaml:"renditions"`
}

// LoadRenditions reads a YAML rendition table:
//
//	renditions:
//	  - {name: 480p, width: 854, height: 480, videoBitrate: 1400}
//	  - {name: 720p, width: 1280, height: 720, videoBitrate: 2800}
//
// Entries must be listed lowest bitrate first; master playlists keep this order.
func LoadRenditions(path string) ([]models.RenditionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read renditions file: %w", err)
	}
	var file renditionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode renditions file %s: %w", path, err)
	}
	if err := ValidateRenditions(file.Renditions); err != nil {
		return nil, fmt.Errorf("renditions file %s: %w", path, err)
	}
	return file.Renditions, nil
}

func ValidateRenditions(specs []models.RenditionSpec) error {
	if len(specs) == 0 {
		return errors.New("at least one rendition is required")
	}
	seen := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		if spec.Name == "" || models.SanitizeFilename(spec.Name) != spec.Name {
			return fmt.Errorf("rendition %d: invalid name %q", i, spec.Name)
		}
		if spec.Name == models.MasterPlaylistName {
			return fmt.Errorf("rendition %d: name %q is reserved for the master playlist", i, spec.Name)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("rendition %d: duplicate name %q", i, spec.Name)
		}
		seen[spec.Name] = struct{}{}
		if spec.Width <= 0 || spec.Height <= 0 || spec.Width%2 != 0 || spec.Height%2 != 0 {
			return fmt.Errorf("rendition %s: dimensions must be positive and even, got %s", spec.Name, spec.Resolution())
		}
		if spec.VideoBitrate <= 0 {
			return fmt.Errorf("rendition %s: bitrate must be positive", spec.Name)
		}
		if i > 0 && spec.VideoBitrate < specs[i-1].VideoBitrate {
			return fmt.Errorf("rendition %s: bitrates must be ascending", spec.Name)
		}
	}
	return nil
}

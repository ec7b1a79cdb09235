package models

import "fmt"

// RenditionSpec describes one fixed output quality. VideoBitrate is in kbps.
type RenditionSpec struct {
	Name         string `json:"name" yaml:"name"`
	Width        int    `json:"width" yaml:"width"`
	Height       int    `json:"height" yaml:"height"`
	VideoBitrate int    `json:"videoBitrate" yaml:"videoBitrate"`
}

// Bandwidth is the advertised bits per second for the stream-info line.
func (r RenditionSpec) Bandwidth() int {
	return r.VideoBitrate * 1000
}

func (r RenditionSpec) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// SubPlaylistRef is the master-relative path of the rendition's playlist.
func (r RenditionSpec) SubPlaylistRef() string {
	return r.Name + "/" + SubPlaylistName
}

// DefaultRenditions returns the built-in ladder, lowest quality first.
func DefaultRenditions() []RenditionSpec {
	return []RenditionSpec{
		{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1400},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800},
	}
}

type RenditionResult struct {
	Spec         RenditionSpec
	PlaylistPath string
	Err          error
}

func (r RenditionResult) Succeeded() bool {
	return r.Err == nil && r.PlaylistPath != ""
}

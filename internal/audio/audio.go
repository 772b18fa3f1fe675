// Package audio holds audio artifacts and the transcoders that turn
// uploaded compressed audio into waveforms a recognizer can read.
package audio

import (
	"context"
	"errors"
)

// Format tags an artifact's encoding.
type Format string

const (
	FormatCompressed Format = "compressed-audio"
	FormatWaveform   Format = "raw-waveform"
)

// Artifact is a named audio payload stored on the local filesystem.
type Artifact struct {
	Name   string
	Format Format
	Path   string
}

// ErrTranscode marks every transcoding failure, including unreadable input.
var ErrTranscode = errors.New("transcode failed")

// Transcoder converts inputPath into a waveform at outputPath,
// overwriting any existing file.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string) error
}

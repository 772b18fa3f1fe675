package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultSampleRate is the rate whisper.cpp expects.
const DefaultSampleRate = 16000

// WaveformInfo describes a probed waveform file.
type WaveformInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// ProbeWaveform reads the header of a RIFF/WAVE file.
func ProbeWaveform(path string) (WaveformInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WaveformInfo{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return WaveformInfo{}, errors.New("not a valid wav file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return WaveformInfo{}, fmt.Errorf("locate wav data: %w", err)
	}
	info := WaveformInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	bytesPerSec := int64(info.SampleRate) * int64(info.Channels) * int64(info.BitDepth/8)
	if bytesPerSec > 0 {
		info.Duration = time.Duration(dec.PCMLen()) * time.Second / time.Duration(bytesPerSec)
	}
	return info, nil
}

// WriteWaveform encodes 16-bit PCM samples into a wav file at path.
func WriteWaveform(path string, samples []int, sampleRate, channels int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create wav dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

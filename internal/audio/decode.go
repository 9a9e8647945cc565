package audio

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/wav"
)

// Output format of the AquesTalk engine.
const (
	EngineSampleRate = 8000
	EngineChannels   = 1
	EngineBitDepth   = 16
)

// ErrInvalidWAV is returned when the input is not a RIFF/WAVE PCM file.
var ErrInvalidWAV = errors.New("invalid WAV file")

// Info describes a decoded WAV file.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int
	Duration   time.Duration
}

// Inspect decodes data far enough to report its format and duration.
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty input", ErrInvalidWAV)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Info{}, ErrInvalidWAV
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Info{}, fmt.Errorf("reading PCM data: %w", err)
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if info.Channels > 0 {
		info.Frames = len(buf.Data) / info.Channels
	}
	if info.SampleRate > 0 {
		info.Duration = time.Duration(info.Frames) * time.Second / time.Duration(info.SampleRate)
	}

	return info, nil
}

// Header reports the same Info as Inspect from the RIFF headers alone. The
// frame count comes from the data chunk length, so no samples are decoded.
func Header(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty input", ErrInvalidWAV)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Info{}, ErrInvalidWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("locating PCM data: %w", err)
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if frameSize := info.Channels * info.BitDepth / 8; frameSize > 0 {
		info.Frames = int(dec.PCMLen()) / frameSize
	}
	if info.SampleRate > 0 {
		info.Duration = time.Duration(info.Frames) * time.Second / time.Duration(info.SampleRate)
	}

	return info, nil
}

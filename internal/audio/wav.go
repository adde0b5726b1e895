// Package audio provides WAV container inspection and writing for synthesized speech.
package audio

import (
	"errors"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ContentType is the media type of every waveform served by the service.
const ContentType = "audio/wav"

const (
	pcmFormat      = 1
	bitDepth16     = 16
	bitsPerByte    = 8
	filePermission = 0o600
)

var (
	// ErrNotWAV indicates the file does not carry a RIFF/WAVE header.
	ErrNotWAV = errors.New("not a valid WAV container")
	// ErrEmptyFile indicates the file has no bytes at all.
	ErrEmptyFile = errors.New("audio file is empty")
)

// Info describes a WAV file on disk.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	PCMBytes   int
	Duration   time.Duration
	FileSize   int64
}

// Inspect reads the WAV header of the file at path.
func Inspect(path string) (Info, error) {
	file, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open audio file '%s': %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat audio file '%s': %w", path, err)
	}

	if stat.Size() == 0 {
		return Info{}, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return Info{}, fmt.Errorf("%w: %s", ErrNotWAV, path)
	}

	fwdErr := decoder.FwdToPCM()
	if fwdErr != nil {
		return Info{}, fmt.Errorf("failed to locate PCM data in '%s': %w", path, fwdErr)
	}

	info := Info{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
		PCMBytes:   decoder.PCMSize,
		FileSize:   stat.Size(),
	}

	bytesPerSecond := info.SampleRate * info.Channels * info.BitDepth / bitsPerByte
	if bytesPerSecond > 0 {
		info.Duration = time.Duration(info.PCMBytes) * time.Second / time.Duration(bytesPerSecond)
	}

	return info, nil
}

// WriteMono16 writes 16-bit mono PCM samples as a WAV file.
func WriteMono16(path string, sampleRate int, samples []int) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermission)
	if err != nil {
		return fmt.Errorf("failed to create audio file '%s': %w", path, err)
	}

	encoder := wav.NewEncoder(file, sampleRate, bitDepth16, 1, pcmFormat)

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		Data:           samples,
		SourceBitDepth: bitDepth16,
	}

	writeErr := encoder.Write(buffer)
	encodeCloseErr := encoder.Close()
	fileCloseErr := file.Close()

	switch {
	case writeErr != nil:
		return fmt.Errorf("failed to encode audio file '%s': %w", path, writeErr)
	case encodeCloseErr != nil:
		return fmt.Errorf("failed to finalize audio file '%s': %w", path, encodeCloseErr)
	case fileCloseErr != nil:
		return fmt.Errorf("failed to close audio file '%s': %w", path, fileCloseErr)
	}

	return nil
}

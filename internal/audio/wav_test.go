package audio_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tone.wav")
	samples := make([]int, 24000)

	for i := range samples {
		samples[i] = (i % 200) * 100
	}

	require.NoError(t, audio.WriteMono16(path, 24000, samples))

	info, err := audio.Inspect(path)
	require.NoError(t, err)

	assert.Equal(t, 24000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16, info.BitDepth)
	assert.Equal(t, 48000, info.PCMBytes)
	assert.Equal(t, time.Second, info.Duration)
	assert.Positive(t, info.FileSize)
}

func TestInspect_RejectsNonWAV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.wav")
	require.NoError(t, os.WriteFile(path, []byte("this is not a riff container at all"), 0o600))

	_, err := audio.Inspect(path)
	require.ErrorIs(t, err, audio.ErrNotWAV)
}

func TestInspect_RejectsEmptyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.wav")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := audio.Inspect(path)
	require.ErrorIs(t, err, audio.ErrEmptyFile)
}

func TestInspect_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := audio.Inspect(filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
}

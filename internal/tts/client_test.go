package tts_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/voice-clone-service/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHelloWorld = "Hello, world!"
	testWAVMinimal = "RIFF....WAVE"
	testReference  = "reference clip bytes"
)

// receivedForm is what a mock service saw in one generate request.
type receivedForm struct {
	values    map[string][]string
	filename  string
	reference string
}

func newMockService(t *testing.T, handler func(w http.ResponseWriter, form receivedForm)) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == tts.APIHealth:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(tts.HealthResponse{Status: "ok", ModelLoaded: true, Device: "cuda"})
		case r.Method == http.MethodPost && r.URL.Path == tts.APIGenerate:
			assert.NoError(t, r.ParseMultipartForm(1<<20))

			file, header, err := r.FormFile(tts.FieldReferenceAudio)
			assert.NoError(t, err)

			var reference []byte
			if err == nil {
				reference, _ = io.ReadAll(file)
				_ = file.Close()
			}

			form := receivedForm{values: r.MultipartForm.Value, reference: string(reference)}
			if header != nil {
				form.filename = header.Filename
			}

			handler(w, form)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	return server
}

func writeWAV(w http.ResponseWriter, _ receivedForm) {
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write([]byte(testWAVMinimal))
}

func TestHTTPClient_Generate_Success(t *testing.T) {
	t.Parallel()

	var seen receivedForm

	server := newMockService(t, func(w http.ResponseWriter, form receivedForm) {
		seen = form
		writeWAV(w, form)
	})

	client := tts.NewHTTPClient(server.URL, 5*time.Second)

	audioData, err := client.Generate(context.Background(), tts.GenerateRequest{
		Text:              testHelloWorld,
		Reference:         strings.NewReader(testReference),
		ReferenceFilename: "speaker.wav",
		ReferenceText:     "the transcript",
		Speed:             1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, testWAVMinimal, string(audioData))

	assert.Equal(t, []string{testHelloWorld}, seen.values[tts.FieldText])
	assert.Equal(t, []string{"the transcript"}, seen.values[tts.FieldReferenceText])
	assert.Equal(t, []string{"1.5"}, seen.values[tts.FieldSpeed])
	assert.Equal(t, "speaker.wav", seen.filename)
	assert.Equal(t, testReference, seen.reference)
}

func TestHTTPClient_Generate_OmitsZeroSpeed(t *testing.T) {
	t.Parallel()

	var seen receivedForm

	server := newMockService(t, func(w http.ResponseWriter, form receivedForm) {
		seen = form
		writeWAV(w, form)
	})

	client := tts.NewHTTPClient(server.URL, 5*time.Second)

	_, err := client.Generate(context.Background(), tts.GenerateRequest{
		Text:      testHelloWorld,
		Reference: strings.NewReader(testReference),
	})
	require.NoError(t, err)

	_, hasSpeed := seen.values[tts.FieldSpeed]
	assert.False(t, hasSpeed)
	assert.Equal(t, "reference.wav", seen.filename)
}

func TestHTTPClient_Generate_MissingReference(t *testing.T) {
	t.Parallel()

	client := tts.NewHTTPClient("http://127.0.0.1:1", time.Second)

	_, err := client.Generate(context.Background(), tts.GenerateRequest{Text: testHelloWorld})
	require.ErrorIs(t, err, tts.ErrReferenceMissing)
}

func TestHTTPClient_Generate_ErrorDetail(t *testing.T) {
	t.Parallel()

	server := newMockService(t, func(w http.ResponseWriter, _ receivedForm) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(tts.ErrorResponse{Detail: "CUDA out of memory"})
	})

	client := tts.NewHTTPClient(server.URL, 5*time.Second)

	_, err := client.Generate(context.Background(), tts.GenerateRequest{
		Text:      testHelloWorld,
		Reference: strings.NewReader(testReference),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPClient_Generate_UnstructuredError(t *testing.T) {
	t.Parallel()

	server := newMockService(t, func(w http.ResponseWriter, _ receivedForm) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	client := tts.NewHTTPClient(server.URL, 5*time.Second)

	_, err := client.Generate(context.Background(), tts.GenerateRequest{
		Text:      testHelloWorld,
		Reference: strings.NewReader(testReference),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad gateway")
}

func TestHTTPClient_Generate_WrongContentType(t *testing.T) {
	t.Parallel()

	server := newMockService(t, func(w http.ResponseWriter, _ receivedForm) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("not audio"))
	})

	client := tts.NewHTTPClient(server.URL, 5*time.Second)

	_, err := client.Generate(context.Background(), tts.GenerateRequest{
		Text:      testHelloWorld,
		Reference: strings.NewReader(testReference),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected content type")
}

func TestHTTPClient_Generate_EmptyAudio(t *testing.T) {
	t.Parallel()

	server := newMockService(t, func(w http.ResponseWriter, _ receivedForm) {
		w.Header().Set("Content-Type", "audio/wav")
	})

	client := tts.NewHTTPClient(server.URL, 5*time.Second)

	_, err := client.Generate(context.Background(), tts.GenerateRequest{
		Text:      testHelloWorld,
		Reference: strings.NewReader(testReference),
	})
	require.ErrorIs(t, err, tts.ErrReceivedEmptyAudio)
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	t.Parallel()

	server := newMockService(t, writeWAV)
	client := tts.NewHTTPClient(server.URL, 5*time.Second)

	health, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.ModelLoaded)
	assert.Equal(t, "cuda", health.Device)
}

func TestHTTPClient_HealthCheck_Unreachable(t *testing.T) {
	t.Parallel()

	client := tts.NewHTTPClient("http://127.0.0.1:1", time.Second)

	_, err := client.HealthCheck(context.Background())
	require.Error(t, err)
}

func TestHTTPClient_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newMockService(t, func(w http.ResponseWriter, form receivedForm) {
		<-release
		writeWAV(w, form)
	})
	t.Cleanup(func() { close(release) })

	client := tts.NewHTTPClient(server.URL, 50*time.Millisecond)

	_, err := client.Generate(context.Background(), tts.GenerateRequest{
		Text:      testHelloWorld,
		Reference: strings.NewReader(testReference),
	})
	require.Error(t, err)
}

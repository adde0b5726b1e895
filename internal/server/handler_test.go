package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/server"
	"github.com/book-expert/voice-clone-service/internal/store"
	"github.com/book-expert/voice-clone-service/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockSynthesis = errors.New("reference audio is shorter than one second")

// mockSynthesizer is a mock core.Synthesizer that records every request.
type mockSynthesizer struct {
	shouldFail  bool
	shouldPanic bool
	garbage     bool

	mutex    sync.Mutex
	requests []core.SynthesisRequest
}

func (m *mockSynthesizer) Synthesize(_ context.Context, req core.SynthesisRequest) (core.SynthesisResult, error) {
	m.mutex.Lock()
	m.requests = append(m.requests, req)
	m.mutex.Unlock()

	switch {
	case m.shouldPanic:
		panic("tensor shape mismatch")
	case m.shouldFail:
		return core.SynthesisResult{}, errMockSynthesis
	case m.garbage:
		err := os.WriteFile(req.OutputPath, []byte("half a file"), 0o600)

		return core.SynthesisResult{OutputPath: req.OutputPath}, err
	}

	err := audio.WriteMono16(req.OutputPath, 24000, make([]int, 2400))
	if err != nil {
		return core.SynthesisResult{}, err
	}

	return core.SynthesisResult{OutputPath: req.OutputPath, SampleRate: 24000}, nil
}

func (m *mockSynthesizer) lastRequest(t *testing.T) core.SynthesisRequest {
	t.Helper()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	require.NotEmpty(t, m.requests)

	return m.requests[len(m.requests)-1]
}

type staticStatus struct {
	loaded bool
	device core.Device
}

func (s staticStatus) Loaded() bool        { return s.loaded }
func (s staticStatus) Device() core.Device { return s.device }

type handlerEnv struct {
	server      *httptest.Server
	store       *store.Store
	synthesizer *mockSynthesizer
}

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	lg, err := logger.New(t.TempDir(), "test.log")
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}

	t.Cleanup(func() { _ = lg.Close() })

	return lg
}

func newHandlerEnv(t *testing.T, synthesizer *mockSynthesizer, status staticStatus) *handlerEnv {
	t.Helper()

	root := t.TempDir()

	transientStore, err := store.New(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	require.NoError(t, err)

	log := createTestLogger(t)
	handler := server.NewHandler(transientStore, synthesizer, status, log)

	testServer := httptest.NewServer(server.NewRouter(handler, log))
	t.Cleanup(testServer.Close)

	return &handlerEnv{server: testServer, store: transientStore, synthesizer: synthesizer}
}

// multipartBody builds a generate request body. Nil values are omitted.
func multipartBody(t *testing.T, fields map[string]*string, reference []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	for name, value := range fields {
		if value == nil {
			continue
		}

		require.NoError(t, form.WriteField(name, *value))
	}

	if reference != nil {
		part, err := form.CreateFormFile(tts.FieldReferenceAudio, "voice.wav")
		require.NoError(t, err)

		_, err = part.Write(reference)
		require.NoError(t, err)
	}

	require.NoError(t, form.Close())

	return body, form.FormDataContentType()
}

func postGenerate(t *testing.T, env *handlerEnv, fields map[string]*string, reference []byte) *http.Response {
	t.Helper()

	body, contentType := multipartBody(t, fields, reference)

	resp, err := http.Post(env.server.URL+tts.APIGenerate, contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body tts.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Detail)

	return body.Detail
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func ptr(value string) *string {
	return &value
}

func referenceClip(t *testing.T) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, audio.WriteMono16(path, 24000, make([]int, 4800)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{loaded: true})
	reference := referenceClip(t)

	resp := postGenerate(t, env, map[string]*string{
		tts.FieldText:          ptr("Hello, this is a cloned voice."),
		tts.FieldReferenceText: ptr("Some call me nature."),
		tts.FieldSpeed:         ptr("0.9"),
	}, reference)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename=generated.wav`)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, body)
	assert.True(t, bytes.HasPrefix(body, []byte("RIFF")))

	req := env.synthesizer.lastRequest(t)
	assert.Equal(t, "Hello, this is a cloned voice.", req.TargetText)
	assert.Equal(t, "Some call me nature.", req.ReferenceText)
	assert.InEpsilon(t, 0.9, req.Speed, 0.0001)
	assert.Equal(t, env.store.ReferenceDir(), filepath.Dir(req.ReferencePath))
	assert.True(t, strings.HasSuffix(req.ReferencePath, "_voice.wav"))
	assert.Equal(t, env.store.OutputDir(), filepath.Dir(req.OutputPath))

	stored, err := os.ReadFile(req.ReferencePath)
	require.NoError(t, err)
	assert.Equal(t, reference, stored)
}

func TestGenerate_QueryDoesNotOverrideForm(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{loaded: true})

	tests := []struct {
		name          string
		referenceText *string
		want          string
	}{
		{name: "form value wins", referenceText: ptr("Some call me nature."), want: "Some call me nature."},
		{name: "omitted form value stays empty", referenceText: nil, want: ""},
	}

	for _, testCase := range tests {
		body, contentType := multipartBody(t, map[string]*string{
			tts.FieldText:          ptr("Query strings are ignored."),
			tts.FieldReferenceText: testCase.referenceText,
		}, referenceClip(t))

		query := url.Values{}
		query.Set(tts.FieldReferenceText, "from the query")
		query.Set(tts.FieldText, "also from the query")

		resp, err := http.Post(env.server.URL+tts.APIGenerate+"?"+query.Encode(), contentType, body)
		require.NoError(t, err, testCase.name)
		_ = resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode, testCase.name)

		req := env.synthesizer.lastRequest(t)
		assert.Equal(t, testCase.want, req.ReferenceText, testCase.name)
		assert.Equal(t, "Query strings are ignored.", req.TargetText, testCase.name)
	}
}

func TestGenerate_RangeHeaderIsIgnored(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{loaded: true})

	body, contentType := multipartBody(t, map[string]*string{tts.FieldText: ptr("The whole file.")}, referenceClip(t))

	request, err := http.NewRequestWithContext(context.Background(), http.MethodPost, env.server.URL+tts.APIGenerate, body)
	require.NoError(t, err)
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Range", "bytes=0-3")
	request.Header.Set("If-Modified-Since", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))

	resp, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Range"))

	waveform, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	generated, err := os.ReadFile(env.synthesizer.lastRequest(t).OutputPath)
	require.NoError(t, err)
	assert.Equal(t, generated, waveform)
	assert.Equal(t, strconv.Itoa(len(generated)), resp.Header.Get("Content-Length"))

	info, err := audio.Inspect(env.synthesizer.lastRequest(t).OutputPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(waveform)), info.FileSize)
}

func TestGenerate_DefaultParameters(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{loaded: true})
	reference := referenceClip(t)

	omitted := postGenerate(t, env, map[string]*string{
		tts.FieldText: ptr("Defaults please."),
	}, reference)
	require.Equal(t, http.StatusOK, omitted.StatusCode)

	implicit := env.synthesizer.lastRequest(t)

	explicit := postGenerate(t, env, map[string]*string{
		tts.FieldText:          ptr("Defaults please."),
		tts.FieldReferenceText: ptr(""),
		tts.FieldSpeed:         ptr("1.0"),
	}, reference)
	require.Equal(t, http.StatusOK, explicit.StatusCode)

	supplied := env.synthesizer.lastRequest(t)

	assert.Equal(t, supplied.TargetText, implicit.TargetText)
	assert.Equal(t, supplied.ReferenceText, implicit.ReferenceText)
	assert.Empty(t, implicit.ReferenceText)
	assert.Equal(t, supplied.Speed, implicit.Speed)
	assert.Equal(t, core.DefaultSpeed, implicit.Speed)
}

func TestGenerate_EmptyTextIsAccepted(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{loaded: true})

	resp := postGenerate(t, env, map[string]*string{tts.FieldText: ptr("")}, referenceClip(t))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.synthesizer.lastRequest(t).TargetText)
}

func TestGenerate_SynthesisFailure(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{shouldFail: true}, staticStatus{loaded: true})

	resp := postGenerate(t, env, map[string]*string{tts.FieldText: ptr("fail")}, referenceClip(t))

	detail := decodeDetail(t, resp)
	assert.Contains(t, detail, errMockSynthesis.Error())
	assert.NotContains(t, resp.Header.Get("Content-Disposition"), "generated.wav")
	assertDirEmpty(t, env.store.OutputDir())
}

func TestGenerate_CorruptOutputIsNotServed(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{garbage: true}, staticStatus{loaded: true})

	resp := postGenerate(t, env, map[string]*string{tts.FieldText: ptr("corrupt")}, referenceClip(t))

	detail := decodeDetail(t, resp)
	assert.Contains(t, detail, audio.ErrNotWAV.Error())

	// The unserved output is removed and the stored reference is kept.
	req := env.synthesizer.lastRequest(t)
	assert.NoFileExists(t, req.OutputPath)
	assertDirEmpty(t, env.store.OutputDir())
	assert.FileExists(t, req.ReferencePath)
}

func TestGenerate_PanicIsMapped(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{shouldPanic: true}, staticStatus{loaded: true})

	resp := postGenerate(t, env, map[string]*string{tts.FieldText: ptr("boom")}, referenceClip(t))

	detail := decodeDetail(t, resp)
	assert.Contains(t, detail, "tensor shape mismatch")
}

func TestGenerate_InvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fields    map[string]*string
		reference bool
		want      string
	}{
		{
			name:      "missing text",
			fields:    map[string]*string{tts.FieldReferenceText: ptr("hi")},
			reference: true,
			want:      "field 'text' is required",
		},
		{
			name:   "missing reference audio",
			fields: map[string]*string{tts.FieldText: ptr("hi")},
			want:   "field 'reference_audio' is required",
		},
		{
			name:      "speed is not a number",
			fields:    map[string]*string{tts.FieldText: ptr("hi"), tts.FieldSpeed: ptr("fast")},
			reference: true,
			want:      "field 'speed' must be a number",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			synthesizer := &mockSynthesizer{}
			env := newHandlerEnv(t, synthesizer, staticStatus{loaded: true})

			var reference []byte
			if testCase.reference {
				reference = referenceClip(t)
			}

			resp := postGenerate(t, env, testCase.fields, reference)

			detail := decodeDetail(t, resp)
			assert.Contains(t, detail, testCase.want)
			assert.Empty(t, synthesizer.requests)
		})
	}
}

func TestGenerate_NotMultipart(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{loaded: true})

	resp, err := http.Post(env.server.URL+tts.APIGenerate, "application/json", strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	detail := decodeDetail(t, resp)
	assert.Contains(t, detail, "multipart")
}

func TestGenerate_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{loaded: true})

	resp, err := http.Get(env.server.URL + tts.APIGenerate)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ready := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{loaded: true, device: core.DeviceCUDA})
	client := tts.NewHTTPClient(ready.server.URL, 0)

	health, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.ModelLoaded)
	assert.Equal(t, "cuda", health.Device)

	notReady := newHandlerEnv(t, &mockSynthesizer{}, staticStatus{})

	resp, err := http.Get(notReady.server.URL + tts.APIHealth)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// Package server exposes the voice cloning model over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/store"
	"github.com/book-expert/voice-clone-service/internal/tts"
)

const (
	// DownloadFilename is the filename suggested for every generated waveform.
	DownloadFilename = "generated.wav"

	maxMemoryBytes   = 32 << 20
	textPreviewRunes = 50
	contentTypeJSON  = "application/json"
)

// Failure classes. They are logged but all map to the same 500 response.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrStorage        = errors.New("storage failure")
	ErrSynthesis      = errors.New("synthesis failure")
)

// ModelStatus reports readiness of the model handle.
type ModelStatus interface {
	Loaded() bool
	Device() core.Device
}

// Handler serves the generate and health endpoints.
type Handler struct {
	store       *store.Store
	synthesizer core.Synthesizer
	status      ModelStatus
	log         *logger.Logger
}

// NewHandler creates a handler. The synthesizer is shared by all requests.
func NewHandler(transientStore *store.Store, synthesizer core.Synthesizer, status ModelStatus, log *logger.Logger) *Handler {
	return &Handler{
		store:       transientStore,
		synthesizer: synthesizer,
		status:      status,
		log:         log,
	}
}

type generateForm struct {
	text              string
	referenceText     string
	speed             float64
	referenceFilename string
}

// Generate persists the reference clip, runs synthesis and streams back the WAV.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	result, output, err := h.generate(r)
	if err != nil {
		h.log.Error("Error generating TTS: %v", err)
		h.discard(output)
		writeError(w, err)

		return
	}

	serveErr := h.serveWaveform(w, result.OutputPath)
	if serveErr != nil {
		h.log.Error("Error generating TTS: %v", serveErr)
		h.discard(output)
		writeError(w, serveErr)
	}
}

// generate returns the reserved output file alongside any error so the caller
// can discard what was never served.
func (h *Handler) generate(r *http.Request) (core.SynthesisResult, store.File, error) {
	parseErr := r.ParseMultipartForm(maxMemoryBytes)
	if parseErr != nil {
		return core.SynthesisResult{}, store.File{}, fmt.Errorf("%w: failed to parse multipart form: %w", ErrInvalidRequest, parseErr)
	}

	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form, err := parseGenerateForm(r.MultipartForm)
	if err != nil {
		return core.SynthesisResult{}, store.File{}, err
	}

	reference, _, err := r.FormFile(tts.FieldReferenceAudio)
	if err != nil {
		return core.SynthesisResult{}, store.File{}, fmt.Errorf("%w: field '%s' is required: %w", ErrInvalidRequest, tts.FieldReferenceAudio, err)
	}
	defer reference.Close()

	referenceFile, err := h.store.StoreReference(reference, form.referenceFilename)
	if err != nil {
		return core.SynthesisResult{}, store.File{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	outputFile, err := h.store.ReserveOutput()
	if err != nil {
		return core.SynthesisResult{}, store.File{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	h.log.Info("Generating TTS for text: %s...", preview(form.text))
	h.log.Info("Reference audio: %s", referenceFile.Path)
	h.log.Info("Reference text: %s", form.referenceText)
	h.log.Info("Speed: %g", form.speed)

	result, err := h.synthesizer.Synthesize(r.Context(), core.SynthesisRequest{
		ReferencePath: referenceFile.Path,
		ReferenceText: form.referenceText,
		TargetText:    form.text,
		Speed:         form.speed,
		OutputPath:    outputFile.Path,
	})
	if err != nil {
		return core.SynthesisResult{}, outputFile, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	h.log.Info("Generated %s (%d Hz, %s)", result.OutputPath, result.SampleRate, result.Duration)

	return result, outputFile, nil
}

// discard removes an output that will never be served. Stored references
// are kept for the retention policy.
func (h *Handler) discard(output store.File) {
	if output.Path == "" {
		return
	}

	err := h.store.Remove(output)
	if err != nil {
		h.log.Warn("Failed to remove unserved output '%s': %v", output.Path, err)
	}
}

// parseGenerateForm reads only the multipart body. Query parameters never
// stand in for form fields.
func parseGenerateForm(multipartForm *multipart.Form) (generateForm, error) {
	values := multipartForm.Value

	texts, ok := values[tts.FieldText]
	if !ok || len(texts) == 0 {
		return generateForm{}, fmt.Errorf("%w: field '%s' is required", ErrInvalidRequest, tts.FieldText)
	}

	form := generateForm{
		text:  texts[0],
		speed: core.DefaultSpeed,
	}

	referenceTexts := values[tts.FieldReferenceText]
	if len(referenceTexts) > 0 {
		form.referenceText = referenceTexts[0]
	}

	speeds, ok := values[tts.FieldSpeed]
	if ok && len(speeds) > 0 {
		speed, err := strconv.ParseFloat(speeds[0], 64)
		if err != nil {
			return generateForm{}, fmt.Errorf("%w: field '%s' must be a number: %w", ErrInvalidRequest, tts.FieldSpeed, err)
		}

		form.speed = speed
	}

	files := multipartForm.File[tts.FieldReferenceAudio]
	if len(files) > 0 {
		form.referenceFilename = files[0].Filename
	}

	return form, nil
}

// serveWaveform checks the file is a WAV before any byte of the body is
// written, then sends the whole file with a 200. Range requests are not honored.
func (h *Handler) serveWaveform(w http.ResponseWriter, path string) error {
	info, err := audio.Inspect(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: failed to open generated audio: %w", ErrStorage, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: failed to stat generated audio: %w", ErrStorage, err)
	}

	if stat.Size() != info.FileSize {
		return fmt.Errorf("%w: generated audio changed while being served", ErrStorage)
	}

	w.Header().Set("Content-Type", audio.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(stat.Size(), 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": DownloadFilename,
	}))
	w.WriteHeader(http.StatusOK)

	written, copyErr := io.Copy(w, file)
	if copyErr != nil {
		// Headers are out, the client sees a truncated body.
		h.log.Error("Failed to send %s after %d of %d bytes: %v", path, written, stat.Size(), copyErr)
	}

	return nil
}

// Health reports whether the model is loaded and on which device.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK

	if !h.status.Loaded() {
		status = "loading"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, tts.HealthResponse{
		Status:      status,
		ModelLoaded: h.status.Loaded(),
		Device:      string(h.status.Device()),
	})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, tts.ErrorResponse{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(body)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= textPreviewRunes {
		return text
	}

	return string(runes[:textPreviewRunes])
}

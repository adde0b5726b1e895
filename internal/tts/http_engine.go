package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/tts/text"
	"github.com/hashicorp/go-multierror"
)

const dirPermissions = 0o750

// Static errors.
var (
	ErrChunksPathEmpty = errors.New("chunks path cannot be empty")
	ErrNarrationEmpty  = errors.New("narration contains no text")
	ErrOutputDirEmpty  = errors.New("output directory cannot be empty")
	ErrTextEmpty       = errors.New("text cannot be empty")
	ErrNoChunksFound   = errors.New("no chunks found")
	ErrWorkersInvalid  = errors.New("workers must be at least 1")
)

const (
	errFmtHealthCheckFailed     = "TTS service health check failed: %w"
	logFmtServiceHealthy        = "TTS service is healthy on %s, processing %d chunks"
	logFmtGeneratedAudio        = "Generated audio: %s (%d bytes)"
	outputFileFormat            = "chunk_%04d.wav"
	errFmtChunkFailed           = "chunk %d failed: %w"
	logFmtChunkProcessingFailed = "Failed to process chunk %d: %v"
	logFmtChunkProcessed        = "Processed chunk %d/%d"
)

// EngineConfig describes the voice and pacing used for every chunk.
type EngineConfig struct {
	// Workers bounds the number of requests in flight. The service runs one
	// synthesis at a time, so extra workers only queue on the server side.
	Workers       int
	Timeout       time.Duration
	ReferencePath string
	ReferenceText string
	Speed         float64
}

// HTTPEngine turns text into WAV files by calling a running voice clone service.
type HTTPEngine struct {
	client *HTTPClient
	config EngineConfig
	logger *logger.Logger

	referenceOnce sync.Once
	reference     []byte
	referenceErr  error
}

// NewHTTPEngine creates an engine talking to the service at serviceURL.
func NewHTTPEngine(serviceURL string, cfg EngineConfig, log *logger.Logger) *HTTPEngine {
	return NewHTTPEngineWithClient(NewHTTPClient(serviceURL, cfg.Timeout), cfg, log)
}

// NewHTTPEngineWithClient creates an engine with a custom client.
func NewHTTPEngineWithClient(client *HTTPClient, cfg EngineConfig, log *logger.Logger) *HTTPEngine {
	return &HTTPEngine{
		client: client,
		config: cfg,
		logger: log,
	}
}

// ProcessChunks reads a JSON array of strings from chunksPath and writes one
// chunk_NNNN.wav per entry into outputDir. A failed chunk does not stop the
// others; all failures are returned together.
func (e *HTTPEngine) ProcessChunks(ctx context.Context, chunksPath, outputDir string) error {
	inputErr := e.validateChunkInputs(chunksPath, outputDir)
	if inputErr != nil {
		return inputErr
	}

	chunks, prepErr := e.prepareChunkProcessing(chunksPath, outputDir)
	if prepErr != nil {
		return prepErr
	}

	return e.processTexts(ctx, chunks, outputDir)
}

// ProcessNarration reads a plain text file, splits it into sentence-aligned
// chunks and synthesizes them like ProcessChunks.
func (e *HTTPEngine) ProcessNarration(ctx context.Context, narrationPath, outputDir string, chunker *text.Chunker) error {
	inputErr := e.validateChunkInputs(narrationPath, outputDir)
	if inputErr != nil {
		return inputErr
	}

	data, err := os.ReadFile(narrationPath)
	if err != nil {
		return fmt.Errorf("failed to read narration: %w", err)
	}

	chunks := chunker.Split(string(data))
	if len(chunks) == 0 {
		return fmt.Errorf("%w: %s", ErrNarrationEmpty, narrationPath)
	}

	dirErr := os.MkdirAll(outputDir, dirPermissions)
	if dirErr != nil {
		return fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	return e.processTexts(ctx, chunks, outputDir)
}

func (e *HTTPEngine) processTexts(ctx context.Context, chunks []string, outputDir string) error {
	health, healthErr := e.checkServiceHealth(ctx)
	if healthErr != nil {
		return healthErr
	}

	e.logger.Info(logFmtServiceHealthy, health.Device, len(chunks))

	return e.processChunksParallel(ctx, chunks, outputDir)
}

// ProcessSingleChunk synthesizes text with the configured reference voice and
// writes the waveform to outputPath.
func (e *HTTPEngine) ProcessSingleChunk(ctx context.Context, text, outputPath string) error {
	if text == "" {
		return ErrTextEmpty
	}

	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	dirErr := os.MkdirAll(filepath.Dir(outputPath), dirPermissions)
	if dirErr != nil {
		return fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	audioData, genErr := e.generateSpeechAudio(ctx, text)
	if genErr != nil {
		return genErr
	}

	writeErr := os.WriteFile(outputPath, audioData, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write audio file: %w", writeErr)
	}

	e.logger.Info(logFmtGeneratedAudio, outputPath, len(audioData))

	return nil
}

// CheckHealth returns the health report of the service.
func (e *HTTPEngine) CheckHealth(ctx context.Context) (HealthResponse, error) {
	return e.checkServiceHealth(ctx)
}

func (e *HTTPEngine) validateChunkInputs(chunksPath, outputDir string) error {
	if chunksPath == "" {
		return ErrChunksPathEmpty
	}

	if outputDir == "" {
		return ErrOutputDirEmpty
	}

	if e.config.Workers < 1 {
		return ErrWorkersInvalid
	}

	return nil
}

func (e *HTTPEngine) prepareChunkProcessing(chunksPath, outputDir string) ([]string, error) {
	chunks, chunksErr := readChunksFile(chunksPath)
	if chunksErr != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", chunksErr)
	}

	dirErr := os.MkdirAll(outputDir, dirPermissions)
	if dirErr != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	return chunks, nil
}

func (e *HTTPEngine) checkServiceHealth(ctx context.Context) (HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	health, healthErr := e.client.HealthCheck(ctx)
	if healthErr != nil {
		return health, fmt.Errorf(errFmtHealthCheckFailed, healthErr)
	}

	if !health.ModelLoaded {
		return health, fmt.Errorf(errFmtHealthCheckFailed, ErrRemoteNotReady)
	}

	return health, nil
}

// loadReference reads the reference clip once; every chunk reuses the bytes.
func (e *HTTPEngine) loadReference() ([]byte, error) {
	e.referenceOnce.Do(func() {
		if e.config.ReferencePath == "" {
			e.referenceErr = ErrReferenceMissing

			return
		}

		data, err := os.ReadFile(e.config.ReferencePath)
		if err != nil {
			e.referenceErr = fmt.Errorf("failed to read reference audio: %w", err)

			return
		}

		e.reference = data
	})

	return e.reference, e.referenceErr
}

func (e *HTTPEngine) generateSpeechAudio(ctx context.Context, text string) ([]byte, error) {
	reference, err := e.loadReference()
	if err != nil {
		return nil, err
	}

	audioData, speechErr := e.client.Generate(ctx, GenerateRequest{
		Text:              text,
		Reference:         bytes.NewReader(reference),
		ReferenceFilename: filepath.Base(e.config.ReferencePath),
		ReferenceText:     e.config.ReferenceText,
		Speed:             e.config.Speed,
	})
	if speechErr != nil {
		return nil, fmt.Errorf("failed to generate speech: %w", speechErr)
	}

	return audioData, nil
}

// readChunksFile reads a JSON array of strings.
func readChunksFile(chunksPath string) ([]string, error) {
	data, err := os.ReadFile(chunksPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", err)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChunksFound, chunksPath)
	}

	return chunks, nil
}

// processChunksParallel runs at most config.Workers chunks at a time.
func (e *HTTPEngine) processChunksParallel(ctx context.Context, chunks []string, outputDir string) error {
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		result    *multierror.Error
	)

	workerPool := make(chan struct{}, e.config.Workers)

	for chunkIndex, chunk := range chunks {
		waitGroup.Add(1)

		go func(index int, text string) {
			defer waitGroup.Done()

			workerPool <- struct{}{}

			defer func() { <-workerPool }()

			outputPath := filepath.Join(outputDir, fmt.Sprintf(outputFileFormat, index+1))

			err := e.ProcessSingleChunk(ctx, text, outputPath)
			if err != nil {
				mutex.Lock()
				result = multierror.Append(result, fmt.Errorf(errFmtChunkFailed, index+1, err))
				mutex.Unlock()

				e.logger.Error(logFmtChunkProcessingFailed, index+1, err)

				return
			}

			e.logger.Info(logFmtChunkProcessed, index+1, len(chunks))
		}(chunkIndex, chunk)
	}

	waitGroup.Wait()

	return result.ErrorOrNil()
}

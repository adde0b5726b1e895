package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// HealthCheckTimeout defines the timeout for health check operations.
const HealthCheckTimeout = 10 * time.Second

const filePermissions = 0o600

// ErrRemoteNotReady indicates the remote service reports no loaded model.
var ErrRemoteNotReady = errors.New("remote service has no model loaded")

// HTTPBackend implements core.Backend by forwarding each synthesis to another
// instance of this service, typically one running on an accelerator host.
type HTTPBackend struct {
	client *HTTPClient
	log    *logger.Logger
}

// NewHTTPBackend creates an HTTP-based backend for the given base URL.
func NewHTTPBackend(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPBackend {
	return NewHTTPBackendWithClient(NewHTTPClient(baseURL, timeout), log)
}

// NewHTTPBackendWithClient creates an HTTP-based backend with a custom client.
func NewHTTPBackendWithClient(client *HTTPClient, log *logger.Logger) *HTTPBackend {
	return &HTTPBackend{
		client: client,
		log:    log,
	}
}

// Load checks that the remote service is up with its model loaded. The device
// is chosen by the remote side; the local selection is only logged.
func (b *HTTPBackend) Load(ctx context.Context, device core.Device) error {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	health, err := b.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("remote TTS service health check failed: %w", err)
	}

	if !health.ModelLoaded {
		return ErrRemoteNotReady
	}

	b.log.Info("Remote TTS service %s is ready on device %s (local preference %s)",
		b.client.baseURL, health.Device, device)

	return nil
}

// Infer forwards the request and writes the returned waveform to req.OutputPath.
func (b *HTTPBackend) Infer(ctx context.Context, req core.SynthesisRequest) error {
	if req.OutputPath == "" {
		return ErrOutputPathEmpty
	}

	reference, err := os.Open(req.ReferencePath)
	if err != nil {
		return fmt.Errorf("failed to open reference audio: %w", err)
	}
	defer reference.Close()

	audioData, genErr := b.client.Generate(ctx, GenerateRequest{
		Text:              req.TargetText,
		Reference:         reference,
		ReferenceFilename: filepath.Base(req.ReferencePath),
		ReferenceText:     req.ReferenceText,
		Speed:             req.Speed,
	})
	if genErr != nil {
		return fmt.Errorf("failed to generate speech: %w", genErr)
	}

	writeErr := os.WriteFile(req.OutputPath, audioData, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write audio file: %w", writeErr)
	}

	return nil
}

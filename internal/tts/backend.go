package tts

import (
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/nats-io/nats.go"
)

const natsClientName = "voice-clone-service"

// NewBackend builds the backend selected by cfg.Model.Backend. The returned
// close function releases any connection the backend holds and is never nil.
func NewBackend(cfg *config.Config, log *logger.Logger) (core.Backend, func(), error) {
	noop := func() {}

	switch cfg.Model.Backend {
	case config.BackendCLI:
		processor, err := NewRunnerProcessor(RunnerConfigFrom(cfg.Model), log)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create runner backend: %w", err)
		}

		closeRunner := func() {
			closeErr := processor.Close()
			if closeErr != nil {
				log.Error("Failed to stop inference runner: %v", closeErr)
			}
		}

		return processor, closeRunner, nil
	case config.BackendHTTP:
		return NewHTTPBackend(cfg.Model.RemoteURL, cfg.Model.Timeout(), log), noop, nil
	case config.BackendNATS:
		return newNATSBackendFromConfig(cfg, log)
	default:
		return nil, noop, fmt.Errorf("%w: '%s'", config.ErrUnknownBackend, cfg.Model.Backend)
	}
}

// RunnerConfigFrom maps the [model] section onto a RunnerConfig.
func RunnerConfigFrom(model config.ModelConfig) RunnerConfig {
	return RunnerConfig{
		PythonPath:     model.PythonPath,
		RunnerPath:     model.RunnerPath,
		ModelName:      model.ModelName,
		CheckpointPath: model.CheckpointPath,
		VocabPath:      model.VocabPath,
		Env:            model.RunnerEnv,
	}
}

func newNATSBackendFromConfig(cfg *config.Config, log *logger.Logger) (core.Backend, func(), error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, func() {}, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectBucket)
	if err != nil {
		natsConnection.Close()

		return nil, func() {}, fmt.Errorf("failed to create object store: %w", err)
	}

	log.Info("Connected to NATS at %s, bucket %s", natsConnection.ConnectedUrl(), cfg.NATS.AudioObjectBucket)

	backend := NewNATSBackend(natsConnection, store, cfg.NATS.SynthesisSubject, cfg.Model.Timeout(), log)

	return backend, natsConnection.Close, nil
}

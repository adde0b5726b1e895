// main package for the tts-worker, which runs the model next to the accelerator
// and serves synthesis jobs over NATS.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/model"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/tts"
	"github.com/book-expert/voice-clone-service/internal/worker"
	"github.com/kardianos/task"
	"github.com/nats-io/nats.go"
)

const (
	stopTimeout    = 10 * time.Second
	workDirName    = "worker"
	natsClientName = "voice-clone-worker"
)

func run(ctx context.Context) error {
	bootstrapLog, err := logger.New(os.TempDir(), "tts-worker-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.NATS.URL == "" {
		return config.ErrNATSURLEmpty
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, "tts-worker.log")
	if err != nil {
		return fmt.Errorf("failed to create final logger: %w", err)
	}
	defer log.Close()

	// The worker always runs the model locally.
	processor, err := tts.NewRunnerProcessor(tts.RunnerConfigFrom(cfg.Model), log)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}
	defer func() { _ = processor.Close() }()

	handle := model.NewHandle(processor, model.Options{DevicePreference: cfg.Model.Device}, log)

	loadErr := handle.EnsureLoaded(ctx)
	if loadErr != nil {
		log.Error("Refusing to start without a model: %v", loadErr)

		return loadErr
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectBucket)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	workDir := filepath.Join(cfg.Paths.OutputDir, workDirName)

	natsWorker, err := worker.NewNatsWorker(
		natsConnection, cfg.NATS.SynthesisSubject, store, handle, handle.Device(), workDir, log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	return natsWorker.Run(ctx)
}

func main() {
	err := task.Start(context.Background(), stopTimeout, run)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker exited with error: %v\n", err)
		os.Exit(1)
	}
}

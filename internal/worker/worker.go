// Package worker provides a NATS worker that runs synthesis jobs against a local model.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/tts"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	transferTimeout  = 2 * time.Minute
	outputKeyFormat  = "output/%s.wav"
	jobDirPattern    = "synthesis-job-*"
	referenceName    = "reference.wav"
	outputName       = "output.wav"
	jobDirPermission = 0o750
)

var (
	// ErrReferenceKeyEmpty indicates a job without a reference object.
	ErrReferenceKeyEmpty = errors.New("reference key cannot be empty")
	// ErrWorkDirEmpty indicates the worker has no scratch directory.
	ErrWorkDirEmpty = errors.New("work directory cannot be empty")
)

// NatsWorker listens for synthesis jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	synthesizer    core.Synthesizer
	device         core.Device
	workDir        string
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	synthesizer core.Synthesizer,
	device core.Device,
	workDir string,
	log *logger.Logger,
) (*NatsWorker, error) {
	if workDir == "" {
		return nil, ErrWorkDirEmpty
	}

	mkdirErr := os.MkdirAll(workDir, jobDirPermission)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create work directory %s: %w", workDir, mkdirErr)
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		synthesizer:    synthesizer,
		device:         device,
		workDir:        workDir,
		log:            log,
	}, nil
}

// Run starts the worker and blocks until ctx is done.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.System("Inference worker listening on subject: %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	job, err := w.parseAndValidateJob(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate job: %v", err)
		w.respond(msg, &tts.SynthesisReply{Error: err.Error()})

		return
	}

	if job.Ping {
		w.respond(msg, &tts.SynthesisReply{Header: job.Header, Device: string(w.device)})

		return
	}

	reply, processErr := w.processJob(job)
	if processErr != nil {
		w.log.Error("Failed to process synthesis job %s: %v", job.Header.WorkflowID, processErr)
		w.respond(msg, &tts.SynthesisReply{Header: job.Header, Error: processErr.Error()})

		return
	}

	w.respond(msg, reply)
}

// processJob downloads the reference, synthesizes, and uploads the waveform.
func (w *NatsWorker) processJob(job *tts.SynthesisJob) (*tts.SynthesisReply, error) {
	jobDir, err := os.MkdirTemp(w.workDir, jobDirPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	defer func() {
		removeErr := os.RemoveAll(jobDir)
		if removeErr != nil {
			w.log.Warn("Failed to remove job directory '%s': %v", jobDir, removeErr)
		}
	}()

	referencePath := filepath.Join(jobDir, referenceName)

	downloadErr := w.downloadReference(job.ReferenceKey, referencePath)
	if downloadErr != nil {
		return nil, downloadErr
	}

	w.log.Info("Synthesizing job %s: %d characters at speed %g", job.Header.WorkflowID, len(job.TargetText), job.Speed)

	result, err := w.synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		ReferencePath: referencePath,
		ReferenceText: job.ReferenceText,
		TargetText:    job.TargetText,
		Speed:         job.Speed,
		OutputPath:    filepath.Join(jobDir, outputName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize speech: %w", err)
	}

	outputKey := fmt.Sprintf(outputKeyFormat, uuid.NewString())

	uploadErr := w.uploadOutput(outputKey, result.OutputPath)
	if uploadErr != nil {
		return nil, uploadErr
	}

	return &tts.SynthesisReply{
		Header:     job.Header,
		OutputKey:  outputKey,
		SampleRate: result.SampleRate,
		Device:     string(w.device),
	}, nil
}

func (w *NatsWorker) downloadReference(key, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create reference file: %w", err)
	}

	downloadErr := w.store.Download(ctx, key, file)
	closeErr := file.Close()

	if downloadErr != nil {
		return fmt.Errorf("failed to download reference '%s': %w", key, downloadErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close reference file: %w", closeErr)
	}

	return nil
}

func (w *NatsWorker) uploadOutput(key, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open generated audio: %w", err)
	}
	defer file.Close()

	uploadErr := w.store.Upload(ctx, key, file)
	if uploadErr != nil {
		return fmt.Errorf("failed to upload generated audio for key '%s': %w", key, uploadErr)
	}

	return nil
}

// respond marshals and sends the reply to the requester.
func (w *NatsWorker) respond(msg *nats.Msg, reply *tts.SynthesisReply) {
	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal synthesis reply: %v", err)

		return
	}

	respondErr := msg.Respond(replyData)
	if respondErr != nil {
		w.log.Error("Failed to publish synthesis reply: %v", respondErr)
	}
}

func (w *NatsWorker) parseAndValidateJob(msg *nats.Msg) (*tts.SynthesisJob, error) {
	var job tts.SynthesisJob

	err := json.Unmarshal(msg.Data, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if !job.Ping && job.ReferenceKey == "" {
		return nil, ErrReferenceKeyEmpty
	}

	return &job, nil
}

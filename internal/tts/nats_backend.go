package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	referenceKeyFormat = "reference/%s"
	pingTimeout        = 10 * time.Second
)

// ErrRemoteInference wraps an error reported by the remote worker.
var ErrRemoteInference = errors.New("remote worker failed")

// NATSBackend implements core.Backend by sending each synthesis to a remote
// worker over NATS request/reply, with audio carried by an object store.
type NATSBackend struct {
	natsConnection *nats.Conn
	store          core.ObjectStore
	subject        string
	timeout        time.Duration
	log            *logger.Logger
}

// NewNATSBackend creates a backend that talks to workers listening on subject.
func NewNATSBackend(
	natsConnection *nats.Conn,
	store core.ObjectStore,
	subject string,
	timeout time.Duration,
	log *logger.Logger,
) *NATSBackend {
	return &NATSBackend{
		natsConnection: natsConnection,
		store:          store,
		subject:        subject,
		timeout:        timeout,
		log:            log,
	}
}

// Load pings the worker pool and requires an answer.
func (b *NATSBackend) Load(ctx context.Context, device core.Device) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	reply, err := b.request(ctx, &SynthesisJob{Header: NewEventHeader(), Ping: true})
	if err != nil {
		return fmt.Errorf("no inference worker answered on '%s': %w", b.subject, err)
	}

	b.log.Info("Inference worker on '%s' is ready on device %s (local preference %s)",
		b.subject, reply.Device, device)

	return nil
}

// Infer uploads the reference clip, waits for the worker and downloads the waveform.
func (b *NATSBackend) Infer(ctx context.Context, req core.SynthesisRequest) error {
	if req.OutputPath == "" {
		return ErrOutputPathEmpty
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	referenceKey := fmt.Sprintf(referenceKeyFormat, uuid.NewString())

	uploadErr := b.uploadReference(ctx, referenceKey, req.ReferencePath)
	if uploadErr != nil {
		return uploadErr
	}

	defer b.deleteObject(referenceKey)

	job := &SynthesisJob{
		Header:        NewEventHeader(),
		ReferenceKey:  referenceKey,
		ReferenceText: req.ReferenceText,
		TargetText:    req.TargetText,
		Speed:         req.Speed,
	}

	reply, err := b.request(ctx, job)
	if err != nil {
		return err
	}

	defer b.deleteObject(reply.OutputKey)

	return b.downloadOutput(ctx, reply.OutputKey, req.OutputPath)
}

func (b *NATSBackend) uploadReference(ctx context.Context, key, path string) error {
	reference, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open reference audio: %w", err)
	}
	defer reference.Close()

	uploadErr := b.store.Upload(ctx, key, reference)
	if uploadErr != nil {
		return fmt.Errorf("failed to upload reference audio: %w", uploadErr)
	}

	return nil
}

func (b *NATSBackend) downloadOutput(ctx context.Context, key, path string) error {
	output, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	downloadErr := b.store.Download(ctx, key, output)
	closeErr := output.Close()

	if downloadErr != nil {
		_ = os.Remove(path)

		return fmt.Errorf("failed to download generated audio: %w", downloadErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close output file: %w", closeErr)
	}

	return nil
}

func (b *NATSBackend) request(ctx context.Context, job *SynthesisJob) (*SynthesisReply, error) {
	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis job: %w", err)
	}

	msg, err := b.natsConnection.RequestWithContext(ctx, b.subject, jobData)
	if err != nil {
		return nil, fmt.Errorf("synthesis request on '%s' failed: %w", b.subject, err)
	}

	var reply SynthesisReply

	unmarshalErr := json.Unmarshal(msg.Data, &reply)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal synthesis reply: %w", unmarshalErr)
	}

	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemoteInference, reply.Error)
	}

	return &reply, nil
}

func (b *NATSBackend) deleteObject(key string) {
	if key == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	err := b.store.Delete(ctx, key)
	if err != nil {
		b.log.Warn("Failed to delete transient object '%s': %v", key, err)
	}
}

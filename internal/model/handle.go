// Package model owns the loaded inference model and serializes access to it.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
)

var (
	// ErrNotLoaded is returned by Synthesize before EnsureLoaded has succeeded.
	ErrNotLoaded = errors.New("model is not loaded")
	// ErrLoadFailed wraps the error of the one and only load attempt.
	ErrLoadFailed = errors.New("model load failed")
	// ErrInference wraps errors raised by the backend during synthesis.
	ErrInference = errors.New("inference failed")
	// ErrInvalidOutput indicates the backend did not leave a usable WAV behind.
	ErrInvalidOutput = errors.New("backend produced no valid waveform")
)

// Options configure a Handle.
type Options struct {
	// DevicePreference is "auto", "cpu" or "cuda".
	DevicePreference string
	// HasAccelerator overrides the accelerator query. Defaults to AcceleratorAvailable.
	HasAccelerator AcceleratorCheck
}

// Handle is the process-wide model handle. The backend is loaded at most once
// and at most one Synthesize call runs inside it at any time; waiting callers
// are admitted in arrival order.
type Handle struct {
	backend core.Backend
	options Options
	log     *logger.Logger

	loadOnce sync.Once
	loadErr  error
	loaded   atomic.Bool
	device   core.Device

	// slot is a single-slot gate. Blocked senders on a channel are queued
	// in FIFO order by the runtime.
	slot chan struct{}
}

// NewHandle returns an unloaded handle around backend.
func NewHandle(backend core.Backend, options Options, log *logger.Logger) *Handle {
	if options.HasAccelerator == nil {
		options.HasAccelerator = AcceleratorAvailable
	}

	return &Handle{
		backend: backend,
		options: options,
		log:     log,
		slot:    make(chan struct{}, 1),
	}
}

// EnsureLoaded selects the device and loads the backend on the first call.
// Later calls return the outcome of the first one without loading again.
func (h *Handle) EnsureLoaded(ctx context.Context) error {
	h.loadOnce.Do(func() {
		h.loadErr = h.load(ctx)
	})

	return h.loadErr
}

func (h *Handle) load(ctx context.Context) error {
	h.log.Info("Loading voice cloning model...")

	device, err := SelectDevice(h.options.DevicePreference, h.options.HasAccelerator)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	h.log.Info("Using device: %s", device)

	started := time.Now()

	loadErr := h.backend.Load(ctx, device)
	if loadErr != nil {
		h.log.Error("Error loading model on %s: %v", device, loadErr)

		return fmt.Errorf("%w on %s: %w", ErrLoadFailed, device, loadErr)
	}

	h.device = device
	h.loaded.Store(true)

	h.log.Info("Model loaded successfully on %s in %s.", device, time.Since(started).Round(time.Millisecond))

	return nil
}

// Loaded reports whether the model is ready to serve.
func (h *Handle) Loaded() bool {
	return h.loaded.Load()
}

// Device returns the device selected at load time, or "" before loading.
func (h *Handle) Device() core.Device {
	if !h.loaded.Load() {
		return ""
	}

	return h.device
}

// Synthesize runs one inference call. Waiting for the slot honors ctx, but
// once the backend call starts it runs to completion regardless of ctx.
func (h *Handle) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.SynthesisResult, error) {
	if !h.loaded.Load() {
		return core.SynthesisResult{}, ErrNotLoaded
	}

	select {
	case h.slot <- struct{}{}:
	case <-ctx.Done():
		return core.SynthesisResult{}, fmt.Errorf("abandoned while waiting for the model: %w", ctx.Err())
	}

	inferErr := h.infer(context.WithoutCancel(ctx), req)
	if inferErr != nil {
		return core.SynthesisResult{}, inferErr
	}

	info, inspectErr := audio.Inspect(req.OutputPath)
	if inspectErr != nil {
		return core.SynthesisResult{}, fmt.Errorf("%w: %w", ErrInvalidOutput, inspectErr)
	}

	return core.SynthesisResult{
		OutputPath: req.OutputPath,
		SampleRate: info.SampleRate,
		Duration:   info.Duration,
	}, nil
}

func (h *Handle) infer(ctx context.Context, req core.SynthesisRequest) error {
	defer func() { <-h.slot }()

	err := h.backend.Infer(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInference, err)
	}

	return nil
}

// Package core defines the core business types and interfaces for the voice clone service.
package core

import (
	"context"
	"io"
	"time"
)

// DefaultSpeed is the playback-rate multiplier used when a request omits it.
const DefaultSpeed = 1.0

// Device identifies the compute device a model is bound to.
type Device string

const (
	// DeviceCUDA is a hardware accelerator.
	DeviceCUDA Device = "cuda"
	// DeviceCPU is the general-purpose processor.
	DeviceCPU Device = "cpu"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string, dst io.Writer) error
	Upload(ctx context.Context, key string, src io.Reader) error
	Delete(ctx context.Context, key string) error
}

// SynthesisRequest holds the parameters of a single voice cloning call.
// The backend writes the generated waveform to OutputPath.
type SynthesisRequest struct {
	ReferencePath string
	ReferenceText string
	TargetText    string
	Speed         float64
	OutputPath    string
}

// SynthesisResult describes the waveform produced by a synthesis call.
type SynthesisResult struct {
	OutputPath string
	SampleRate int
	Duration   time.Duration
}

// Backend is the opaque inference capability behind the model handle.
type Backend interface {
	// Load constructs the model bound to the given device.
	Load(ctx context.Context, device Device) error
	// Infer runs one synthesis and writes a WAV file to req.OutputPath.
	Infer(ctx context.Context, req SynthesisRequest) error
}

// Synthesizer is what request handlers call into.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error)
}

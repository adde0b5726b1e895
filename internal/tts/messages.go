package tts

import (
	"time"

	"github.com/book-expert/events"
	"github.com/google/uuid"
)

// SynthesisJob is the request sent to a remote inference worker over NATS.
// The reference clip travels through the object store under ReferenceKey.
type SynthesisJob struct {
	Header        events.EventHeader `json:"header"`
	Ping          bool               `json:"ping,omitempty"`
	ReferenceKey  string             `json:"reference_key,omitempty"`
	ReferenceText string             `json:"reference_text"`
	TargetText    string             `json:"target_text"`
	Speed         float64            `json:"speed"`
}

// SynthesisReply is the worker's answer to a SynthesisJob.
// Exactly one of OutputKey or Error is set for non-ping jobs.
type SynthesisReply struct {
	Header     events.EventHeader `json:"header"`
	OutputKey  string             `json:"output_key,omitempty"`
	SampleRate int                `json:"sample_rate,omitempty"`
	Device     string             `json:"device,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// NewEventHeader returns a header for a fresh workflow.
func NewEventHeader() events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
	}
}

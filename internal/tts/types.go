package tts

import (
	"context"
	"errors"
	"fmt"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	APIKey          string
	Text            string
	VoiceID         string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}

// Audio is a complete synthesized payload.
type Audio struct {
	ContentType string
	Data        []byte
}

// Voice is one entry of the vendor voice catalogue.
type Voice struct {
	ID     string
	Name   string
	Accent string
}

// Label is the display name used by the control panel.
func (v Voice) Label() string {
	if v.Accent == "" {
		return v.Name
	}
	return fmt.Sprintf("%s (%s)", v.Name, v.Accent)
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// VoiceLister lists voices available to an API key. A successful call also
// proves the key is valid.
type VoiceLister interface {
	Voices(ctx context.Context, apiKey string) ([]Voice, error)
}

// ErrNetwork marks transport-level failures reaching the vendor.
var ErrNetwork = errors.New("tts: network failure")

const genericUpstreamMessage = "API Error"

// UpstreamError is a non-success vendor response. Message carries the
// vendor's own wording when the body had one.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return e.Message
}

package tts

import (
	"context"
	"time"
)

type mockSynth struct{}

// NewMock returns a backend that produces a short fake MP3 frame and a fixed
// voice catalogue without network access. Any non-empty key is accepted.
func NewMock() interface {
	Synthesizer
	VoiceLister
} {
	return &mockSynth{}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	if req.APIKey == "" {
		return Audio{}, &UpstreamError{StatusCode: 401, Message: "Invalid API key"}
	}
	// MPEG-1 layer III frame header followed by silence, sized to the text.
	data := make([]byte, 4+len(req.Text)*64)
	copy(data, []byte{0xff, 0xfb, 0x90, 0x64})
	return Audio{ContentType: "audio/mpeg", Data: data}, nil
}

func (m *mockSynth) Voices(ctx context.Context, apiKey string) ([]Voice, error) {
	if apiKey == "" {
		return nil, &UpstreamError{StatusCode: 401, Message: "Invalid API key"}
	}
	return []Voice{
		{ID: "JBFqnCBsd6RMkjVDRZzb", Name: "George", Accent: "british"},
		{ID: "21m00Tcm4TlvDq8ikWAM", Name: "Rachel", Accent: "american"},
		{ID: "EXAVITQu4vr4xnSDxMaL", Name: "Sarah"},
	}, nil
}
